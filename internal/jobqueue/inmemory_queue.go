package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryQueue is a non-durable Queue backed by maps. It is safe for
// concurrent use and intended for tests and single-process deployments.
type InMemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	dead    map[string]*memJob
	order   uint64
	wake    chan struct{}
	poll    time.Duration
	nowFunc func() time.Time
}

type memJob struct {
	job   Job
	order uint64
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		jobs:    make(map[string]*memJob),
		dead:    make(map[string]*memJob),
		wake:    make(chan struct{}, 1),
		poll:    20 * time.Millisecond,
		nowFunc: time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.nowFunc()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	j.NotBefore = dueTime(j, now)
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}

	q.mu.Lock()
	q.order++
	q.jobs[j.ID] = &memJob{job: j, order: q.order}
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, wait := q.tryClaim(owner, leaseTTL)
		if job != nil {
			return job, nil
		}

		if wait <= 0 || wait > q.poll {
			wait = q.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryClaim leases the first claimable job, or returns how long until one
// may become claimable.
func (q *InMemoryQueue) tryClaim(owner string, leaseTTL time.Duration) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	var (
		best     *memJob
		earliest time.Time
	)
	for _, mj := range q.jobs {
		ready := mj.job.NotBefore
		if mj.job.LeaseOwner != "" && mj.job.LeaseUntil.After(ready) {
			ready = mj.job.LeaseUntil
		}
		if ready.After(now) {
			if earliest.IsZero() || ready.Before(earliest) {
				earliest = ready
			}
			continue
		}
		if best == nil || claimsBefore(mj, best) {
			best = mj
		}
	}
	if best == nil {
		if earliest.IsZero() {
			return nil, 0
		}
		return nil, earliest.Sub(now)
	}

	best.job.LeaseOwner = owner
	best.job.LeaseUntil = now.Add(leaseTTL)
	out := best.job
	return &out, 0
}

func claimsBefore(a, b *memJob) bool {
	if !a.job.NotBefore.Equal(b.job.NotBefore) {
		return a.job.NotBefore.Before(b.job.NotBefore)
	}
	if a.job.Sequence != b.job.Sequence {
		return a.job.Sequence < b.job.Sequence
	}
	return a.order < b.order
}

// owned returns the job if owner still holds an unexpired lease on it.
// Callers must hold q.mu.
func (q *InMemoryQueue) owned(jobID, owner string) (*memJob, error) {
	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if mj.job.LeaseOwner != owner {
		return nil, ErrLeaseLost
	}
	if mj.job.LeaseUntil.Before(q.nowFunc()) {
		return nil, ErrLeaseLost
	}
	return mj, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, jobID string, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.owned(jobID, owner); err != nil {
		return err
	}
	delete(q.jobs, jobID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, jobID string, owner string, notBefore time.Time, attempts int, lastErr string) error {
	q.mu.Lock()
	mj, err := q.owned(jobID, owner)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	mj.job.LeaseOwner = ""
	mj.job.LeaseUntil = time.Time{}
	mj.job.NotBefore = notBefore
	mj.job.Attempts = attempts
	mj.job.LastError = lastErr
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, jobID string, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, err := q.owned(jobID, owner)
	if err != nil {
		return err
	}
	mj.job.LeaseUntil = q.nowFunc().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) DeadLetter(ctx context.Context, jobID string, owner string, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, err := q.owned(jobID, owner)
	if err != nil {
		return err
	}
	delete(q.jobs, jobID)
	mj.job.LeaseOwner = ""
	mj.job.LeaseUntil = time.Time{}
	mj.job.LastError = lastErr
	q.dead[jobID] = mj
	return nil
}

func (q *InMemoryQueue) HasPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, mj := range q.jobs {
		if mj.job.CorrelationKey == correlationKey && mj.job.Sequence < sequence {
			return true, nil
		}
	}
	return false, nil
}

func (q *InMemoryQueue) HasDeadPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, mj := range q.dead {
		if mj.job.CorrelationKey == correlationKey && mj.job.Sequence < sequence {
			return true, nil
		}
	}
	return false, nil
}

func (q *InMemoryQueue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

func (q *InMemoryQueue) Dead(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*memJob, 0, len(q.dead))
	for _, mj := range q.dead {
		entries = append(entries, mj)
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].order < entries[k].order })

	out := make([]Job, 0, len(entries))
	for _, mj := range entries {
		out = append(out, mj.job)
	}
	return out, nil
}

func (q *InMemoryQueue) RetryDead(ctx context.Context, jobID string) error {
	q.mu.Lock()
	mj, ok := q.dead[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	delete(q.dead, jobID)
	mj.job.Attempts = 0
	mj.job.NotBefore = q.nowFunc()
	q.jobs[jobID] = mj
	q.mu.Unlock()

	q.signal()
	return nil
}
