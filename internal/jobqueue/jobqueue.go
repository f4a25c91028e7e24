package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/fluxhist/pkg/api"
)

// JobType identifies which handler the executor applies.
type JobType string

const (
	JobTypeActivityStart  JobType = "activity-start"
	JobTypeActivityEnd    JobType = "activity-end"
	JobTypeActivityDelete JobType = "activity-delete"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("history job not found")

	// ErrLeaseLost is returned when the caller no longer owns the job's lease.
	ErrLeaseLost = errors.New("history job lease lost")
)

// Job is a queued unit of work converting one runtime event into a store
// mutation.
type Job struct {
	ID   string
	Type JobType

	// CorrelationKey is "executionID/activityID". Jobs sharing a key are
	// applied in ascending Sequence order.
	CorrelationKey string
	Sequence       int64

	// InstanceID is the activity instance id, once known.
	InstanceID string

	Event api.ActivityEvent

	Attempts   int
	EnqueuedAt time.Time

	// NotBefore is the earliest time this job should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	LeaseOwner string
	LeaseUntil time.Time
	LastError  string
}

// Info returns the observer-facing view of the job.
func (j *Job) Info() api.JobInfo {
	return api.JobInfo{
		ID:             j.ID,
		Type:           string(j.Type),
		CorrelationKey: j.CorrelationKey,
		Sequence:       j.Sequence,
		Attempts:       j.Attempts,
	}
}

// Queue is a durable holding area for pending, in-flight and dead history jobs.
type Queue interface {
	// Enqueue adds a job to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue claims the next due job for owner, blocking until one is
	// available or the context is cancelled. A job whose lease expired is
	// claimable again.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error)

	// Ack removes a job after its effect has been committed.
	Ack(ctx context.Context, jobID string, owner string) error

	// Nack releases the lease and reschedules the job.
	Nack(ctx context.Context, jobID string, owner string, notBefore time.Time, attempts int, lastErr string) error

	// RenewLease extends the lease held by owner.
	RenewLease(ctx context.Context, jobID string, owner string, leaseTTL time.Duration) error

	// DeadLetter moves the job to the dead bucket, retaining lastErr.
	DeadLetter(ctx context.Context, jobID string, owner string, lastErr string) error

	// HasPredecessor reports whether a live (pending or in-flight) job with the
	// same correlation key and a lower sequence exists.
	HasPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error)

	// HasDeadPredecessor reports whether a dead-lettered job with the same
	// correlation key and a lower sequence exists.
	HasDeadPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error)

	// Len returns the number of pending plus in-flight jobs.
	Len(ctx context.Context) (int, error)

	// Dead lists dead-lettered jobs, oldest first.
	Dead(ctx context.Context) ([]Job, error)

	// RetryDead moves a dead job back to pending with its attempts reset.
	RetryDead(ctx context.Context, jobID string) error
}

func dueTime(j Job, now time.Time) time.Time {
	if j.NotBefore.IsZero() {
		return now
	}
	return j.NotBefore
}
