// Package executor applies queued history jobs to the activity store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/internal/persistence"
	"github.com/petrijr/fluxhist/pkg/api"
)

// ErrPredecessorDead marks an end or delete job parked because an earlier job
// for the same activity was dead-lettered.
var ErrPredecessorDead = errors.New("predecessor dead-lettered")

// Config controls Executor behavior.
type Config struct {
	// WorkerID prefixes lease owner names. Defaults to a random id.
	WorkerID string

	// Concurrency is the number of worker loops started by Start.
	Concurrency int

	// LeaseTTL is how long a claimed job stays invisible to other workers.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often a running job's lease is renewed.
	// Zero means LeaseTTL/3; negative disables heartbeats.
	HeartbeatInterval time.Duration

	// MaxRetries is how many failed attempts are retried before the job is
	// dead-lettered.
	MaxRetries int

	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// DeferDelay is how long a job waits when an earlier job with the same
	// correlation key is still outstanding.
	DeferDelay time.Duration

	Logger   *slog.Logger
	Observer api.Observer
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		LeaseTTL:    30 * time.Second,
		MaxRetries:  5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		DeferDelay:  10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = d.DeferDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	return c
}

// Outcome reports what ProcessOne did with a claimed job.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeDeferred
	OutcomeDiscarded
	OutcomeRetried
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "none"
	}
}

// Executor pulls history jobs from a Queue and applies them to an
// ActivityStore. Handlers are idempotent; delivery is at least once.
type Executor struct {
	queue jobqueue.Queue
	store persistence.ActivityStore
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// New creates an Executor. Zero config fields take DefaultConfig values.
func New(q jobqueue.Queue, s persistence.ActivityStore, cfg Config) *Executor {
	return &Executor{
		queue: q,
		store: s,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// ProcessOne claims a single job for owner and handles it. It blocks until a
// job is available or ctx is done. For retried and dead-lettered jobs the
// returned error is the *api.ExecutionError describing the failure.
func (e *Executor) ProcessOne(ctx context.Context, owner string) (Outcome, error) {
	job, err := e.queue.Dequeue(ctx, owner, e.cfg.LeaseTTL)
	if err != nil {
		return OutcomeNone, err
	}
	if job == nil {
		return OutcomeNone, nil
	}

	blocked, err := e.queue.HasPredecessor(ctx, job.CorrelationKey, job.Sequence)
	if err != nil {
		return OutcomeNone, fmt.Errorf("check predecessors of job %s: %w", job.ID, err)
	}
	if blocked {
		if err := e.queue.Nack(ctx, job.ID, owner, e.now().Add(e.cfg.DeferDelay), job.Attempts, job.LastError); err != nil {
			return OutcomeNone, fmt.Errorf("defer job %s: %w", job.ID, err)
		}
		e.cfg.Observer.OnJobDeferred(ctx, job.Info())
		return OutcomeDeferred, nil
	}

	if job.Type != jobqueue.JobTypeActivityStart {
		orphaned, err := e.queue.HasDeadPredecessor(ctx, job.CorrelationKey, job.Sequence)
		if err != nil {
			return OutcomeNone, fmt.Errorf("check dead predecessors of job %s: %w", job.ID, err)
		}
		if orphaned {
			// Park it next to the start so a re-drive replays both in order.
			return e.deadLetter(ctx, job, owner, job.Attempts, api.Permanent(ErrPredecessorDead))
		}
	}

	e.cfg.Observer.OnJobStarted(ctx, job.Info())
	start := e.now()

	stopHeartbeat := e.startHeartbeat(ctx, job.ID, owner)
	handleErr := e.handle(ctx, job)
	stopHeartbeat()

	if handleErr != nil && ctx.Err() != nil {
		// Stopped mid-job. The lease lapses and the job is redelivered
		// without consuming an attempt.
		return OutcomeNone, ctx.Err()
	}

	switch {
	case handleErr == nil:
		if err := e.queue.Ack(ctx, job.ID, owner); err != nil {
			return OutcomeNone, e.leaseErr("ack", job, err)
		}
		e.cfg.Observer.OnJobCompleted(ctx, job.Info(), e.now().Sub(start))
		return OutcomeCompleted, nil

	case errors.Is(handleErr, api.ErrCaptureMismatch):
		e.cfg.Logger.Warn("history_job_capture_mismatch",
			"job_id", job.ID,
			"job_type", string(job.Type),
			"correlation_key", job.CorrelationKey,
			"instance_id", job.InstanceID,
		)
		if err := e.queue.Ack(ctx, job.ID, owner); err != nil {
			return OutcomeNone, e.leaseErr("ack", job, err)
		}
		e.cfg.Observer.OnJobDiscarded(ctx, job.Info(), handleErr)
		return OutcomeDiscarded, nil
	}

	attempts := job.Attempts + 1
	if attempts > e.cfg.MaxRetries || api.IsPermanent(handleErr) {
		return e.deadLetter(ctx, job, owner, attempts, handleErr)
	}

	execErr := &api.ExecutionError{JobID: job.ID, Attempts: attempts, Err: handleErr}
	info := job.Info()
	info.Attempts = attempts
	next := e.now().Add(e.retryDelay(job.Attempts))
	if err := e.queue.Nack(ctx, job.ID, owner, next, attempts, handleErr.Error()); err != nil {
		return OutcomeNone, e.leaseErr("nack", job, err)
	}
	e.cfg.Observer.OnJobRetry(ctx, info, execErr, next)
	return OutcomeRetried, execErr
}

func (e *Executor) deadLetter(ctx context.Context, job *jobqueue.Job, owner string, attempts int, cause error) (Outcome, error) {
	execErr := &api.ExecutionError{JobID: job.ID, Attempts: attempts, Err: cause, Permanent: true}
	info := job.Info()
	info.Attempts = attempts

	if err := e.queue.DeadLetter(ctx, job.ID, owner, cause.Error()); err != nil {
		return OutcomeNone, e.leaseErr("dead-letter", job, err)
	}
	e.cfg.Observer.OnJobDeadLettered(ctx, info, execErr)
	return OutcomeDeadLettered, execErr
}

// leaseErr wraps a failure to settle a job. A lost lease means another worker
// owns the job now; the store write stays because handlers are idempotent.
func (e *Executor) leaseErr(op string, job *jobqueue.Job, err error) error {
	if errors.Is(err, jobqueue.ErrLeaseLost) {
		e.cfg.Logger.Warn("history_job_lease_lost", "job_id", job.ID, "op", op)
	}
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

// retryDelay returns min(BaseBackoff * 2^priorAttempts, MaxBackoff).
func (e *Executor) retryDelay(priorAttempts int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 0; i < priorAttempts; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff || d <= 0 {
			return e.cfg.MaxBackoff
		}
	}
	if d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

func (e *Executor) handle(ctx context.Context, job *jobqueue.Job) error {
	switch job.Type {
	case jobqueue.JobTypeActivityStart:
		inst := job.Event.NewInstance()
		if job.InstanceID != "" {
			inst.ID = job.InstanceID
		}
		if inst.ID == "" {
			return api.Permanent(errors.New("start job without instance id"))
		}
		err := e.store.CreateOnStart(ctx, inst)
		if errors.Is(err, api.ErrDuplicateInstance) {
			// Redelivery of a start that was already applied.
			return nil
		}
		return err

	case jobqueue.JobTypeActivityEnd, jobqueue.JobTypeActivityDelete:
		_, err := e.store.CompleteOnEnd(ctx, persistence.Completion{
			InstanceID:   job.InstanceID,
			ExecutionID:  job.Event.ExecutionID,
			ActivityID:   job.Event.ActivityID,
			EndTime:      job.Event.Timestamp,
			DeleteReason: job.Event.DeleteReason,
			JobID:        job.ID,
		})
		return err

	default:
		return api.Permanent(fmt.Errorf("unknown history job type %q", job.Type))
	}
}

// startHeartbeat renews the job lease until the returned func is called.
func (e *Executor) startHeartbeat(ctx context.Context, jobID, owner string) func() {
	if e.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.queue.RenewLease(hbCtx, jobID, owner, e.cfg.LeaseTTL); err != nil {
					if hbCtx.Err() == nil {
						e.cfg.Logger.Warn("history_job_heartbeat_failed", "job_id", jobID, "error", err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Start launches Concurrency worker loops. It returns an error if the
// executor is already running.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("fluxhist: executor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Concurrency; i++ {
		owner := e.cfg.WorkerID + "-" + strconv.Itoa(i)
		g.Go(func() error {
			e.loop(gctx, owner)
			return nil
		})
	}

	e.cancel = cancel
	e.group = g
	e.running = true
	e.cfg.Logger.Info("history_executor_started", "worker_id", e.cfg.WorkerID, "concurrency", e.cfg.Concurrency)
	return nil
}

func (e *Executor) loop(ctx context.Context, owner string) {
	for {
		outcome, err := e.ProcessOne(ctx, owner)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		var execErr *api.ExecutionError
		if errors.As(err, &execErr) {
			// Already reported through the observer.
			continue
		}

		// Infrastructure failure; don't spin on a broken queue.
		e.cfg.Logger.Error("history_worker_error", "owner", owner, "outcome", outcome.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.BaseBackoff):
		}
	}
}

// Stop cancels all worker loops and waits for them to exit. A job being
// handled when Stop is called is left unsettled with its attempt count
// unchanged; its lease expires and another worker picks it up.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, g := e.cancel, e.group
	e.running = false
	e.cancel = nil
	e.group = nil
	e.mu.Unlock()

	cancel()
	_ = g.Wait()
	e.cfg.Logger.Info("history_executor_stopped", "worker_id", e.cfg.WorkerID)
}

// Running reports whether Start has been called without Stop.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// WaitForDrain polls the queue every interval until no pending or in-flight
// jobs remain. It returns api.ErrDrainTimeout if jobs remain after timeout.
// Dead-lettered jobs do not count.
func (e *Executor) WaitForDrain(ctx context.Context, timeout, interval time.Duration) error {
	return WaitForDrain(ctx, e.queue, timeout, interval)
}

// WaitForDrain is the queue-level form of Executor.WaitForDrain.
func WaitForDrain(ctx context.Context, q jobqueue.Queue, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	op := func() (struct{}, error) {
		n, err := q.Len(ctx)
		if err != nil {
			return struct{}{}, fmt.Errorf("count outstanding history jobs: %w", err)
		}
		if n > 0 {
			return struct{}{}, fmt.Errorf("%d history jobs outstanding", n)
		}
		return struct{}{}, nil
	}
	if timeout <= 0 {
		if _, err := op(); err != nil {
			return fmt.Errorf("%w: %v", api.ErrDrainTimeout, err)
		}
		return nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", api.ErrDrainTimeout, err)
	}
	return nil
}
