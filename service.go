package fluxhist

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/fluxhist/internal/capture"
	"github.com/petrijr/fluxhist/internal/executor"
	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/internal/persistence"
	"github.com/petrijr/fluxhist/pkg/query"
)

// Options configures a Service.
type Options struct {
	// Level selects which events are captured. The zero value is LevelNone,
	// so start from DefaultOptions.
	Level HistoryLevel

	// Executor configures the history job workers. Zero fields fall back to
	// executor defaults; Logger and Observer are inherited from Options.
	Executor ExecutorConfig

	Logger   *slog.Logger
	Observer Observer

	// Now stamps events that carry no timestamp. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions captures at LevelAudit with default executor settings.
func DefaultOptions() Options {
	return Options{
		Level:    LevelAudit,
		Executor: executor.DefaultConfig(),
	}
}

// Service bundles the history level filter, the capturer, a job queue, the
// executor and an activity store into one explicitly passed context object.
//
// Typical usage:
//
//	svc := fluxhist.NewInMemory(fluxhist.DefaultOptions())
//	_ = svc.StartWorkers(ctx)
//	defer svc.Stop()
//
//	// runtime callbacks
//	_ = svc.Capturer().OnActivityStarted(ctx, ev)
//	_ = svc.Capturer().OnActivityEnded(ctx, ev)
//
//	_ = svc.WaitForHistoryJobs(ctx, 5*time.Second, 20*time.Millisecond)
//	rows, _ := svc.CreateHistoricActivityInstanceQuery().ProcessInstanceID(pid).List(ctx)
type Service struct {
	level    HistoryLevel
	logger   *slog.Logger
	queue    jobqueue.Queue
	store    persistence.ActivityStore
	capturer capture.Capturer
	executor *executor.Executor
}

// NewWithBackends builds a Service over an arbitrary queue and store.
func NewWithBackends(q Queue, s ActivityStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Executor
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.Observer == nil {
		cfg.Observer = opts.Observer
	}

	return &Service{
		level:  opts.Level,
		logger: logger,
		queue:  q,
		store:  s,
		capturer: capture.New(q, capture.Options{
			Level:  opts.Level,
			Logger: logger,
			Now:    opts.Now,
		}),
		executor: executor.New(q, s, cfg),
	}
}

// Level returns the configured history level.
func (s *Service) Level() HistoryLevel {
	return s.level
}

// Capturer is the entry point for runtime activity callbacks.
func (s *Service) Capturer() Capturer {
	return s.capturer
}

// Queue exposes the history job queue.
func (s *Service) Queue() Queue {
	return s.queue
}

// Store exposes the activity store.
func (s *Service) Store() ActivityStore {
	return s.store
}

// Executor exposes the history job executor, e.g. for ProcessOne in tests.
func (s *Service) Executor() *executor.Executor {
	return s.executor
}

// CreateHistoricActivityInstanceQuery starts a new query over the store.
func (s *Service) CreateHistoricActivityInstanceQuery() *HistoricActivityInstanceQuery {
	return query.New(s.store)
}

// StartWorkers starts the executor's worker loops. It returns an error if
// the workers are already running.
func (s *Service) StartWorkers(ctx context.Context) error {
	return s.executor.Start(ctx)
}

// Stop stops the worker loops and waits for them to exit.
func (s *Service) Stop() {
	s.executor.Stop()
}

// WaitForHistoryJobs blocks until every pending and in-flight history job
// has been processed, polling every interval. It returns ErrDrainTimeout
// once timeout elapses with jobs still outstanding.
func (s *Service) WaitForHistoryJobs(ctx context.Context, timeout, interval time.Duration) error {
	return s.executor.WaitForDrain(ctx, timeout, interval)
}

// PendingJobCount returns the number of pending and in-flight history jobs.
// A queue that cannot be read yields an error, never a zero count.
func (s *Service) PendingJobCount(ctx context.Context) (int, error) {
	return s.queue.Len(ctx)
}

// DeadJobs lists history jobs that exhausted their retries.
func (s *Service) DeadJobs(ctx context.Context) ([]Job, error) {
	return s.queue.Dead(ctx)
}

// RetryDeadJob moves a dead-lettered job back to the queue with its attempt
// count reset.
func (s *Service) RetryDeadJob(ctx context.Context, id string) error {
	if err := s.queue.RetryDead(ctx, id); err != nil {
		return err
	}
	s.logger.Info("history_job_redriven", "job_id", id)
	return nil
}

// RetryAllDeadJobs re-drives every dead-lettered job and returns how many
// were moved back.
func (s *Service) RetryAllDeadJobs(ctx context.Context) (int, error) {
	dead, err := s.queue.Dead(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range dead {
		if err := s.RetryDeadJob(ctx, j.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
