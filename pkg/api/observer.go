package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// JobInfo is the observer-facing view of a history job.
type JobInfo struct {
	ID             string
	Type           string
	CorrelationKey string
	Sequence       int64
	Attempts       int
}

// Observer receives callbacks from the history job executor for logging and
// metrics.
//
// Implementations should be fast and non-blocking; they run on executor
// worker goroutines.
type Observer interface {
	// OnJobStarted is called after a job has been claimed and before its
	// handler runs.
	OnJobStarted(ctx context.Context, job JobInfo)

	// OnJobCompleted is called after the handler succeeded and the job was
	// removed from the queue.
	OnJobCompleted(ctx context.Context, job JobInfo, duration time.Duration)

	// OnJobDeferred is called when a job was put back because an earlier job
	// for the same correlation key is still outstanding.
	OnJobDeferred(ctx context.Context, job JobInfo)

	// OnJobDiscarded is called when an end event matched no history row.
	OnJobDiscarded(ctx context.Context, job JobInfo, err error)

	// OnJobRetry is called when a failed job has been rescheduled.
	OnJobRetry(ctx context.Context, job JobInfo, err error, next time.Time)

	// OnJobDeadLettered is called when a job is moved to the dead set.
	OnJobDeadLettered(ctx context.Context, job JobInfo, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobStarted(ctx context.Context, job JobInfo)                          {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job JobInfo, d time.Duration)       {}
func (NoopObserver) OnJobDeferred(ctx context.Context, job JobInfo)                         {}
func (NoopObserver) OnJobDiscarded(ctx context.Context, job JobInfo, err error)             {}
func (NoopObserver) OnJobRetry(ctx context.Context, job JobInfo, err error, next time.Time) {}
func (NoopObserver) OnJobDeadLettered(ctx context.Context, job JobInfo, err error)          {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobStarted(ctx context.Context, job JobInfo) {
	for _, o := range c.observers {
		o.OnJobStarted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job JobInfo, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job, d)
	}
}

func (c *CompositeObserver) OnJobDeferred(ctx context.Context, job JobInfo) {
	for _, o := range c.observers {
		o.OnJobDeferred(ctx, job)
	}
}

func (c *CompositeObserver) OnJobDiscarded(ctx context.Context, job JobInfo, err error) {
	for _, o := range c.observers {
		o.OnJobDiscarded(ctx, job, err)
	}
}

func (c *CompositeObserver) OnJobRetry(ctx context.Context, job JobInfo, err error, next time.Time) {
	for _, o := range c.observers {
		o.OnJobRetry(ctx, job, err, next)
	}
}

func (c *CompositeObserver) OnJobDeadLettered(ctx context.Context, job JobInfo, err error) {
	for _, o := range c.observers {
		o.OnJobDeadLettered(ctx, job, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs history job lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func jobAttrs(job JobInfo) []any {
	return []any{
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("correlation_key", job.CorrelationKey),
		slog.Int64("sequence", job.Sequence),
		slog.Int("attempts", job.Attempts),
	}
}

func (o *LoggingObserver) OnJobStarted(ctx context.Context, job JobInfo) {
	o.Logger.DebugContext(ctx, "history_job_started", jobAttrs(job)...)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job JobInfo, d time.Duration) {
	o.Logger.DebugContext(ctx, "history_job_completed", append(jobAttrs(job), slog.Duration("duration", d))...)
}

func (o *LoggingObserver) OnJobDeferred(ctx context.Context, job JobInfo) {
	o.Logger.DebugContext(ctx, "history_job_deferred", jobAttrs(job)...)
}

func (o *LoggingObserver) OnJobDiscarded(ctx context.Context, job JobInfo, err error) {
	o.Logger.WarnContext(ctx, "history_job_discarded", append(jobAttrs(job), slog.Any("error", err))...)
}

func (o *LoggingObserver) OnJobRetry(ctx context.Context, job JobInfo, err error, next time.Time) {
	o.Logger.WarnContext(ctx, "history_job_retry",
		append(jobAttrs(job), slog.Any("error", err), slog.Time("next_attempt_at", next))...)
}

func (o *LoggingObserver) OnJobDeadLettered(ctx context.Context, job JobInfo, err error) {
	o.Logger.ErrorContext(ctx, "history_job_dead_lettered", append(jobAttrs(job), slog.Any("error", err))...)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	started      atomic.Int64
	completed    atomic.Int64
	deferred     atomic.Int64
	discarded    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	totalNanos   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsStarted      int64
	JobsCompleted    int64
	JobsDeferred     int64
	JobsDiscarded    int64
	JobsRetried      int64
	JobsDeadLettered int64
	AvgJobDuration   time.Duration
}

func (m *BasicMetrics) OnJobStarted(ctx context.Context, job JobInfo) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job JobInfo, d time.Duration) {
	m.completed.Add(1)
	m.totalNanos.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnJobDeferred(ctx context.Context, job JobInfo) {
	m.deferred.Add(1)
}

func (m *BasicMetrics) OnJobDiscarded(ctx context.Context, job JobInfo, err error) {
	m.discarded.Add(1)
}

func (m *BasicMetrics) OnJobRetry(ctx context.Context, job JobInfo, err error, next time.Time) {
	m.retried.Add(1)
}

func (m *BasicMetrics) OnJobDeadLettered(ctx context.Context, job JobInfo, err error) {
	m.deadLettered.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.completed.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(m.totalNanos.Load() / completed)
	}
	return BasicMetricsSnapshot{
		JobsStarted:      m.started.Load(),
		JobsCompleted:    completed,
		JobsDeferred:     m.deferred.Load(),
		JobsDiscarded:    m.discarded.Load(),
		JobsRetried:      m.retried.Load(),
		JobsDeadLettered: m.deadLettered.Load(),
		AvgJobDuration:   avg,
	}
}
