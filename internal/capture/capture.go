// Package capture turns runtime activity callbacks into queued history jobs.
// Callers never wait for the history store; they only pay for an enqueue.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/pkg/api"
)

// Capturer receives activity lifecycle callbacks from the runtime.
type Capturer interface {
	OnActivityStarted(ctx context.Context, ev api.ActivityEvent) error
	OnActivityEnded(ctx context.Context, ev api.ActivityEvent) error
	OnActivityDeleted(ctx context.Context, ev api.ActivityEvent, reason string) error
}

// Options configures New.
type Options struct {
	Level  api.HistoryLevel
	Logger *slog.Logger

	// Now defaults to time.Now. It stamps events without a timestamp.
	Now func() time.Time
}

// New returns a Capturer for the configured level. Below LevelActivity the
// result discards every event without touching the queue.
func New(q jobqueue.Queue, opts Options) Capturer {
	if !api.IsAtLeast(api.LevelActivity, opts.Level) {
		return Noop{}
	}
	return NewQueueCapturer(q, opts)
}

// Noop ignores every event.
type Noop struct{}

func (Noop) OnActivityStarted(context.Context, api.ActivityEvent) error         { return nil }
func (Noop) OnActivityEnded(context.Context, api.ActivityEvent) error           { return nil }
func (Noop) OnActivityDeleted(context.Context, api.ActivityEvent, string) error { return nil }

// QueueCapturer enqueues one job per event. It remembers the instance ids
// of started activities per correlation key so end jobs can name the exact
// row they close.
type QueueCapturer struct {
	queue  jobqueue.Queue
	logger *slog.Logger
	now    func() time.Time

	seq atomic.Int64

	mu   sync.Mutex
	open map[api.CorrelationKey][]string
}

// Ensure QueueCapturer implements Capturer.
var _ Capturer = (*QueueCapturer)(nil)

// NewQueueCapturer builds a capturer regardless of level.
func NewQueueCapturer(q jobqueue.Queue, opts Options) *QueueCapturer {
	c := &QueueCapturer{
		queue:  q,
		logger: opts.Logger,
		now:    opts.Now,
		open:   make(map[api.CorrelationKey][]string),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	// Seeding from the wall clock keeps sequences increasing across restarts.
	c.seq.Store(time.Now().UnixNano())
	return c
}

func (c *QueueCapturer) nextSequence() int64 {
	return c.seq.Add(1)
}

func (c *QueueCapturer) OnActivityStarted(ctx context.Context, ev api.ActivityEvent) error {
	if ev.InstanceID == "" {
		ev.InstanceID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	key := ev.Key()

	c.mu.Lock()
	c.open[key] = append(c.open[key], ev.InstanceID)
	c.mu.Unlock()

	err := c.enqueue(ctx, jobqueue.JobTypeActivityStart, ev)
	if err != nil {
		c.forget(key, ev.InstanceID)
	}
	return err
}

func (c *QueueCapturer) OnActivityEnded(ctx context.Context, ev api.ActivityEvent) error {
	return c.close(ctx, jobqueue.JobTypeActivityEnd, ev)
}

func (c *QueueCapturer) OnActivityDeleted(ctx context.Context, ev api.ActivityEvent, reason string) error {
	ev.DeleteReason = reason
	return c.close(ctx, jobqueue.JobTypeActivityDelete, ev)
}

func (c *QueueCapturer) close(ctx context.Context, typ jobqueue.JobType, ev api.ActivityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	key := ev.Key()

	if ev.InstanceID != "" {
		c.forget(key, ev.InstanceID)
	} else {
		ev.InstanceID = c.pop(key)
	}
	return c.enqueue(ctx, typ, ev)
}

// pop removes and returns the most recently started open id for key, or ""
// if none is known (for example after a restart).
func (c *QueueCapturer) pop(key api.CorrelationKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.open[key]
	if len(ids) == 0 {
		return ""
	}
	id := ids[len(ids)-1]
	c.trim(key, ids[:len(ids)-1])
	return id
}

func (c *QueueCapturer) forget(key api.CorrelationKey, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.open[key]
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			c.trim(key, append(ids[:i], ids[i+1:]...))
			return
		}
	}
}

// trim stores ids for key, dropping the entry when empty. Callers hold c.mu.
func (c *QueueCapturer) trim(key api.CorrelationKey, ids []string) {
	if len(ids) == 0 {
		delete(c.open, key)
		return
	}
	c.open[key] = ids
}

// OpenCount returns how many started activities have not been closed yet.
func (c *QueueCapturer) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ids := range c.open {
		n += len(ids)
	}
	return n
}

func (c *QueueCapturer) enqueue(ctx context.Context, typ jobqueue.JobType, ev api.ActivityEvent) error {
	j := jobqueue.Job{
		ID:             uuid.NewString(),
		Type:           typ,
		CorrelationKey: ev.Key().String(),
		Sequence:       c.nextSequence(),
		InstanceID:     ev.InstanceID,
		Event:          ev,
		EnqueuedAt:     c.now(),
	}
	if err := c.queue.Enqueue(ctx, j); err != nil {
		c.logger.Error("history_capture_enqueue_failed",
			"job_type", string(typ),
			"correlation_key", j.CorrelationKey,
			"error", err,
		)
		return fmt.Errorf("enqueue %s job: %w", typ, err)
	}
	return nil
}
