package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a re-drive schedule cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid redrive schedule")

// DeadJobRedriver is implemented by *fluxhist.Service.
type DeadJobRedriver interface {
	RetryAllDeadJobs(ctx context.Context) (int, error)
}

// RedriveTrigger moves dead-lettered history jobs back to the queue on a
// cron schedule (5 fields: minute, hour, day, month, weekday).
type RedriveTrigger struct {
	spec     string
	schedule cron.Schedule
	target   DeadJobRedriver
	logger   *slog.Logger
}

// NewRedriveTrigger parses spec. Returns ErrInvalidSchedule on a bad spec.
func NewRedriveTrigger(spec string, target DeadJobRedriver, logger *slog.Logger) (*RedriveTrigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedriveTrigger{
		spec:     spec,
		schedule: schedule,
		target:   target,
		logger:   logger,
	}, nil
}

// Start runs the trigger in a goroutine until ctx is cancelled.
func (rt *RedriveTrigger) Start(ctx context.Context) {
	go rt.loop(ctx)
}

// NextRun returns the first scheduled run after from.
func (rt *RedriveTrigger) NextRun(from time.Time) time.Time {
	return rt.schedule.Next(from)
}

func (rt *RedriveTrigger) loop(ctx context.Context) {
	for {
		next := rt.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			rt.logger.Info("redrive_trigger_stopped", "schedule", rt.spec)
			return
		case <-timer.C:
			rt.RunOnce(ctx)
		}
	}
}

// RunOnce re-drives every dead job now.
func (rt *RedriveTrigger) RunOnce(ctx context.Context) {
	n, err := rt.target.RetryAllDeadJobs(ctx)
	if err != nil {
		rt.logger.Warn("redrive_failed", "moved", n, "error", err)
		return
	}
	if n > 0 {
		rt.logger.Info("redrive_completed", "moved", n)
	}
}
