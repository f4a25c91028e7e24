package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRedriver struct {
	calls int
	moved int
	err   error
}

func (c *countingRedriver) RetryAllDeadJobs(context.Context) (int, error) {
	c.calls++
	return c.moved, c.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRedriveTrigger_InvalidSpec(t *testing.T) {
	_, err := NewRedriveTrigger("every tuesday", &countingRedriver{}, discardLogger())
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestRedriveTrigger_NextRun(t *testing.T) {
	rt, err := NewRedriveTrigger("*/15 * * * *", &countingRedriver{}, discardLogger())
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), rt.NextRun(from))

	hourly, err := NewRedriveTrigger("@hourly", &countingRedriver{}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), hourly.NextRun(from))
}

func TestRedriveTrigger_RunOnce(t *testing.T) {
	target := &countingRedriver{moved: 3}
	rt, err := NewRedriveTrigger("@daily", target, discardLogger())
	require.NoError(t, err)

	rt.RunOnce(context.Background())
	target.err = errors.New("queue offline")
	rt.RunOnce(context.Background())

	require.Equal(t, 2, target.calls)
}
