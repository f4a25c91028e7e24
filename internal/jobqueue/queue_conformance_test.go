package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/fluxhist/pkg/api"
)

// runQueueTests exercises the Queue contract against a fresh queue per subtest.
func runQueueTests(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("DequeueOrder", func(t *testing.T) { testDequeueOrder(t, newQueue(t)) })
	t.Run("PayloadRoundTrip", func(t *testing.T) { testPayloadRoundTrip(t, newQueue(t)) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, newQueue(t)) })
	t.Run("LeaseExpiryRedelivers", func(t *testing.T) { testLeaseExpiry(t, newQueue(t)) })
	t.Run("NackDelays", func(t *testing.T) { testNackDelays(t, newQueue(t)) })
	t.Run("WrongOwner", func(t *testing.T) { testWrongOwner(t, newQueue(t)) })
	t.Run("DeadLetterAndRetry", func(t *testing.T) { testDeadLetterAndRetry(t, newQueue(t)) })
	t.Run("HasPredecessor", func(t *testing.T) { testHasPredecessor(t, newQueue(t)) })
	t.Run("HasDeadPredecessor", func(t *testing.T) { testHasDeadPredecessor(t, newQueue(t)) })
}

func startJob(id, key string, seq int64) Job {
	return Job{
		ID:             id,
		Type:           JobTypeActivityStart,
		CorrelationKey: key,
		Sequence:       seq,
		Event: api.ActivityEvent{
			InstanceID:  "inst-" + id,
			ActivityID:  "task",
			ExecutionID: "exec-1",
		},
	}
}

func mustEnqueue(t *testing.T, q Queue, j Job) {
	t.Helper()
	if err := q.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue %s failed: %v", j.ID, err)
	}
}

func mustDequeue(t *testing.T, q Queue, owner string, ttl time.Duration) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := q.Dequeue(ctx, owner, ttl)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return j
}

// queueLen returns the queue length, failing the test if it cannot be read.
func queueLen(t *testing.T, q Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	return n
}

func expectEmpty(t *testing.T, q Queue, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if j, err := q.Dequeue(ctx, "peek", time.Second); err == nil {
		t.Fatalf("expected no claimable job, got %q", j.ID)
	}
}

func testDequeueOrder(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("b", "exec-1/task", 2))
	mustEnqueue(t, q, startJob("a", "exec-1/task", 1))
	mustEnqueue(t, q, startJob("c", "exec-2/task", 3))

	if queueLen(t, q) != 3 {
		t.Fatalf("expected Len 3, got %d", queueLen(t, q))
	}

	var got []string
	for i := 0; i < 3; i++ {
		j := mustDequeue(t, q, "w1", time.Second)
		got = append(got, j.ID)
		if err := q.Ack(ctx, j.ID, "w1"); err != nil {
			t.Fatalf("Ack %s: %v", j.ID, err)
		}
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected dequeue order: %v", got)
	}
	if queueLen(t, q) != 0 {
		t.Fatalf("expected Len 0 after acks, got %d", queueLen(t, q))
	}
}

func testPayloadRoundTrip(t *testing.T, q Queue) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	j := startJob("p", "exec-1/task", 7)
	j.InstanceID = "inst-p"
	j.Event.ActivityName = "Review"
	j.Event.Assignee = "kermit"
	j.Event.Timestamp = start
	mustEnqueue(t, q, j)

	got := mustDequeue(t, q, "w1", time.Second)
	if got.Type != JobTypeActivityStart || got.Sequence != 7 || got.InstanceID != "inst-p" {
		t.Fatalf("unexpected job header: %+v", got)
	}
	if got.Event.ActivityName != "Review" || got.Event.Assignee != "kermit" {
		t.Fatalf("unexpected payload: %+v", got.Event)
	}
	if !got.Event.Timestamp.Equal(start) {
		t.Fatalf("timestamp mismatch: got %v want %v", got.Event.Timestamp, start)
	}
	if got.LeaseOwner != "w1" {
		t.Fatalf("expected lease owner w1, got %q", got.LeaseOwner)
	}
}

func testContextCancellation(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// Nothing enqueued: Dequeue must give up with the context error.
	_, err := q.Dequeue(ctx, "w1", time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testLeaseExpiry(t *testing.T, q Queue) {
	mustEnqueue(t, q, startJob("x", "exec-1/task", 1))

	first := mustDequeue(t, q, "w1", 50*time.Millisecond)
	// Worker w1 "crashes"; after the lease runs out w2 can claim the job.
	second := mustDequeue(t, q, "w2", time.Second)
	if first.ID != second.ID {
		t.Fatalf("expected redelivery of %q, got %q", first.ID, second.ID)
	}

	if err := q.Ack(context.Background(), first.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
	}
	if err := q.Ack(context.Background(), second.ID, "w2"); err != nil {
		t.Fatalf("Ack by new owner: %v", err)
	}
}

func testNackDelays(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("n", "exec-1/task", 1))

	j := mustDequeue(t, q, "w1", time.Second)
	if err := q.Nack(ctx, j.ID, "w1", time.Now().Add(150*time.Millisecond), 1, "boom"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	expectEmpty(t, q, 50*time.Millisecond)

	again := mustDequeue(t, q, "w1", time.Second)
	if again.Attempts != 1 || again.LastError != "boom" {
		t.Fatalf("expected attempts=1 lastError=boom, got %d %q", again.Attempts, again.LastError)
	}
}

func testWrongOwner(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("o", "exec-1/task", 1))
	j := mustDequeue(t, q, "w1", time.Second)

	if err := q.Ack(ctx, j.ID, "intruder"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := q.RenewLease(ctx, j.ID, "w1", time.Second); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := q.Ack(ctx, "missing", "w1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testDeadLetterAndRetry(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("d", "exec-1/task", 1))
	j := mustDequeue(t, q, "w1", time.Second)

	if err := q.DeadLetter(ctx, j.ID, "w1", "store unavailable"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if queueLen(t, q) != 0 {
		t.Fatalf("dead jobs must not count as pending, Len=%d", queueLen(t, q))
	}

	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "d" || dead[0].LastError != "store unavailable" {
		t.Fatalf("unexpected dead list: %+v", dead)
	}

	if err := q.RetryDead(ctx, "d"); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	if err := q.RetryDead(ctx, "d"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second retry, got %v", err)
	}

	again := mustDequeue(t, q, "w2", time.Second)
	if again.ID != "d" || again.Attempts != 0 {
		t.Fatalf("expected retried job with attempts reset, got %+v", again)
	}
}

func testHasPredecessor(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("s1", "exec-1/task", 10))
	mustEnqueue(t, q, startJob("s2", "exec-1/task", 11))
	mustEnqueue(t, q, startJob("other", "exec-2/task", 1))

	has, err := q.HasPredecessor(ctx, "exec-1/task", 11)
	if err != nil {
		t.Fatalf("HasPredecessor: %v", err)
	}
	if !has {
		t.Fatalf("expected s1 to block s2")
	}

	has, err = q.HasPredecessor(ctx, "exec-1/task", 10)
	if err != nil {
		t.Fatalf("HasPredecessor: %v", err)
	}
	if has {
		t.Fatalf("s1 has no predecessor")
	}

	// An in-flight predecessor still blocks.
	j := mustDequeue(t, q, "w1", time.Second)
	if j.ID != "other" && j.ID != "s1" {
		t.Fatalf("unexpected first claim %q", j.ID)
	}
	for j.ID != "s1" {
		if err := q.Ack(ctx, j.ID, "w1"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		j = mustDequeue(t, q, "w1", time.Second)
	}
	has, _ = q.HasPredecessor(ctx, "exec-1/task", 11)
	if !has {
		t.Fatalf("in-flight s1 must still block s2")
	}

	if err := q.Ack(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("Ack s1: %v", err)
	}
	has, _ = q.HasPredecessor(ctx, "exec-1/task", 11)
	if has {
		t.Fatalf("acked s1 must no longer block s2")
	}
}

func testHasDeadPredecessor(t *testing.T, q Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, startJob("s1", "exec-1/task", 10))
	end := startJob("e1", "exec-1/task", 11)
	end.Type = JobTypeActivityEnd
	mustEnqueue(t, q, end)

	has, err := q.HasDeadPredecessor(ctx, "exec-1/task", 11)
	if err != nil {
		t.Fatalf("HasDeadPredecessor: %v", err)
	}
	if has {
		t.Fatalf("a pending predecessor is not dead")
	}

	j := mustDequeue(t, q, "w1", time.Second)
	if j.ID != "s1" {
		t.Fatalf("expected s1 first, got %q", j.ID)
	}
	if err := q.DeadLetter(ctx, j.ID, "w1", "store unavailable"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if has, _ = q.HasDeadPredecessor(ctx, "exec-1/task", 11); !has {
		t.Fatalf("dead s1 must be reported for e1")
	}
	if has, _ = q.HasDeadPredecessor(ctx, "exec-1/task", 10); has {
		t.Fatalf("s1 has no dead predecessor")
	}
	if has, _ = q.HasDeadPredecessor(ctx, "exec-2/task", 11); has {
		t.Fatalf("other keys are unaffected")
	}
	if has, _ = q.HasPredecessor(ctx, "exec-1/task", 11); has {
		t.Fatalf("dead jobs are not live predecessors")
	}

	if err := q.RetryDead(ctx, "s1"); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	if has, _ = q.HasDeadPredecessor(ctx, "exec-1/task", 11); has {
		t.Fatalf("retried s1 is no longer dead")
	}
}
