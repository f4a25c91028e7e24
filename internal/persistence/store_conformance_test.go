package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/fluxhist/pkg/api"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// runStoreTests exercises the ActivityStore contract. newStore must return
// an empty store.
func runStoreTests(t *testing.T, newStore func(t *testing.T) ActivityStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateStart", func(t *testing.T) { testDuplicateStart(t, newStore(t)) })
	t.Run("CompleteByID", func(t *testing.T) { testCompleteByID(t, newStore(t)) })
	t.Run("CompleteIsIdempotent", func(t *testing.T) { testCompleteIdempotent(t, newStore(t)) })
	t.Run("CompleteFallbackLatestStart", func(t *testing.T) { testCompleteFallback(t, newStore(t)) })
	t.Run("CompleteFallbackRedelivered", func(t *testing.T) { testCompleteFallbackRedelivered(t, newStore(t)) })
	t.Run("CompleteMismatch", func(t *testing.T) { testCompleteMismatch(t, newStore(t)) })
	t.Run("NegativeDurationClamped", func(t *testing.T) { testNegativeDuration(t, newStore(t)) })
	t.Run("Predicates", func(t *testing.T) { testPredicates(t, newStore(t)) })
	t.Run("SortingNullsAndTies", func(t *testing.T) { testSorting(t, newStore(t)) })
	t.Run("Paging", func(t *testing.T) { testPaging(t, newStore(t)) })
}

func newInst(id, execID, activityID string, start time.Time) *api.HistoricActivityInstance {
	return &api.HistoricActivityInstance{
		ID:                   id,
		ActivityID:           activityID,
		ActivityName:         "Activity " + activityID,
		ActivityType:         "userTask",
		ProcessDefinitionID:  "proc:1:100",
		ProcessDefinitionKey: "proc",
		ProcessInstanceID:    "pi-1",
		ExecutionID:          execID,
		StartTime:            start,
	}
}

func mustCreate(t *testing.T, s ActivityStore, inst *api.HistoricActivityInstance) {
	t.Helper()
	if err := s.CreateOnStart(context.Background(), inst); err != nil {
		t.Fatalf("CreateOnStart %s failed: %v", inst.ID, err)
	}
}

func mustComplete(t *testing.T, s ActivityStore, c Completion) *api.HistoricActivityInstance {
	t.Helper()
	got, err := s.CompleteOnEnd(context.Background(), c)
	if err != nil {
		t.Fatalf("CompleteOnEnd %+v failed: %v", c, err)
	}
	return got
}

func mustFind(t *testing.T, s ActivityStore, f InstanceFilter) []*api.HistoricActivityInstance {
	t.Helper()
	got, err := s.FindInstances(context.Background(), f)
	if err != nil {
		t.Fatalf("FindInstances failed: %v", err)
	}
	return got
}

func ids(list []*api.HistoricActivityInstance) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.ID
	}
	return out
}

func expectIDs(t *testing.T, got []*api.HistoricActivityInstance, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, g)
		}
	}
}

func testCreateAndGet(t *testing.T, s ActivityStore) {
	inst := newInst("a1", "e1", "review", t0)
	inst.TaskID = "task-9"
	inst.Assignee = "kermit"
	mustCreate(t, s, inst)

	got, err := s.GetInstance(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.ActivityID != "review" || got.TaskID != "task-9" || got.Assignee != "kermit" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if !got.StartTime.Equal(t0) {
		t.Fatalf("start time mismatch: %v", got.StartTime)
	}
	if got.Finished() || got.DurationInMillis != nil {
		t.Fatalf("new instance must be unfinished: %+v", got)
	}

	if _, err := s.GetInstance(context.Background(), "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func testDuplicateStart(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("a1", "e1", "review", t0))
	err := s.CreateOnStart(context.Background(), newInst("a1", "e1", "review", t0))
	if !errors.Is(err, api.ErrDuplicateInstance) {
		t.Fatalf("expected ErrDuplicateInstance, got %v", err)
	}
	n, _ := s.CountInstances(context.Background(), InstanceFilter{})
	if n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
}

func testCompleteByID(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("a1", "e1", "review", t0))
	got := mustComplete(t, s, Completion{InstanceID: "a1", EndTime: t0.Add(2500 * time.Millisecond)})

	if !got.Finished() || *got.DurationInMillis != 2500 {
		t.Fatalf("unexpected completion: %+v", got)
	}
	stored, _ := s.GetInstance(context.Background(), "a1")
	if stored.EndTime == nil || !stored.EndTime.Equal(t0.Add(2500*time.Millisecond)) {
		t.Fatalf("end time not stored: %+v", stored)
	}
	if *stored.DurationInMillis != 2500 {
		t.Fatalf("duration not stored: %d", *stored.DurationInMillis)
	}
}

func testCompleteIdempotent(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("a1", "e1", "review", t0))
	mustComplete(t, s, Completion{InstanceID: "a1", EndTime: t0.Add(time.Second)})

	again := mustComplete(t, s, Completion{InstanceID: "a1", EndTime: t0.Add(time.Hour), DeleteReason: "late"})
	if *again.DurationInMillis != 1000 || again.DeleteReason != "" {
		t.Fatalf("second completion must not change the row: %+v", again)
	}
}

func testCompleteFallback(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("first", "e1", "loop", t0))
	mustCreate(t, s, newInst("second", "e1", "loop", t0.Add(time.Second)))
	// Same start time as "second" but inserted later.
	mustCreate(t, s, newInst("third", "e1", "loop", t0.Add(time.Second)))
	mustCreate(t, s, newInst("other", "e2", "loop", t0.Add(time.Hour)))

	got := mustComplete(t, s, Completion{ExecutionID: "e1", ActivityID: "loop", EndTime: t0.Add(5 * time.Second)})
	if got.ID != "third" {
		t.Fatalf("expected latest inserted row among latest starts, got %q", got.ID)
	}
	got = mustComplete(t, s, Completion{ExecutionID: "e1", ActivityID: "loop", EndTime: t0.Add(6 * time.Second)})
	if got.ID != "second" {
		t.Fatalf("expected second, got %q", got.ID)
	}
	got = mustComplete(t, s, Completion{ExecutionID: "e1", ActivityID: "loop", EndTime: t0.Add(7 * time.Second)})
	if got.ID != "first" {
		t.Fatalf("expected first, got %q", got.ID)
	}

	other, _ := s.GetInstance(context.Background(), "other")
	if other.Finished() {
		t.Fatalf("row of another execution was closed")
	}
}

func testCompleteFallbackRedelivered(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("outer", "e1", "loop", t0))
	mustCreate(t, s, newInst("inner", "e1", "loop", t0.Add(time.Second)))

	c := Completion{ExecutionID: "e1", ActivityID: "loop", EndTime: t0.Add(5 * time.Second), JobID: "job-7"}
	first := mustComplete(t, s, c)
	again := mustComplete(t, s, c)
	if first.ID != "inner" || again.ID != "inner" {
		t.Fatalf("expected both deliveries to resolve to inner, got %q and %q", first.ID, again.ID)
	}

	f := false
	open := mustFind(t, s, InstanceFilter{ExecutionID: "e1", Finished: &f})
	expectIDs(t, open, "outer")

	// A different job still closes the remaining row.
	got := mustComplete(t, s, Completion{ExecutionID: "e1", ActivityID: "loop", EndTime: t0.Add(6 * time.Second), JobID: "job-8"})
	if got.ID != "outer" {
		t.Fatalf("expected outer, got %q", got.ID)
	}
}

func testCompleteMismatch(t *testing.T, s ActivityStore) {
	ctx := context.Background()
	if _, err := s.CompleteOnEnd(ctx, Completion{ExecutionID: "e1", ActivityID: "x", EndTime: t0}); !errors.Is(err, api.ErrCaptureMismatch) {
		t.Fatalf("expected ErrCaptureMismatch for empty store, got %v", err)
	}
	if _, err := s.CompleteOnEnd(ctx, Completion{InstanceID: "ghost", EndTime: t0}); !errors.Is(err, api.ErrCaptureMismatch) {
		t.Fatalf("expected ErrCaptureMismatch for unknown id, got %v", err)
	}

	mustCreate(t, s, newInst("a1", "e1", "x", t0))
	mustComplete(t, s, Completion{ExecutionID: "e1", ActivityID: "x", EndTime: t0.Add(time.Second)})
	if _, err := s.CompleteOnEnd(ctx, Completion{ExecutionID: "e1", ActivityID: "x", EndTime: t0}); !errors.Is(err, api.ErrCaptureMismatch) {
		t.Fatalf("expected ErrCaptureMismatch once every row is finished, got %v", err)
	}
}

func testNegativeDuration(t *testing.T, s ActivityStore) {
	mustCreate(t, s, newInst("a1", "e1", "x", t0))
	got := mustComplete(t, s, Completion{InstanceID: "a1", EndTime: t0.Add(-time.Second)})
	if *got.DurationInMillis != 0 {
		t.Fatalf("expected clamped duration 0, got %d", *got.DurationInMillis)
	}
	if got.EndTime.Before(got.StartTime) {
		t.Fatalf("end time before start time: %+v", got)
	}
}

func testPredicates(t *testing.T, s ActivityStore) {
	ctx := context.Background()

	a := newInst("a", "e1", "start", t0)
	a.ActivityType = "startEvent"
	b := newInst("b", "e1", "review", t0.Add(time.Second))
	b.TaskID = "t-1"
	b.Assignee = "kermit"
	c := newInst("c", "e2", "call", t0.Add(2*time.Second))
	c.ActivityType = "callActivity"
	c.ProcessInstanceID = "pi-2"
	c.ProcessDefinitionID = "other:1:7"
	c.ProcessDefinitionKey = "other"
	c.CalledProcessInstanceID = "pi-sub"
	for _, inst := range []*api.HistoricActivityInstance{a, b, c} {
		mustCreate(t, s, inst)
	}
	mustComplete(t, s, Completion{InstanceID: "a", EndTime: t0.Add(time.Second)})

	finished, unfinished := true, false
	cases := []struct {
		name string
		f    InstanceFilter
		want []string
	}{
		{"all", InstanceFilter{}, []string{"a", "b", "c"}},
		{"instance id", InstanceFilter{ActivityInstanceID: "b"}, []string{"b"}},
		{"activity id", InstanceFilter{ActivityID: "review"}, []string{"b"}},
		{"activity type", InstanceFilter{ActivityType: "userTask"}, []string{"b"}},
		{"activity name", InstanceFilter{ActivityName: "Activity call"}, []string{"c"}},
		{"execution", InstanceFilter{ExecutionID: "e1"}, []string{"a", "b"}},
		{"process instance", InstanceFilter{ProcessInstanceID: "pi-2"}, []string{"c"}},
		{"definition id", InstanceFilter{ProcessDefinitionID: "proc:1:100"}, []string{"a", "b"}},
		{"definition key", InstanceFilter{ProcessDefinitionKey: "other"}, []string{"c"}},
		{"task", InstanceFilter{TaskID: "t-1"}, []string{"b"}},
		{"assignee", InstanceFilter{TaskAssignee: "kermit"}, []string{"b"}},
		{"called process", InstanceFilter{CalledProcessInstanceID: "pi-sub"}, []string{"c"}},
		{"finished", InstanceFilter{Finished: &finished}, []string{"a"}},
		{"unfinished", InstanceFilter{Finished: &unfinished}, []string{"b", "c"}},
		{"combined", InstanceFilter{ExecutionID: "e1", Finished: &unfinished}, []string{"b"}},
		{"no match", InstanceFilter{ExecutionID: "e1", ActivityID: "call"}, nil},
		{"unknown value", InstanceFilter{ActivityID: "nope"}, nil},
	}
	for _, tc := range cases {
		got := mustFind(t, s, tc.f)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, ids(got))
		}
		expectIDs(t, got, tc.want...)

		n, err := s.CountInstances(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: CountInstances failed: %v", tc.name, err)
		}
		if n != int64(len(tc.want)) {
			t.Fatalf("%s: expected count %d, got %d", tc.name, len(tc.want), n)
		}
	}
}

func testSorting(t *testing.T, s ActivityStore) {
	// Start order: p, q, r, u. Durations: p=3s, q=1s, r=1s, u unfinished.
	p := newInst("p", "e3", "x", t0)
	q := newInst("q", "e1", "x", t0.Add(time.Second))
	r := newInst("r", "e2", "x", t0.Add(2*time.Second))
	u := newInst("u", "e1", "y", t0.Add(3*time.Second))
	for _, inst := range []*api.HistoricActivityInstance{r, u, q, p} {
		mustCreate(t, s, inst)
	}
	mustComplete(t, s, Completion{InstanceID: "p", EndTime: t0.Add(3 * time.Second)})
	mustComplete(t, s, Completion{InstanceID: "q", EndTime: t0.Add(2 * time.Second)})
	mustComplete(t, s, Completion{InstanceID: "r", EndTime: t0.Add(3 * time.Second)})

	expectIDs(t, mustFind(t, s, InstanceFilter{}), "p", "q", "r", "u")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByStartTime, Descending: true}), "u", "r", "q", "p")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByID}), "p", "q", "r", "u")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByID, Descending: true}), "u", "r", "q", "p")

	// Ties on end time are broken by id; unfinished rows go last ascending.
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByEndTime}), "q", "p", "r", "u")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByEndTime, Descending: true}), "u", "p", "r", "q")

	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByDuration}), "q", "r", "p", "u")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByDuration, Descending: true}), "u", "p", "q", "r")

	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByExecutionID}), "q", "u", "r", "p")
	expectIDs(t, mustFind(t, s, InstanceFilter{SortBy: SortByExecutionID, Descending: true}), "p", "r", "q", "u")
}

func testPaging(t *testing.T, s ActivityStore) {
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		mustCreate(t, s, newInst(id, "e1", "x", t0.Add(time.Duration(i)*time.Second)))
	}

	expectIDs(t, mustFind(t, s, InstanceFilter{FirstResult: 1, MaxResults: 2}), "b", "c")
	expectIDs(t, mustFind(t, s, InstanceFilter{FirstResult: 3}), "d", "e")
	expectIDs(t, mustFind(t, s, InstanceFilter{MaxResults: 1, SortBy: SortByStartTime, Descending: true}), "e")
	expectIDs(t, mustFind(t, s, InstanceFilter{FirstResult: 10}))

	n, err := s.CountInstances(context.Background(), InstanceFilter{FirstResult: 3, MaxResults: 1})
	if err != nil {
		t.Fatalf("CountInstances failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("count must ignore paging, got %d", n)
	}
}
