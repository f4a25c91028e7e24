package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/fluxhist/pkg/api"
)

// InMemoryStore is an ActivityStore kept in process memory. Rows are kept
// in insertion order.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows []*api.HistoricActivityInstance
	byID map[string]int

	// closedBy maps a job id to the row it completed.
	closedBy map[string]string
}

// Ensure InMemoryStore implements ActivityStore.
var _ ActivityStore = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[string]int),
		closedBy: make(map[string]string),
	}
}

func (s *InMemoryStore) CreateOnStart(ctx context.Context, inst *api.HistoricActivityInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[inst.ID]; exists {
		return api.ErrDuplicateInstance
	}
	s.byID[inst.ID] = len(s.rows)
	s.rows = append(s.rows, inst.Clone())
	return nil
}

func (s *InMemoryStore) CompleteOnEnd(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var target *api.HistoricActivityInstance
	if c.InstanceID != "" {
		idx, ok := s.byID[c.InstanceID]
		if !ok {
			return nil, api.ErrCaptureMismatch
		}
		target = s.rows[idx]
		if target.Finished() {
			return target.Clone(), nil
		}
	} else {
		if id, ok := s.closedBy[c.JobID]; ok && c.JobID != "" {
			return s.rows[s.byID[id]].Clone(), nil
		}
		// Latest start wins; on equal start times the later insert wins.
		for _, row := range s.rows {
			if row.Finished() || row.ExecutionID != c.ExecutionID || row.ActivityID != c.ActivityID {
				continue
			}
			if target == nil || !row.StartTime.Before(target.StartTime) {
				target = row
			}
		}
		if target == nil {
			return nil, api.ErrCaptureMismatch
		}
	}

	target.Complete(c.EndTime, c.DeleteReason)
	if c.JobID != "" {
		s.closedBy[c.JobID] = target.ID
	}
	return target.Clone(), nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.HistoricActivityInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return s.rows[idx].Clone(), nil
}

func (s *InMemoryStore) FindInstances(ctx context.Context, f InstanceFilter) ([]*api.HistoricActivityInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return selectInstances(s.rows, f), nil
}

func (s *InMemoryStore) CountInstances(ctx context.Context, f InstanceFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, row := range s.rows {
		if f.Matches(row) {
			n++
		}
	}
	return n, nil
}
