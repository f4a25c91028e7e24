package persistence

import (
	"context"
	"time"

	"github.com/petrijr/fluxhist/pkg/api"
)

// SortField names an orderable column of the history table.
type SortField string

const (
	SortNone                  SortField = ""
	SortByID                  SortField = "id"
	SortByStartTime           SortField = "startTime"
	SortByEndTime             SortField = "endTime"
	SortByDuration            SortField = "duration"
	SortByExecutionID         SortField = "executionId"
	SortByProcessDefinitionID SortField = "processDefinitionId"
	SortByProcessInstanceID   SortField = "processInstanceId"
)

// Valid reports whether f is a known sort field.
func (f SortField) Valid() bool {
	switch f {
	case SortNone, SortByID, SortByStartTime, SortByEndTime, SortByDuration,
		SortByExecutionID, SortByProcessDefinitionID, SortByProcessInstanceID:
		return true
	}
	return false
}

// InstanceFilter selects historic activity instances. Empty strings and a
// nil Finished mean "no filter" for that field; set fields are AND-combined.
type InstanceFilter struct {
	ActivityInstanceID      string
	ActivityID              string
	ActivityType            string
	ActivityName            string
	ExecutionID             string
	ProcessInstanceID       string
	ProcessDefinitionID     string
	ProcessDefinitionKey    string
	TaskID                  string
	TaskAssignee            string
	CalledProcessInstanceID string

	// Finished restricts to finished (true) or unfinished (false) rows.
	Finished *bool

	SortBy     SortField
	Descending bool

	// FirstResult skips rows; MaxResults <= 0 means unlimited.
	FirstResult int
	MaxResults  int
}

// Completion describes an end (or delete) event to apply to a started row.
type Completion struct {
	// InstanceID, when set, identifies the row exactly.
	InstanceID string

	// ExecutionID and ActivityID are used to find the row when InstanceID
	// is empty.
	ExecutionID string
	ActivityID  string

	EndTime      time.Time
	DeleteReason string

	// JobID identifies the capture job applying the completion. A fallback
	// completion redelivered under the same JobID returns the row that job
	// already closed instead of closing another one.
	JobID string
}

// ActivityStore persists historic activity instances.
type ActivityStore interface {
	// CreateOnStart inserts a new unfinished row. It returns
	// api.ErrDuplicateInstance if a row with the same id exists.
	CreateOnStart(ctx context.Context, inst *api.HistoricActivityInstance) error

	// CompleteOnEnd sets the end time, duration and delete reason of the
	// matching row and returns it. A row matched by id that is already
	// finished is returned unchanged, as is a row already closed under the
	// same Completion.JobID. It returns api.ErrCaptureMismatch when
	// no row matches.
	CompleteOnEnd(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error)

	// GetInstance returns api.ErrInstanceNotFound for unknown ids.
	GetInstance(ctx context.Context, id string) (*api.HistoricActivityInstance, error)

	FindInstances(ctx context.Context, f InstanceFilter) ([]*api.HistoricActivityInstance, error)

	// CountInstances ignores sorting and paging.
	CountInstances(ctx context.Context, f InstanceFilter) (int64, error)
}
