package api

import "time"

// EventType identifies the kind of runtime activity signal.
type EventType string

const (
	EventActivityStarted EventType = "activity.started"
	EventActivityEnded   EventType = "activity.ended"
	EventActivityDeleted EventType = "activity.deleted"
)

// ActivityEvent is the signal the runtime engine emits when an activity
// starts, ends or is cancelled.
type ActivityEvent struct {
	// InstanceID is the activity instance id, if the runtime already knows it.
	// The capturer assigns one on start otherwise.
	InstanceID string

	ActivityID   string
	ActivityName string
	ActivityType string

	ExecutionID          string
	ProcessInstanceID    string
	ProcessDefinitionID  string
	ProcessDefinitionKey string

	TaskID                  string
	Assignee                string
	CalledProcessInstanceID string

	Timestamp time.Time

	// DeleteReason is only meaningful for EventActivityDeleted.
	DeleteReason string
}

// CorrelationKey identifies the execution+activity pair used to match an end
// event to its start and to order related history jobs.
type CorrelationKey struct {
	ExecutionID string
	ActivityID  string
}

// Key returns the correlation key of the event.
func (e ActivityEvent) Key() CorrelationKey {
	return CorrelationKey{ExecutionID: e.ExecutionID, ActivityID: e.ActivityID}
}

func (k CorrelationKey) String() string {
	return k.ExecutionID + "/" + k.ActivityID
}

// NewInstance builds the unfinished history row described by a start event.
func (e ActivityEvent) NewInstance() *HistoricActivityInstance {
	return &HistoricActivityInstance{
		ID:                      e.InstanceID,
		ActivityID:              e.ActivityID,
		ActivityName:            e.ActivityName,
		ActivityType:            e.ActivityType,
		ProcessDefinitionID:     e.ProcessDefinitionID,
		ProcessDefinitionKey:    e.ProcessDefinitionKey,
		ProcessInstanceID:       e.ProcessInstanceID,
		ExecutionID:             e.ExecutionID,
		TaskID:                  e.TaskID,
		Assignee:                e.Assignee,
		CalledProcessInstanceID: e.CalledProcessInstanceID,
		StartTime:               e.Timestamp,
	}
}
