package api

import "time"

// HistoricActivityInstance is the durable record of one execution of one
// activity within one process instance.
//
// Empty strings stand for absent values. EndTime and DurationInMillis are
// either both nil (the activity is still running) or both set.
type HistoricActivityInstance struct {
	ID           string `json:"id" yaml:"id"`
	ActivityID   string `json:"activityId" yaml:"activityId"`
	ActivityName string `json:"activityName,omitempty" yaml:"activityName,omitempty"`
	ActivityType string `json:"activityType" yaml:"activityType"`

	ProcessDefinitionID  string `json:"processDefinitionId" yaml:"processDefinitionId"`
	ProcessDefinitionKey string `json:"processDefinitionKey,omitempty" yaml:"processDefinitionKey,omitempty"`
	ProcessInstanceID    string `json:"processInstanceId" yaml:"processInstanceId"`
	ExecutionID          string `json:"executionId" yaml:"executionId"`

	TaskID                  string `json:"taskId,omitempty" yaml:"taskId,omitempty"`
	Assignee                string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	CalledProcessInstanceID string `json:"calledProcessInstanceId,omitempty" yaml:"calledProcessInstanceId,omitempty"`

	StartTime        time.Time  `json:"startTime" yaml:"startTime"`
	EndTime          *time.Time `json:"endTime" yaml:"endTime"`
	DurationInMillis *int64     `json:"durationInMillis" yaml:"durationInMillis"`

	// DeleteReason is set when the activity was cancelled rather than
	// completed normally.
	DeleteReason string `json:"deleteReason,omitempty" yaml:"deleteReason,omitempty"`
}

// Finished reports whether the activity instance has ended.
func (h *HistoricActivityInstance) Finished() bool {
	return h.EndTime != nil
}

// Duration returns the recorded duration, or zero while unfinished.
func (h *HistoricActivityInstance) Duration() time.Duration {
	if h.DurationInMillis == nil {
		return 0
	}
	return time.Duration(*h.DurationInMillis) * time.Millisecond
}

// Complete sets EndTime and DurationInMillis. A clock that moved backwards
// yields a zero duration instead of a negative one.
func (h *HistoricActivityInstance) Complete(end time.Time, deleteReason string) {
	ms := end.Sub(h.StartTime).Milliseconds()
	if ms < 0 {
		ms = 0
		end = h.StartTime
	}
	h.EndTime = &end
	h.DurationInMillis = &ms
	h.DeleteReason = deleteReason
}

// Clone returns a deep copy, so callers can't mutate store-owned state.
func (h *HistoricActivityInstance) Clone() *HistoricActivityInstance {
	if h == nil {
		return nil
	}
	c := *h
	if h.EndTime != nil {
		end := *h.EndTime
		c.EndTime = &end
	}
	if h.DurationInMillis != nil {
		d := *h.DurationInMillis
		c.DurationInMillis = &d
	}
	return &c
}
