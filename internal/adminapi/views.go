package adminapi

import (
	"time"

	"github.com/petrijr/fluxhist/internal/jobqueue"
)

// JobView is the JSON and YAML rendering of a history job.
type JobView struct {
	ID                string    `json:"id" yaml:"id"`
	Type              string    `json:"type" yaml:"type"`
	CorrelationKey    string    `json:"correlationKey" yaml:"correlationKey"`
	InstanceID        string    `json:"instanceId,omitempty" yaml:"instanceId,omitempty"`
	ProcessInstanceID string    `json:"processInstanceId,omitempty" yaml:"processInstanceId,omitempty"`
	Sequence          int64     `json:"sequence" yaml:"sequence"`
	Attempts          int       `json:"attempts" yaml:"attempts"`
	EnqueuedAt        time.Time `json:"enqueuedAt" yaml:"enqueuedAt"`
	LastError         string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// NewJobView converts a queued job.
func NewJobView(j jobqueue.Job) JobView {
	return JobView{
		ID:                j.ID,
		Type:              string(j.Type),
		CorrelationKey:    j.CorrelationKey,
		InstanceID:        j.InstanceID,
		ProcessInstanceID: j.Event.ProcessInstanceID,
		Sequence:          j.Sequence,
		Attempts:          j.Attempts,
		EnqueuedAt:        j.EnqueuedAt,
		LastError:         j.LastError,
	}
}

// NewJobViews converts a list of jobs; the result is never nil.
func NewJobViews(jobs []jobqueue.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NewJobView(j))
	}
	return out
}
