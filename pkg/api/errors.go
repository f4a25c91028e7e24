package api

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("invalid query")

	// ErrTooManyResults is returned by SingleResult when more than one row matches.
	ErrTooManyResults = errors.New("query returned more than one result")

	// ErrDuplicateInstance is returned when a history row with the same id exists.
	ErrDuplicateInstance = errors.New("historic activity instance already exists")

	// ErrInstanceNotFound is returned when a history row is not found by id.
	ErrInstanceNotFound = errors.New("historic activity instance not found")

	// ErrCaptureMismatch is returned when an end event matches no unfinished row.
	ErrCaptureMismatch = errors.New("no unfinished activity instance matches end event")

	// ErrDrainTimeout is returned when history jobs are still outstanding
	// after the wait timeout.
	ErrDrainTimeout = errors.New("timed out waiting for history jobs to drain")
)

// ValidationError describes a malformed query composition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid query: " + e.Reason
	}
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError reports a history job handler failure. It is transient
// while the job is still being retried and permanent once the job has been
// dead-lettered.
type ExecutionError struct {
	JobID     string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("history job %s failed (%s, attempt %d): %v", e.JobID, kind, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. The executor dead-letters the
// job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a
// permanent ExecutionError.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Permanent
}
