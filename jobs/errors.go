package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueStopped is returned when enqueueing after Stop.
	ErrQueueStopped = errors.New("espalier: job queue is stopped")

	// ErrUnknownJob is returned when no handler is registered for a job name.
	ErrUnknownJob = errors.New("espalier: unknown job")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Failure records a job that exhausted its attempts.
type Failure struct {
	Job Job
	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("job %s (%s) failed after %d attempt(s): %v", f.Job.Name, f.Job.Key, f.Job.Attempt, f.Err)
}
