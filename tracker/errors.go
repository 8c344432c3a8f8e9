package tracker

import "github.com/pkg/errors"

// ErrTracker wraps every tracker-originated failure: network failure,
// malformed response, or a response carrying "failure reason" (§7).
type ErrTracker struct {
	Reason string
	Cause  error
}

func (e *ErrTracker) Error() string {
	if e.Cause != nil {
		return "tracker: " + e.Reason + ": " + e.Cause.Error()
	}
	return "tracker: " + e.Reason
}

func (e *ErrTracker) Unwrap() error { return e.Cause }

func newTrackerError(reason string, cause error) error {
	return errors.WithStack(&ErrTracker{Reason: reason, Cause: cause})
}
