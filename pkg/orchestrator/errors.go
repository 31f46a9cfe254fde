package orchestrator

import (
	"errors"
	"fmt"

	"github.com/entrhq/capture/pkg/storage"
)

// ErrInvalidTransition is returned when an operation is not legal in the
// current state, for example pausing while idle.
var ErrInvalidTransition = errors.New("orchestrator: operation not valid in current state")

var errAllStreamsFailed = errors.New("every enabled capture stream failed")

// CapabilityStartError reports which capability refused to start, so the
// failing stream can be named to the user.
type CapabilityStartError struct {
	Stream storage.StreamKind
	Err    error
}

func (e *CapabilityStartError) Error() string {
	return fmt.Sprintf("orchestrator: %s capture failed to start: %v", e.Stream, e.Err)
}

func (e *CapabilityStartError) Unwrap() error {
	return e.Err
}

// CapabilityTimeoutError reports a capability that missed the stop
// deadline and was abandoned.
type CapabilityTimeoutError struct {
	Stream storage.StreamKind
}

func (e *CapabilityTimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: %s capture did not stop in time and was force-terminated", e.Stream)
}

// userNotice picks the message shown to the user for an error. Disk-space
// refusals carry their own wording with concrete numbers.
func userNotice(err error) string {
	var insufficient *storage.InsufficientSpaceError
	if errors.As(err, &insufficient) {
		return insufficient.UserMessage()
	}
	var startErr *CapabilityStartError
	if errors.As(err, &startErr) {
		return fmt.Sprintf("Could not start %s capture. Check permissions and try again.", startErr.Stream)
	}
	return "Recording hit a problem. You can retry or dismiss the error."
}
