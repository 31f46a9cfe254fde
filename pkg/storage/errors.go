package storage

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session id has no directory under
// the storage root.
var ErrSessionNotFound = errors.New("storage: session not found")

// InsufficientSpaceError reports a refused write. Required already includes
// the safety reserve. Callers surface the concrete byte counts to the user
// rather than a generic failure.
type InsufficientSpaceError struct {
	Path      string
	Available uint64
	Required  uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("storage: insufficient disk space at %s: %d MB available, %d MB required",
		e.Path, e.Available/(1024*1024), e.Required/(1024*1024))
}

// UserMessage renders the actionable, jargon-free message shown to users.
func (e *InsufficientSpaceError) UserMessage() string {
	return fmt.Sprintf("Not enough disk space. %d MB available, %d MB needed. Please free up space and try again.",
		e.Available/(1024*1024), e.Required/(1024*1024))
}

// IsInsufficientSpace reports whether err wraps a disk-space refusal.
func IsInsufficientSpace(err error) bool {
	var target *InsufficientSpaceError
	return errors.As(err, &target)
}

// FilesystemError wraps an I/O fault. The store retries these once before
// surfacing them.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed input. Fatal to the call, never to the
// session.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("storage: invalid %s: %s", e.Field, e.Reason)
}
