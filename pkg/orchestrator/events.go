package orchestrator

import "github.com/entrhq/capture/pkg/storage"

// EventType defines the type of event emitted by the orchestrator.
type EventType string

const (
	EventSessionStarting    EventType = "session_starting"    // EventSessionStarting indicates a session start was requested.
	EventSessionStarted     EventType = "session_started"     // EventSessionStarted indicates all required capabilities are running.
	EventSessionPaused      EventType = "session_paused"      // EventSessionPaused indicates capture is paused.
	EventSessionResumed     EventType = "session_resumed"     // EventSessionResumed indicates capture resumed after a pause.
	EventSessionStopping    EventType = "session_stopping"    // EventSessionStopping indicates a stop was requested and flushing began.
	EventSessionStopped     EventType = "session_stopped"     // EventSessionStopped indicates the session was finalized and persisted.
	EventCapabilityDegraded EventType = "capability_degraded" // EventCapabilityDegraded indicates an optional capability failed and was dropped.
	EventCapabilityForced   EventType = "capability_forced"   // EventCapabilityForced indicates a capability missed the stop deadline and was abandoned.
	EventError              EventType = "error"               // EventError indicates the orchestrator entered the error state.
	EventErrorCleared       EventType = "error_cleared"       // EventErrorCleared indicates the error state was left via retry or dismiss.
)

// Event is emitted by the orchestrator on lifecycle transitions. Consumers
// receive them on the channel passed to WithEvents; emission never blocks
// the state machine.
type Event struct {
	Type       EventType
	SessionID  string
	Stream     storage.StreamKind
	Err        error
	State      State
	UserNotice string
}

// NewSessionStartingEvent creates an event for a requested session start.
func NewSessionStartingEvent(sessionID string) Event {
	return Event{Type: EventSessionStarting, SessionID: sessionID, State: StateStarting}
}

// NewSessionStartedEvent creates an event for a fully started session.
func NewSessionStartedEvent(sessionID string) Event {
	return Event{Type: EventSessionStarted, SessionID: sessionID, State: StateRecording}
}

// NewSessionPausedEvent creates an event for a paused session.
func NewSessionPausedEvent(sessionID string) Event {
	return Event{Type: EventSessionPaused, SessionID: sessionID, State: StatePaused}
}

// NewSessionResumedEvent creates an event for a resumed session.
func NewSessionResumedEvent(sessionID string) Event {
	return Event{Type: EventSessionResumed, SessionID: sessionID, State: StateRecording}
}

// NewSessionStoppingEvent creates an event for a stop in progress.
func NewSessionStoppingEvent(sessionID string) Event {
	return Event{Type: EventSessionStopping, SessionID: sessionID, State: StateStopping}
}

// NewSessionStoppedEvent creates an event for a finalized session.
func NewSessionStoppedEvent(sessionID string) Event {
	return Event{Type: EventSessionStopped, SessionID: sessionID, State: StateIdle}
}

// NewCapabilityDegradedEvent creates an event for a dropped optional
// capability.
func NewCapabilityDegradedEvent(sessionID string, stream storage.StreamKind, err error) Event {
	return Event{Type: EventCapabilityDegraded, SessionID: sessionID, Stream: stream, Err: err}
}

// NewCapabilityForcedEvent creates an event for a capability abandoned at
// stop time.
func NewCapabilityForcedEvent(sessionID string, stream storage.StreamKind) Event {
	return Event{
		Type:      EventCapabilityForced,
		SessionID: sessionID,
		Stream:    stream,
		Err:       &CapabilityTimeoutError{Stream: stream},
	}
}

// NewErrorEvent creates an event for entry into the error state. notice is
// the user-facing message, distinct from the wrapped error.
func NewErrorEvent(sessionID string, err error, notice string) Event {
	return Event{Type: EventError, SessionID: sessionID, Err: err, State: StateError, UserNotice: notice}
}

// NewErrorClearedEvent creates an event for leaving the error state.
func NewErrorClearedEvent(sessionID string, next State) Event {
	return Event{Type: EventErrorCleared, SessionID: sessionID, State: next}
}
