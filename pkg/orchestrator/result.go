package orchestrator

import (
	"time"

	"github.com/entrhq/capture/pkg/storage"
)

// Result reports how a session ended.
type Result struct {
	SessionID string

	// DegradedStreams lists streams that were enabled but dropped at start
	// or mid-session. Their chunks up to the drop point are kept.
	DegradedStreams []storage.StreamKind

	// ForceTerminated lists streams abandoned because they missed the stop
	// deadline.
	ForceTerminated []storage.StreamKind

	StartedAt time.Time
	EndedAt   time.Time
}
