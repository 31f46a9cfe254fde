// Package orchestrator drives the capture lifecycle state machine,
// coordinating capture capabilities, persistence, and indexing.
package orchestrator

import (
	"context"

	"github.com/entrhq/capture/pkg/storage"
)

// Capability is one capture backend (screenshots, audio, video). The
// orchestrator starts every enabled capability concurrently and consumes
// its output through the shared event channel.
//
// Start must return promptly once capture is running; produced data flows
// through events until Stop. Pause and Resume toggle production without
// tearing the backend down. Stop must flush and release resources before
// returning, honoring ctx cancellation; once Stop returns or its ctx is
// canceled the capability must not send further events.
type Capability interface {
	Kind() storage.StreamKind
	Start(ctx context.Context, cfg storage.CaptureConfig, events chan<- CaptureEvent) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
}

// CaptureEvent carries one unit of captured data from a capability to the
// orchestrator's persistence pump. Exactly one payload field is set,
// matching Kind.
type CaptureEvent struct {
	Kind       storage.StreamKind
	Screenshot *storage.ScreenshotChunk
	Audio      *storage.AudioSegmentChunk
	Video      *storage.VideoRef
}

// CapabilitySpec pairs a capability with its failure policy. A required
// capability that fails to start puts the session into the error state; an
// optional one degrades it.
type CapabilitySpec struct {
	Capability Capability
	Required   bool
}

// SessionStore is the slice of the storage layer the orchestrator needs.
// StoreAdapter adapts *storage.Store to it.
type SessionStore interface {
	SaveMetadata(ctx context.Context, meta *storage.SessionMetadata) error
	AppendScreenshot(ctx context.Context, sessionID string, chunk *storage.ScreenshotChunk) error
	AppendAudioSegment(ctx context.Context, sessionID string, chunk *storage.AudioSegmentChunk) error
	Begin(sessionID string) Transaction
}

// Transaction batches writes that must land atomically, matching
// *storage.Tx.
type Transaction interface {
	AddMetadata(meta *storage.SessionMetadata)
	AddSummary(sum *storage.Summary)
	Commit(ctx context.Context) error
}

// Indexer receives metadata changes after they are durably stored.
type Indexer interface {
	UpdateSession(meta *storage.SessionMetadata)
	RemoveSession(sessionID string)
}

// Summarizer generates the post-session summary. It mirrors
// enrich.Summarizer so that package plugs in directly.
type Summarizer interface {
	Summarize(ctx context.Context, meta *storage.SessionMetadata, transcripts []string) (string, error)
	Name() string
}

// StoreAdapter lets *storage.Store satisfy SessionStore; its Begin returns
// the concrete *storage.Tx as a Transaction.
type StoreAdapter struct {
	*storage.Store
}

func (a StoreAdapter) Begin(sessionID string) Transaction {
	return a.Store.Begin(sessionID)
}
