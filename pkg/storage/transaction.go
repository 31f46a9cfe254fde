package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Tx accumulates an ordered batch of chunk writes for one session. Commit
// is all-or-nothing: one disk space check covers the whole batch, and on
// any refusal or staging failure zero operations are applied.
type Tx struct {
	store     *Store
	sessionID string
	ops       []pendingOp
	committed bool
}

type pendingOp struct {
	kind       ChunkKind
	metadata   *SessionMetadata
	summary    *Summary
	screenshot *ScreenshotChunk
	audio      *AudioSegmentChunk
}

// AddMetadata queues the session's metadata chunk. The last metadata added
// wins if queued more than once.
func (t *Tx) AddMetadata(meta *SessionMetadata) {
	t.ops = append(t.ops, pendingOp{kind: ChunkMetadata, metadata: meta})
}

// AddSummary queues the session's summary chunk.
func (t *Tx) AddSummary(sum *Summary) {
	t.ops = append(t.ops, pendingOp{kind: ChunkSummary, summary: sum})
}

// AddScreenshot queues one screenshot chunk.
func (t *Tx) AddScreenshot(chunk *ScreenshotChunk) {
	t.ops = append(t.ops, pendingOp{kind: ChunkScreenshot, screenshot: chunk})
}

// AddAudioSegment queues one audio segment chunk.
func (t *Tx) AddAudioSegment(chunk *AudioSegmentChunk) {
	t.ops = append(t.ops, pendingOp{kind: ChunkAudioSegment, audio: chunk})
}

// Len returns the number of pending operations.
func (t *Tx) Len() int {
	return len(t.ops)
}

type stagedFile struct {
	path string
	data []byte
}

// Commit applies every pending operation or none of them. The total
// estimated size of the batch is checked against the disk guard before any
// byte is written; on refusal the error states explicitly that no data was
// written. Commits for the same session are serialized; different sessions
// commit concurrently.
func (t *Tx) Commit(ctx context.Context) error {
	if t.committed {
		return &ValidationError{Field: "transaction", Reason: "already committed"}
	}
	if err := validSessionID(t.sessionID); err != nil {
		return err
	}
	if len(t.ops) == 0 {
		t.committed = true
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("storage: transaction aborted, no data was written: %w", err)
	}

	lock := t.store.sessionLock(t.sessionID)
	lock.Lock()
	defer lock.Unlock()

	staged, err := t.stage()
	if err != nil {
		return err
	}

	var total uint64
	for _, f := range staged {
		total = saturatingAdd(total, padEstimate(uint64(len(f.data))))
	}
	if err := t.store.guard.CheckSpace(t.store.root, total); err != nil {
		return fmt.Errorf("storage: transaction aborted, no data was written: %w", err)
	}

	// Write every temp file before any rename so a staging failure leaves
	// the committed state untouched.
	var tmps []string
	cleanup := func() {
		for _, tmp := range tmps {
			_ = os.Remove(tmp)
		}
	}
	for _, f := range staged {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
			cleanup()
			return fmt.Errorf("storage: transaction aborted, no data was written: %w",
				&FilesystemError{Op: "mkdir", Path: filepath.Dir(f.path), Err: err})
		}
		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, f.data, 0o600); err != nil {
			cleanup()
			return fmt.Errorf("storage: transaction aborted, no data was written: %w",
				&FilesystemError{Op: "write temp file", Path: tmp, Err: err})
		}
		tmps = append(tmps, tmp)
	}
	for i, f := range staged {
		if err := os.Rename(tmps[i], f.path); err != nil {
			cleanup()
			return &FilesystemError{Op: "rename", Path: f.path, Err: err}
		}
	}

	t.committed = true
	return nil
}

// stage resolves sequence numbers and chunk refs against the current
// metadata and serializes every pending write. The metadata chunk is
// staged last so its ref list covers every chunk in the batch.
func (t *Tx) stage() ([]stagedFile, error) {
	var meta *SessionMetadata
	for _, op := range t.ops {
		if op.kind == ChunkMetadata {
			meta = op.metadata
		}
	}
	existing, err := t.store.loadMetadataLocked(t.sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	switch {
	case meta == nil && existing == nil:
		return nil, ErrSessionNotFound
	case meta == nil:
		meta = existing
	case existing != nil:
		meta.Chunks = existing.Chunks
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	dir, err := t.store.sessionDir(t.sessionID)
	if err != nil {
		return nil, err
	}

	var staged []stagedFile
	for _, op := range t.ops {
		switch op.kind {
		case ChunkMetadata:
			// Serialized last, below.

		case ChunkSummary:
			sum := op.summary
			if sum == nil {
				return nil, &ValidationError{Field: "summary", Reason: "nil"}
			}
			sum.SessionID = t.sessionID
			if sum.CreatedAt.IsZero() {
				sum.CreatedAt = time.Now().UTC()
			}
			data, err := json.MarshalIndent(sum, "", "  ")
			if err != nil {
				return nil, &ValidationError{Field: "summary", Reason: err.Error()}
			}
			replaceSummaryRef(meta, uint64(len(data)), sum.CreatedAt)
			staged = append(staged, stagedFile{path: filepath.Join(dir, summaryFileName), data: data})

		case ChunkScreenshot:
			chunk := op.screenshot
			if chunk == nil {
				return nil, &ValidationError{Field: "screenshot chunk", Reason: "nil"}
			}
			chunk.SessionID = t.sessionID
			chunk.Seq = meta.nextSeq(ChunkScreenshot)
			if chunk.ID == "" {
				chunk.ID = uuid.New().String()
			}
			if chunk.Timestamp.IsZero() {
				chunk.Timestamp = time.Now().UTC()
			}
			data, err := json.MarshalIndent(chunk, "", "  ")
			if err != nil {
				return nil, &ValidationError{Field: "screenshot chunk", Reason: err.Error()}
			}
			meta.Chunks = append(meta.Chunks, ChunkRef{
				Kind: ChunkScreenshot, Seq: chunk.Seq, Timestamp: chunk.Timestamp, Size: uint64(len(data)),
			})
			staged = append(staged, stagedFile{
				path: filepath.Join(dir, screenshotsDirName, chunkFileName(chunk.Seq)),
				data: data,
			})

		case ChunkAudioSegment:
			chunk := op.audio
			if chunk == nil {
				return nil, &ValidationError{Field: "audio segment chunk", Reason: "nil"}
			}
			chunk.SessionID = t.sessionID
			chunk.Seq = meta.nextSeq(ChunkAudioSegment)
			if chunk.ID == "" {
				chunk.ID = uuid.New().String()
			}
			if chunk.Timestamp.IsZero() {
				chunk.Timestamp = time.Now().UTC()
			}
			data, err := json.MarshalIndent(chunk, "", "  ")
			if err != nil {
				return nil, &ValidationError{Field: "audio segment chunk", Reason: err.Error()}
			}
			meta.Chunks = append(meta.Chunks, ChunkRef{
				Kind: ChunkAudioSegment, Seq: chunk.Seq, Timestamp: chunk.Timestamp, Size: uint64(len(data)),
			})
			staged = append(staged, stagedFile{
				path: filepath.Join(dir, audioDirName, chunkFileName(chunk.Seq)),
				data: data,
			})
		}
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	staged = append(staged, stagedFile{path: filepath.Join(dir, metadataFileName), data: metaData})
	return staged, nil
}
