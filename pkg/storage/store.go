// Package storage persists capture sessions as independently addressable
// chunks under a storage root, gated by a disk space guard so a full disk
// never corrupts existing data.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/capture/pkg/logging"
)

const (
	sessionsDirName    = "sessions"
	metadataFileName   = "metadata.json"
	summaryFileName    = "summary.json"
	screenshotsDirName = "screenshots"
	audioDirName       = "audio"
)

// Store is the chunked session store. It is the sole writer of session
// chunks: all mutations for one session are serialized on a per-session
// lock, while different sessions proceed concurrently.
type Store struct {
	root  string
	guard Guard
	log   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewStore opens (or initializes) a store rooted at root. Every write is
// checked against guard before any byte lands on disk.
func NewStore(root string, guard Guard, log *logging.Logger) (*Store, error) {
	if root == "" {
		return nil, &ValidationError{Field: "storage root", Reason: "empty"}
	}
	if guard == nil {
		return nil, &ValidationError{Field: "guard", Reason: "nil"}
	}
	if log == nil {
		log = logging.Discard("storage")
	}
	if err := os.MkdirAll(filepath.Join(root, sessionsDirName), 0o750); err != nil {
		return nil, &FilesystemError{Op: "init storage root", Path: root, Err: err}
	}
	return &Store{
		root:     root,
		guard:    guard,
		log:      log,
		sessions: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// sessionLock returns the mutex serializing all writes for one session id.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sessions[id]
	if !ok {
		lock = &sync.Mutex{}
		s.sessions[id] = lock
	}
	return lock
}

func validSessionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "session id", Reason: "empty"}
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return &ValidationError{Field: "session id", Reason: "contains path separator"}
	}
	return nil
}

func (s *Store) sessionDir(id string) (string, error) {
	if err := validSessionID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sessionsDirName, id), nil
}

// SaveMetadata persists the metadata chunk for a session. The store owns
// the committed chunk ref list: refs already on disk are carried over so a
// caller holding a stale copy cannot orphan chunks. meta is updated in
// place with the merged refs.
func (s *Store) SaveMetadata(ctx context.Context, meta *SessionMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	lock := s.sessionLock(meta.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveMetadataLocked(ctx, meta)
}

func (s *Store) saveMetadataLocked(_ context.Context, meta *SessionMetadata) error {
	existing, err := s.loadMetadataLocked(meta.ID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if existing != nil {
		meta.Chunks = existing.Chunks
	}

	dir, err := s.sessionDir(meta.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	if err := s.guard.CheckSpace(s.root, padEstimate(uint64(len(data)))); err != nil {
		return err
	}
	return s.writeFileAtomic(filepath.Join(dir, metadataFileName), data)
}

// SaveSummary persists the summary chunk for an existing session and
// records its ref in the metadata chunk.
func (s *Store) SaveSummary(ctx context.Context, sessionID string, sum *Summary) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if sum == nil || sum.Text == "" && sum.GeneratedBy == "" {
		return &ValidationError{Field: "summary", Reason: "empty"}
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}

	sum.SessionID = sessionID
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	sumData, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return &ValidationError{Field: "summary", Reason: err.Error()}
	}
	replaceSummaryRef(meta, uint64(len(sumData)), sum.CreatedAt)
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}

	total := saturatingAdd(padEstimate(uint64(len(sumData))), padEstimate(uint64(len(metaData))))
	if err := s.guard.CheckSpace(s.root, total); err != nil {
		return err
	}

	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	sumPath := filepath.Join(dir, summaryFileName)
	if err := s.writeFileAtomic(sumPath, sumData); err != nil {
		return err
	}
	if err := s.writeFileAtomic(filepath.Join(dir, metadataFileName), metaData); err != nil {
		_ = os.Remove(sumPath) // keep chunk set consistent with metadata
		return err
	}
	return nil
}

// AppendScreenshot persists one screenshot chunk. Failure here is non-fatal
// to the session: callers are expected to log, report a degraded stream,
// and keep recording.
func (s *Store) AppendScreenshot(ctx context.Context, sessionID string, chunk *ScreenshotChunk) error {
	if chunk == nil {
		return &ValidationError{Field: "screenshot chunk", Reason: "nil"}
	}
	return s.appendChunk(ctx, sessionID, ChunkScreenshot, screenshotsDirName, func(seq int) (interface{}, time.Time) {
		chunk.SessionID = sessionID
		chunk.Seq = seq
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now().UTC()
		}
		return chunk, chunk.Timestamp
	})
}

// AppendAudioSegment persists one audio segment chunk with the same
// non-fatal failure contract as AppendScreenshot.
func (s *Store) AppendAudioSegment(ctx context.Context, sessionID string, chunk *AudioSegmentChunk) error {
	if chunk == nil {
		return &ValidationError{Field: "audio segment chunk", Reason: "nil"}
	}
	return s.appendChunk(ctx, sessionID, ChunkAudioSegment, audioDirName, func(seq int) (interface{}, time.Time) {
		chunk.SessionID = sessionID
		chunk.Seq = seq
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now().UTC()
		}
		return chunk, chunk.Timestamp
	})
}

// appendChunk assigns the next sequence number, checks space for chunk plus
// metadata rewrite, writes the chunk, then records its ref. A failed
// metadata write removes the chunk file again so the metadata chunk and the
// persisted chunk set never diverge.
func (s *Store) appendChunk(_ context.Context, sessionID string, kind ChunkKind, subdir string, fill func(seq int) (interface{}, time.Time)) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}

	seq := meta.nextSeq(kind)
	payload, ts := fill(seq)
	chunkData, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &ValidationError{Field: string(kind), Reason: err.Error()}
	}

	meta.Chunks = append(meta.Chunks, ChunkRef{
		Kind:      kind,
		Seq:       seq,
		Timestamp: ts,
		Size:      uint64(len(chunkData)),
	})
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: err.Error()}
	}

	total := saturatingAdd(padEstimate(uint64(len(chunkData))), padEstimate(uint64(len(metaData))))
	if err := s.guard.CheckSpace(s.root, total); err != nil {
		meta.Chunks = meta.Chunks[:len(meta.Chunks)-1]
		return err
	}

	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	chunkPath := filepath.Join(dir, subdir, chunkFileName(seq))
	if err := s.writeFileAtomic(chunkPath, chunkData); err != nil {
		meta.Chunks = meta.Chunks[:len(meta.Chunks)-1]
		return err
	}
	if err := s.writeFileAtomic(filepath.Join(dir, metadataFileName), metaData); err != nil {
		_ = os.Remove(chunkPath) // keep chunk set consistent with metadata
		meta.Chunks = meta.Chunks[:len(meta.Chunks)-1]
		return err
	}
	return nil
}

// LoadSession reads a full session: metadata, summary if present, and every
// readable data chunk sorted by sequence. Corrupt or unreadable chunk files
// are skipped, not fatal.
func (s *Store) LoadSession(_ context.Context, id string) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMetadataLocked(id)
	if err != nil {
		return nil, err
	}
	session := &Session{Metadata: meta}

	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, err
	}

	sumData, err := os.ReadFile(filepath.Join(dir, summaryFileName))
	if err == nil {
		var sum Summary
		if uerr := json.Unmarshal(sumData, &sum); uerr == nil {
			session.Summary = &sum
		} else {
			s.log.Debugf("skipping corrupt summary chunk for session %s: %v", id, uerr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &FilesystemError{Op: "read", Path: filepath.Join(dir, summaryFileName), Err: err}
	}

	for _, file := range s.listChunkFiles(filepath.Join(dir, screenshotsDirName)) {
		var chunk ScreenshotChunk
		if s.readChunkFile(file, &chunk) {
			session.Screenshots = append(session.Screenshots, &chunk)
		}
	}
	for _, file := range s.listChunkFiles(filepath.Join(dir, audioDirName)) {
		var chunk AudioSegmentChunk
		if s.readChunkFile(file, &chunk) {
			session.Audio = append(session.Audio, &chunk)
		}
	}
	sort.Slice(session.Screenshots, func(i, j int) bool { return session.Screenshots[i].Seq < session.Screenshots[j].Seq })
	sort.Slice(session.Audio, func(i, j int) bool { return session.Audio[i].Seq < session.Audio[j].Seq })

	return session, nil
}

// LoadAllMetadata reads the metadata chunk of every session under the root.
// Sessions whose metadata is corrupt or unreadable are skipped with a log
// entry so one bad directory cannot take down startup.
func (s *Store) LoadAllMetadata(_ context.Context) ([]*SessionMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDirName))
	if err != nil {
		return nil, &FilesystemError{Op: "list", Path: s.root, Err: err}
	}
	var out []*SessionMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.loadMetadataLocked(e.Name())
		if err != nil {
			s.log.Warnf("skipping unreadable session %s: %v", e.Name(), err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// LoadAllOverviews projects every session's metadata into its lightweight
// listing row without touching payload chunks.
func (s *Store) LoadAllOverviews(ctx context.Context) ([]SessionOverview, error) {
	metas, err := s.LoadAllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	overviews := make([]SessionOverview, 0, len(metas))
	for _, meta := range metas {
		overviews = append(overviews, meta.Overview())
	}
	sort.Slice(overviews, func(i, j int) bool { return overviews[i].StartTime.After(overviews[j].StartTime) })
	return overviews, nil
}

// DeleteSession removes every chunk for a session. The store does not call
// the index; callers pair this with the index removal in the same logical
// operation.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	dir, err := s.sessionDir(id)
	if err != nil {
		return err
	}
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrSessionNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return &FilesystemError{Op: "delete", Path: dir, Err: err}
	}
	return nil
}

// Begin opens a transaction accumulating chunk writes for one session.
// Nothing touches disk until Commit.
func (s *Store) Begin(sessionID string) *Tx {
	return &Tx{store: s, sessionID: sessionID}
}

func (s *Store) loadMetadataLocked(id string) (*SessionMetadata, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, &FilesystemError{Op: "read", Path: filepath.Join(dir, metadataFileName), Err: err}
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	return &meta, nil
}

func (s *Store) listChunkFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files
}

func (s *Store) readChunkFile(path string, v interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Debugf("skipping unreadable chunk file %s: %v", path, err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Debugf("skipping corrupt chunk file %s: %v", path, err)
		return false
	}
	return true
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never yields a half-written chunk. I/O faults are retried once, then
// surfaced.
func (s *Store) writeFileAtomic(path string, data []byte) error {
	err := writeAtomic(path, data)
	if err == nil {
		return nil
	}
	s.log.Warnf("write to %s failed, retrying once: %v", path, err)
	if err2 := writeAtomic(path, data); err2 != nil {
		return err2
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &FilesystemError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &FilesystemError{Op: "write temp file", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return &FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func chunkFileName(seq int) string {
	return fmt.Sprintf("%06d.json", seq)
}

// padEstimate applies the same conservative 20% padding EstimateSize uses,
// for callers that already hold the serialized bytes.
func padEstimate(n uint64) uint64 {
	return saturatingAdd(n, n/5+1)
}

func replaceSummaryRef(meta *SessionMetadata, size uint64, ts time.Time) {
	kept := meta.Chunks[:0]
	for _, ref := range meta.Chunks {
		if ref.Kind != ChunkSummary {
			kept = append(kept, ref)
		}
	}
	meta.Chunks = append(kept, ChunkRef{Kind: ChunkSummary, Seq: 0, Timestamp: ts, Size: size})
}
