package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/capture/pkg/logging"
)

// fakeGuard approves or refuses every check, counting calls so tests can
// assert the check-before-write discipline.
type fakeGuard struct {
	refuse    bool
	available uint64
	checks    int
}

func (g *fakeGuard) CheckSpace(path string, required uint64) error {
	g.checks++
	if g.refuse {
		return &InsufficientSpaceError{Path: path, Available: g.available, Required: required}
	}
	return nil
}

func (g *fakeGuard) GetSpaceInfo(path string) (SpaceInfo, error) {
	return SpaceInfo{Path: path, Total: g.available * 2, Available: g.available}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeGuard) {
	t.Helper()
	guard := &fakeGuard{available: 64 * 1024 * 1024}
	store, err := NewStore(t.TempDir(), guard, logging.Discard("storage"))
	require.NoError(t, err)
	return store, guard
}

func testConfig() CaptureConfig {
	return CaptureConfig{Screenshots: true, Audio: true, Quality: QualityMedium}
}

func TestSaveAndLoadMetadata(t *testing.T) {
	store, guard := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("standup recap", testConfig())
	meta.Category = "work"
	meta.Tags = []string{"meeting", "daily"}
	require.NoError(t, store.SaveMetadata(ctx, meta))
	assert.Equal(t, 1, guard.checks, "save must consult the guard exactly once")

	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, loaded.Metadata.ID)
	assert.Equal(t, "standup recap", loaded.Metadata.Name)
	assert.Equal(t, StatusActive, loaded.Metadata.Status)
	assert.Equal(t, []string{"meeting", "daily"}, loaded.Metadata.Tags)
}

func TestSaveMetadataRefusedOnInsufficientSpace(t *testing.T) {
	store, guard := newTestStore(t)
	guard.refuse = true

	meta := NewSession("doomed", testConfig())
	err := store.SaveMetadata(context.Background(), meta)

	var insufficient *InsufficientSpaceError
	require.ErrorAs(t, err, &insufficient)

	// Zero writes: the session directory must not exist.
	dir, _ := store.sessionDir(meta.ID)
	_, statErr := os.Stat(dir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no partial data may land on refusal")
}

func TestSaveMetadataValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var validation *ValidationError

	err := store.SaveMetadata(ctx, &SessionMetadata{ID: "", Status: StatusActive})
	require.ErrorAs(t, err, &validation)

	err = store.SaveMetadata(ctx, &SessionMetadata{ID: "../escape", Status: StatusActive})
	require.ErrorAs(t, err, &validation)
}

func TestAppendScreenshotAssignsSequenceAndRef(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))

	for i := 0; i < 3; i++ {
		err := store.AppendScreenshot(ctx, meta.ID, &ScreenshotChunk{Payload: []byte("frame")})
		require.NoError(t, err)
	}
	require.NoError(t, store.AppendAudioSegment(ctx, meta.ID, &AudioSegmentChunk{
		Payload: []byte("pcm"), DurationSeconds: 5,
	}))

	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Screenshots, 3)
	require.Len(t, loaded.Audio, 1)
	for i, shot := range loaded.Screenshots {
		assert.Equal(t, i, shot.Seq)
		assert.NotEmpty(t, shot.ID)
		assert.Equal(t, meta.ID, shot.SessionID)
	}

	// Metadata chunk refs must agree with the persisted chunk set.
	assert.Equal(t, 3, loaded.Metadata.chunkCount(ChunkScreenshot))
	assert.Equal(t, 1, loaded.Metadata.chunkCount(ChunkAudioSegment))

	overview := loaded.Metadata.Overview()
	assert.Equal(t, 3, overview.ScreenshotCount)
	assert.Equal(t, 1, overview.AudioSegmentCount)
}

func TestAppendToMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.AppendScreenshot(context.Background(), "nope", &ScreenshotChunk{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendRefusedLeavesNoOrphanChunk(t *testing.T) {
	store, guard := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))

	guard.refuse = true
	err := store.AppendScreenshot(ctx, meta.ID, &ScreenshotChunk{Payload: []byte("frame")})
	var insufficient *InsufficientSpaceError
	require.ErrorAs(t, err, &insufficient)

	guard.refuse = false
	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Screenshots)
	assert.Equal(t, 0, loaded.Metadata.chunkCount(ChunkScreenshot))
}

func TestSaveSummary(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))

	sum := &Summary{Text: "Worked on the parser rewrite.", GeneratedBy: "keyword"}
	require.NoError(t, store.SaveSummary(ctx, meta.ID, sum))

	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Summary)
	assert.Equal(t, "Worked on the parser rewrite.", loaded.Summary.Text)
	assert.Equal(t, meta.ID, loaded.Summary.SessionID)
	assert.True(t, loaded.Metadata.Overview().HasSummary)

	// Saving again replaces the summary ref instead of accumulating.
	require.NoError(t, store.SaveSummary(ctx, meta.ID, &Summary{Text: "Rewritten.", GeneratedBy: "keyword"}))
	loaded, err = store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rewritten.", loaded.Summary.Text)
	assert.Equal(t, 1, loaded.Metadata.chunkCount(ChunkSummary))
}

func TestSaveSummaryMetadataFailureLeavesNoOrphan(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))

	// Block the metadata rewrite by squatting on its temp path with a
	// non-empty directory; both write attempts fail with EISDIR.
	dir, err := store.sessionDir(meta.ID)
	require.NoError(t, err)
	tmp := filepath.Join(dir, metadataFileName+".tmp")
	require.NoError(t, os.Mkdir(tmp, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "squatter"), []byte("x"), 0o600))

	err = store.SaveSummary(ctx, meta.ID, &Summary{Text: "half-written", GeneratedBy: "keyword"})
	var fsErr *FilesystemError
	require.ErrorAs(t, err, &fsErr)

	// The summary chunk must not survive unrecorded.
	_, statErr := os.Stat(filepath.Join(dir, summaryFileName))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "orphan summary chunk left behind")

	require.NoError(t, os.RemoveAll(tmp))
	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Summary)
	assert.Equal(t, 0, loaded.Metadata.chunkCount(ChunkSummary))
}

func TestStaleCallerCannotOrphanChunkRefs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))
	require.NoError(t, store.AppendScreenshot(ctx, meta.ID, &ScreenshotChunk{Payload: []byte("frame")}))

	// A caller re-saving a stale copy (empty Chunks) must not drop the
	// committed ref.
	stale := NewSession("capture", testConfig())
	stale.ID = meta.ID
	require.NoError(t, store.SaveMetadata(ctx, stale))

	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Metadata.chunkCount(ChunkScreenshot))
}

func TestLoadAllMetadataSkipsCorruptSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	good := NewSession("good", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, good))

	// Plant a session directory with garbage metadata.
	badDir := filepath.Join(store.Root(), sessionsDirName, "bad-session")
	require.NoError(t, os.MkdirAll(badDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, metadataFileName), []byte("{not json"), 0o600))

	metas, err := store.LoadAllMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, good.ID, metas[0].ID)
}

func TestLoadSessionSkipsCorruptChunks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))
	require.NoError(t, store.AppendScreenshot(ctx, meta.ID, &ScreenshotChunk{Payload: []byte("ok")}))

	dir, err := store.sessionDir(meta.ID)
	require.NoError(t, err)
	corrupt := filepath.Join(dir, screenshotsDirName, "999999.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("��garbage"), 0o600))

	loaded, err := store.LoadSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Screenshots, 1)
}

func TestDeleteSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := NewSession("capture", testConfig())
	require.NoError(t, store.SaveMetadata(ctx, meta))
	require.NoError(t, store.AppendScreenshot(ctx, meta.ID, &ScreenshotChunk{Payload: []byte("frame")}))

	require.NoError(t, store.DeleteSession(ctx, meta.ID))

	_, err := store.LoadSession(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, store.DeleteSession(ctx, meta.ID), ErrSessionNotFound)
}

func TestLoadAllOverviewsSortedNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	older := NewSession("older", testConfig())
	older.StartTime = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	newer := NewSession("newer", testConfig())
	newer.StartTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveMetadata(ctx, older))
	require.NoError(t, store.SaveMetadata(ctx, newer))

	overviews, err := store.LoadAllOverviews(ctx)
	require.NoError(t, err)
	require.Len(t, overviews, 2)
	assert.Equal(t, "newer", overviews[0].Name)
	assert.Equal(t, "older", overviews[1].Name)
}

func TestEstimateSizeOverestimates(t *testing.T) {
	meta := NewSession("estimate", testConfig())

	est, err := EstimateSize(meta)
	require.NoError(t, err)

	// The estimate must exceed the raw serialized length.
	raw, merr := json.Marshal(meta)
	require.NoError(t, merr)
	assert.Greater(t, est, uint64(len(raw)))
}
