package index

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/capture/pkg/logging"
	"github.com/entrhq/capture/pkg/storage"
)

type fakeScanner struct {
	metas []*storage.SessionMetadata
	err   error
	calls int
}

func (f *fakeScanner) LoadAllMetadata(_ context.Context) ([]*storage.SessionMetadata, error) {
	f.calls++
	return f.metas, f.err
}

func newTestManager(t *testing.T, scanner *fakeScanner) *Manager {
	t.Helper()
	if scanner == nil {
		scanner = &fakeScanner{}
	}
	m := NewManager(scanner, logging.Discard("index"))
	t.Cleanup(m.Close)
	return m
}

func metaFixture(name string, start time.Time) *storage.SessionMetadata {
	meta := storage.NewSession(name, storage.CaptureConfig{Screenshots: true, Quality: storage.QualityMedium})
	meta.StartTime = start
	return meta
}

func TestUpdateSessionIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)

	meta := metaFixture("standup notes", time.Now().UTC())
	meta.Tags = []string{"Work", "daily"}
	m.UpdateSession(meta)
	m.UpdateSession(meta)
	m.Wait()

	ids, err := m.Search(context.Background(), Query{Tags: []string{"work"}})
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, ids, "duplicate updates must not produce duplicate results")

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.entries, 1)
	assert.Len(t, m.byTag["work"], 1)
}

func TestUpdateReplacesStaleFields(t *testing.T) {
	m := newTestManager(t, nil)

	meta := metaFixture("browser research", time.Now().UTC())
	meta.Tags = []string{"alpha"}
	meta.Category = "research"
	m.UpdateSession(meta)

	meta.Tags = []string{"beta"}
	meta.Category = "archive"
	meta.Status = storage.StatusCompleted
	m.UpdateSession(meta)
	m.Wait()

	ctx := context.Background()

	ids, err := m.Search(ctx, Query{Tags: []string{"alpha"}})
	require.NoError(t, err)
	assert.Empty(t, ids, "old tag must be gone after update")

	ids, err = m.Search(ctx, Query{Tags: []string{"beta"}, Category: "archive", Status: storage.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, ids)
}

func TestRemoveSessionDropsAllPostings(t *testing.T) {
	m := newTestManager(t, nil)

	meta := metaFixture("delete me", time.Now().UTC())
	meta.Tags = []string{"gone"}
	m.UpdateSession(meta)
	m.RemoveSession(meta.ID)
	m.Wait()

	ids, err := m.Search(context.Background(), Query{Text: "delete"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	m.mu.RLock()
	assert.Empty(t, m.entries)
	assert.Empty(t, m.byTag)
	assert.Empty(t, m.byToken)
	m.mu.RUnlock()

	// Removing an unknown session is a no-op, not an error.
	m.RemoveSession("never-indexed")
	m.Wait()
}

func TestClearingFieldsIsNotRemoval(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	cleared := metaFixture("nameless", time.Now().UTC())
	cleared.Name = ""
	cleared.Tags = nil
	cleared.Category = ""
	m.UpdateSession(cleared)

	removed := metaFixture("about to vanish", time.Now().UTC())
	m.UpdateSession(removed)
	m.RemoveSession(removed.ID)
	m.Wait()

	// A session with everything blanked is still findable by status; a
	// removed one is not findable at all.
	ids, err := m.Search(ctx, Query{Status: storage.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, []string{cleared.ID}, ids)

	ids, err = m.Search(ctx, Query{Text: "vanish"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBuildIndexesMatchesIncrementalUpdates(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var metas []*storage.SessionMetadata
	for i := 0; i < 5; i++ {
		meta := metaFixture(fmt.Sprintf("session %d coding", i), base.Add(time.Duration(i)*time.Hour))
		meta.Tags = []string{fmt.Sprintf("tag%d", i%2)}
		metas = append(metas, meta)
	}

	incremental := newTestManager(t, nil)
	for _, meta := range metas {
		incremental.UpdateSession(meta)
	}
	incremental.Wait()

	bulk := newTestManager(t, nil)
	bulk.BuildIndexes(metas)

	for _, q := range []Query{
		{},
		{Text: "coding"},
		{Tags: []string{"tag0"}},
		{Tags: []string{"tag1"}, Text: "session"},
	} {
		want, err := incremental.Search(context.Background(), q)
		require.NoError(t, err)
		got, err := bulk.Search(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, want, got, "bulk rebuild must be equivalent for %+v", q)
	}
}

func TestSearchConjunctionAndOrdering(t *testing.T) {
	m := newTestManager(t, nil)
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	older := metaFixture("api design review", base)
	older.Tags = []string{"work"}
	older.Category = "engineering"

	newer := metaFixture("api incident review", base.Add(2*time.Hour))
	newer.Tags = []string{"work", "urgent"}
	newer.Category = "engineering"

	other := metaFixture("guitar practice", base.Add(time.Hour))
	other.Category = "hobby"

	for _, meta := range []*storage.SessionMetadata{older, newer, other} {
		m.UpdateSession(meta)
	}
	m.Wait()
	ctx := context.Background()

	ids, err := m.Search(ctx, Query{Text: "api review", Category: "engineering"})
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID, older.ID}, ids, "results are newest-first")

	ids, err = m.Search(ctx, Query{Text: "api", Tags: []string{"urgent"}})
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID}, ids, "filters are conjunctive")

	ids, err = m.Search(ctx, Query{Text: "api", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID}, ids)

	ids, err = m.Search(ctx, Query{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, ids)

	ids, err = m.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID, other.ID, older.ID}, ids, "empty query lists everything newest-first")
}

func TestSearchWildcardTokens(t *testing.T) {
	m := newTestManager(t, nil)
	now := time.Now().UTC()

	debug := metaFixture("debugging the scheduler", now)
	deploy := metaFixture("deploy checklist", now.Add(time.Minute))
	lunch := metaFixture("lunch break", now.Add(2*time.Minute))
	for _, meta := range []*storage.SessionMetadata{debug, deploy, lunch} {
		m.UpdateSession(meta)
	}
	m.Wait()

	ids, err := m.Search(context.Background(), Query{Text: "de*"})
	require.NoError(t, err)
	assert.Equal(t, []string{deploy.ID, debug.ID}, ids, "both de-prefixed sessions match, newest first")

	ids, err = m.Search(context.Background(), Query{Text: "schedule?"})
	require.NoError(t, err)
	assert.Equal(t, []string{debug.ID}, ids)
}

func TestInconsistentIndexFallsBackToScan(t *testing.T) {
	meta := metaFixture("fallback target", time.Now().UTC())
	meta.Tags = []string{"keep"}
	scanner := &fakeScanner{metas: []*storage.SessionMetadata{meta}}
	m := newTestManager(t, scanner)

	m.UpdateSession(meta)
	m.Wait()

	// Break the invariant: posting survives while the entry is gone.
	m.mu.Lock()
	delete(m.entries, meta.ID)
	m.mu.Unlock()

	ids, err := m.Search(context.Background(), Query{Tags: []string{"keep"}})
	require.NoError(t, err, "inconsistency degrades, it does not fail the query")
	assert.Equal(t, []string{meta.ID}, ids)
	assert.Equal(t, 1, scanner.calls, "answer came from the store scan")
}

func TestFallbackScanFailurePropagates(t *testing.T) {
	meta := metaFixture("doomed", time.Now().UTC())
	scanner := &fakeScanner{err: errors.New("disk detached")}
	m := newTestManager(t, scanner)

	m.UpdateSession(meta)
	m.Wait()
	m.mu.Lock()
	delete(m.entries, meta.ID)
	m.mu.Unlock()

	_, err := m.Search(context.Background(), Query{Text: "doomed"})
	require.Error(t, err)
}

func TestWaitObservesQueuedUpdates(t *testing.T) {
	m := newTestManager(t, nil)

	var want []string
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		meta := metaFixture("burst session", base.Add(time.Duration(i)*time.Second))
		want = append([]string{meta.ID}, want...)
		m.UpdateSession(meta)
	}
	m.Wait()

	ids, err := m.Search(context.Background(), Query{Text: "burst"})
	require.NoError(t, err)
	assert.Equal(t, want, ids, "after Wait every queued update is visible")
}

func TestConcurrentWaitAndUpdate(t *testing.T) {
	m := newTestManager(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				meta := metaFixture(fmt.Sprintf("burst %d-%d", i, j), time.Now().UTC())
				m.UpdateSession(meta)
				m.Wait()
			}
		}()
	}
	wg.Wait()

	m.Wait()
	ids, err := m.Search(context.Background(), Query{Text: "burst"})
	require.NoError(t, err)
	assert.Len(t, ids, 160)
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Fix the API, fix the api-client!")
	want := []string{"fix", "the", "api", "client"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	if len(Tokenize("  \t ")) != 0 {
		t.Fatal("whitespace-only input should yield no tokens")
	}
}
