package index

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/entrhq/capture/pkg/logging"
	"github.com/entrhq/capture/pkg/storage"
)

// Scanner is the slice of the store the fallback path needs: a full
// metadata scan. *storage.Store satisfies it.
type Scanner interface {
	LoadAllMetadata(ctx context.Context) ([]*storage.SessionMetadata, error)
}

// Manager keeps inverted indexes over session metadata. Mutations are
// applied by a single worker goroutine, so readers observe each update
// atomically; Wait blocks until every queued mutation has landed.
type Manager struct {
	mu            sync.RWMutex
	entries       map[string]*Entry
	byToken       map[string]map[string]struct{}
	byTag         map[string]map[string]struct{}
	byCategory    map[string]map[string]struct{}
	bySubCategory map[string]map[string]struct{}
	byStatus      map[storage.Status]map[string]struct{}

	queue     chan func()
	closeOnce sync.Once

	scanner Scanner
	log     *logging.Logger
}

// NewManager builds an empty index whose fallback scans through scanner.
// Call Close when done to stop the mutation worker.
func NewManager(scanner Scanner, log *logging.Logger) *Manager {
	m := &Manager{
		entries:       make(map[string]*Entry),
		byToken:       make(map[string]map[string]struct{}),
		byTag:         make(map[string]map[string]struct{}),
		byCategory:    make(map[string]map[string]struct{}),
		bySubCategory: make(map[string]map[string]struct{}),
		byStatus:      make(map[storage.Status]map[string]struct{}),
		queue:         make(chan func(), 256),
		scanner:       scanner,
		log:           log,
	}
	go m.worker()
	return m
}

func (m *Manager) worker() {
	for fn := range m.queue {
		fn()
	}
}

// UpdateSession upserts the session's index entry. The metadata is
// projected synchronously, so the caller may mutate it after return; the
// index write itself is applied asynchronously. Calling it twice with the
// same metadata converges on the same state.
func (m *Manager) UpdateSession(meta *storage.SessionMetadata) {
	entry := entryFor(meta)
	m.schedule(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeLocked(entry.SessionID)
		m.insertLocked(entry)
	})
}

// RemoveSession drops the session from every index structure. Removing an
// absent session is a no-op.
func (m *Manager) RemoveSession(sessionID string) {
	m.schedule(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeLocked(sessionID)
	})
}

// Wait blocks until all mutations queued before the call have been applied.
// It drains by queueing a marker behind them; mutations scheduled after Wait
// returns are not covered.
func (m *Manager) Wait() {
	done := make(chan struct{})
	m.queue <- func() { close(done) }
	<-done
}

// Close waits for queued mutations and stops the worker. The manager must
// not be used after Close.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Wait()
		close(m.queue)
	})
}

func (m *Manager) schedule(fn func()) {
	m.queue <- fn
}

// BuildIndexes rebuilds the index from a full metadata snapshot in a single
// pass, replacing any previous state. The result is identical to applying
// UpdateSession per element to an empty index.
func (m *Manager) BuildIndexes(metas []*storage.SessionMetadata) {
	entries := make(map[string]*Entry, len(metas))
	byToken := make(map[string]map[string]struct{})
	byTag := make(map[string]map[string]struct{})
	byCategory := make(map[string]map[string]struct{})
	bySubCategory := make(map[string]map[string]struct{})
	byStatus := make(map[storage.Status]map[string]struct{})

	for _, meta := range metas {
		e := entryFor(meta)
		entries[e.SessionID] = e
		for _, tok := range e.Tokens {
			addPosting(byToken, tok, e.SessionID)
		}
		for _, tag := range e.Tags {
			addPosting(byTag, tag, e.SessionID)
		}
		if e.Category != "" {
			addPosting(byCategory, e.Category, e.SessionID)
		}
		if e.SubCategory != "" {
			addPosting(bySubCategory, e.SubCategory, e.SessionID)
		}
		addStatusPosting(byStatus, e.Status, e.SessionID)
	}

	// Rebuilds wait for in-flight incremental updates, then swap wholesale.
	m.Wait()
	m.mu.Lock()
	m.entries = entries
	m.byToken = byToken
	m.byTag = byTag
	m.byCategory = byCategory
	m.bySubCategory = bySubCategory
	m.byStatus = byStatus
	m.mu.Unlock()
}

func (m *Manager) insertLocked(e *Entry) {
	m.entries[e.SessionID] = e
	for _, tok := range e.Tokens {
		addPosting(m.byToken, tok, e.SessionID)
	}
	for _, tag := range e.Tags {
		addPosting(m.byTag, tag, e.SessionID)
	}
	if e.Category != "" {
		addPosting(m.byCategory, e.Category, e.SessionID)
	}
	if e.SubCategory != "" {
		addPosting(m.bySubCategory, e.SubCategory, e.SessionID)
	}
	addStatusPosting(m.byStatus, e.Status, e.SessionID)
}

func (m *Manager) removeLocked(sessionID string) {
	e, ok := m.entries[sessionID]
	if !ok {
		return
	}
	delete(m.entries, sessionID)
	for _, tok := range e.Tokens {
		dropPosting(m.byToken, tok, sessionID)
	}
	for _, tag := range e.Tags {
		dropPosting(m.byTag, tag, sessionID)
	}
	if e.Category != "" {
		dropPosting(m.byCategory, e.Category, sessionID)
	}
	if e.SubCategory != "" {
		dropPosting(m.bySubCategory, e.SubCategory, sessionID)
	}
	if set, ok := m.byStatus[e.Status]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byStatus, e.Status)
		}
	}
}

func addPosting(postings map[string]map[string]struct{}, key, sessionID string) {
	set, ok := postings[key]
	if !ok {
		set = make(map[string]struct{})
		postings[key] = set
	}
	set[sessionID] = struct{}{}
}

func addStatusPosting(postings map[storage.Status]map[string]struct{}, key storage.Status, sessionID string) {
	set, ok := postings[key]
	if !ok {
		set = make(map[string]struct{})
		postings[key] = set
	}
	set[sessionID] = struct{}{}
}

func dropPosting(postings map[string]map[string]struct{}, key, sessionID string) {
	if set, ok := postings[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(postings, key)
		}
	}
}

// Search evaluates the conjunctive query and returns matching session IDs
// newest-first (by start time). When the index paths detect an internal
// inconsistency, Search logs the degraded condition and answers from a
// linear scan of the store instead of failing the query.
func (m *Manager) Search(ctx context.Context, q Query) ([]string, error) {
	ids, err := m.searchIndex(q)
	if err != nil {
		m.log.Warnf("index unusable, answering from linear scan (degraded): %v", err)
		return m.scanFallback(ctx, q)
	}
	return ids, nil
}

func (m *Manager) searchIndex(q Query) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := m.candidateSet(q)

	var matched []*Entry
	if candidates == nil {
		for _, e := range m.entries {
			if matchEntry(e, q) {
				matched = append(matched, e)
			}
		}
	} else {
		for id := range candidates {
			e, ok := m.entries[id]
			if !ok {
				return nil, &IndexInconsistencyError{SessionID: id, Detail: "posting refers to unknown entry"}
			}
			if matchEntry(e, q) {
				matched = append(matched, e)
			}
		}
	}
	return sortAndLimit(matched, q.Limit), nil
}

// candidateSet narrows via the applicable posting lists. A nil return means
// no posting list applies and all entries are candidates.
func (m *Manager) candidateSet(q Query) map[string]struct{} {
	var candidates map[string]struct{}

	narrow := func(set map[string]struct{}) {
		if candidates == nil {
			candidates = make(map[string]struct{}, len(set))
			for id := range set {
				candidates[id] = struct{}{}
			}
			return
		}
		for id := range candidates {
			if _, ok := set[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	if q.Status != "" {
		narrow(m.byStatus[q.Status])
	}
	if q.Category != "" {
		narrow(m.byCategory[strings.ToLower(q.Category)])
	}
	if q.SubCategory != "" {
		narrow(m.bySubCategory[strings.ToLower(q.SubCategory)])
	}
	for _, tag := range q.Tags {
		narrow(m.byTag[strings.ToLower(tag)])
	}
	for _, term := range queryTerms(q.Text) {
		if term.pattern != nil {
			// Wildcard terms union every matching token's postings.
			union := make(map[string]struct{})
			for tok, set := range m.byToken {
				if term.pattern.Match(tok) {
					for id := range set {
						union[id] = struct{}{}
					}
				}
			}
			narrow(union)
			continue
		}
		narrow(m.byToken[term.literal])
	}
	return candidates
}

func (m *Manager) scanFallback(ctx context.Context, q Query) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metas, err := m.scanner.LoadAllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Entry
	for _, meta := range metas {
		e := entryFor(meta)
		if matchEntry(e, q) {
			matched = append(matched, e)
		}
	}
	return sortAndLimit(matched, q.Limit), nil
}

func sortAndLimit(matched []*Entry, limit int) []string {
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].SessionID < matched[j].SessionID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	ids := make([]string, len(matched))
	for i, e := range matched {
		ids[i] = e.SessionID
	}
	return ids
}
