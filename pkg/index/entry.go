// Package index maintains a query-optimized projection of session metadata,
// kept in lockstep with the chunked session store without linear scans.
package index

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/gobwas/glob"

	"github.com/entrhq/capture/pkg/storage"
)

// Entry is the denormalized, queryable projection of one session's
// metadata chunk.
type Entry struct {
	SessionID   string
	Status      storage.Status
	Category    string
	SubCategory string
	Tags        []string
	Tokens      []string
	StartTime   time.Time
	EndTime     *time.Time
}

// IndexInconsistencyError reports an index whose postings disagree with its
// entries. Search treats it as a signal to fall back to a linear scan.
type IndexInconsistencyError struct {
	SessionID string
	Detail    string
}

func (e *IndexInconsistencyError) Error() string {
	return fmt.Sprintf("index: inconsistent state for session %s: %s", e.SessionID, e.Detail)
}

// Query is a conjunctive filter set: every populated field must match
// (AND semantics only).
type Query struct {
	// Text holds free-text tokens, each of which must match some indexed
	// token. Tokens may carry glob wildcards (*, ?).
	Text string

	Tags        []string
	Category    string
	SubCategory string
	Status      storage.Status

	// From/To bound the session start time. Zero values are unbounded.
	From time.Time
	To   time.Time

	// Limit truncates the result after newest-first ordering. Zero means
	// no limit.
	Limit int
}

// entryFor projects metadata into its index entry. It snapshots every field
// so later caller mutation of the metadata cannot reach into the index.
func entryFor(meta *storage.SessionMetadata) *Entry {
	e := &Entry{
		SessionID:   meta.ID,
		Status:      meta.Status,
		Category:    strings.ToLower(meta.Category),
		SubCategory: strings.ToLower(meta.SubCategory),
		StartTime:   meta.StartTime,
	}
	if meta.EndTime != nil {
		end := *meta.EndTime
		e.EndTime = &end
	}
	for _, tag := range meta.Tags {
		e.Tags = append(e.Tags, strings.ToLower(tag))
	}
	e.Tokens = Tokenize(meta.Name + " " + meta.Notes + " " + meta.Category + " " + strings.Join(meta.Tags, " "))
	return e
}

// Tokenize lowercases text and splits it into deduplicated alphanumeric
// tokens, preserving first-seen order.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// matchTerm is one free-text search term. Terms carrying glob
// metacharacters are compiled; a term that fails to compile is demoted to
// a literal.
type matchTerm struct {
	literal string
	pattern glob.Glob
}

func queryTerms(text string) []matchTerm {
	var terms []matchTerm
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if strings.ContainsAny(tok, "*?[") {
			if g, err := glob.Compile(tok); err == nil {
				terms = append(terms, matchTerm{literal: tok, pattern: g})
				continue
			}
		}
		// Literal terms are normalized the same way indexed tokens are.
		for _, t := range Tokenize(tok) {
			terms = append(terms, matchTerm{literal: t})
		}
	}
	return terms
}

func (t matchTerm) matches(token string) bool {
	if t.pattern != nil {
		return t.pattern.Match(token)
	}
	return t.literal == token
}

// matchEntry evaluates the conjunctive filter set against one entry. Both
// the index path and the linear-scan fallback route through this predicate
// so the two paths can never disagree on membership.
func matchEntry(e *Entry, q Query) bool {
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if q.Category != "" && e.Category != strings.ToLower(q.Category) {
		return false
	}
	if q.SubCategory != "" && e.SubCategory != strings.ToLower(q.SubCategory) {
		return false
	}
	for _, tag := range q.Tags {
		if !containsString(e.Tags, strings.ToLower(tag)) {
			return false
		}
	}
	if !q.From.IsZero() && e.StartTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.StartTime.After(q.To) {
		return false
	}
	for _, term := range queryTerms(q.Text) {
		matched := false
		for _, tok := range e.Tokens {
			if term.matches(tok) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
