package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/entrhq/capture/pkg/storage"
)

// stopwords excluded from keyword ranking. Intentionally small; the goal is
// a usable offline summary, not NLP.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "with": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "it": {},
	"this": {}, "that": {}, "i": {}, "you": {}, "we": {}, "they": {},
	"at": {}, "as": {}, "so": {}, "um": {}, "uh": {}, "like": {},
}

const maxKeywords = 8

// KeywordSummarizer produces a deterministic offline summary from session
// metadata and transcript word frequency.
type KeywordSummarizer struct{}

func NewKeywordSummarizer() *KeywordSummarizer {
	return &KeywordSummarizer{}
}

func (k *KeywordSummarizer) Name() string {
	return "keyword"
}

func (k *KeywordSummarizer) Summarize(_ context.Context, meta *storage.SessionMetadata, transcripts []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %q", meta.Name)
	if meta.Category != "" {
		fmt.Fprintf(&b, " (%s)", meta.Category)
	}
	fmt.Fprintf(&b, " started %s", meta.StartTime.Format("2006-01-02 15:04"))
	if meta.EndTime != nil {
		dur := meta.EndTime.Sub(meta.StartTime).Round(time.Second)
		fmt.Fprintf(&b, " and ran for %s", dur)
	}
	b.WriteString(".")

	streams := meta.Config.EnabledStreams()
	if len(streams) > 0 {
		names := make([]string, len(streams))
		for i, s := range streams {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, " Captured streams: %s.", strings.Join(names, ", "))
	}

	if keywords := topKeywords(transcripts, maxKeywords); len(keywords) > 0 {
		fmt.Fprintf(&b, " Frequent transcript topics: %s.", strings.Join(keywords, ", "))
	}
	return b.String(), nil
}

// topKeywords ranks transcript words by frequency, breaking ties
// alphabetically so identical input always yields identical output.
func topKeywords(transcripts []string, limit int) []string {
	counts := make(map[string]int)
	for _, t := range transcripts {
		words := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len(w) < 3 {
				continue
			}
			if _, skip := stopwords[w]; skip {
				continue
			}
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}
