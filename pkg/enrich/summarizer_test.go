package enrich

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/capture/pkg/storage"
)

func TestNewSelectsBackend(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "keyword", s.Name())

	s, err = New("keyword")
	require.NoError(t, err)
	assert.Equal(t, "keyword", s.Name())

	s, err = New("openai", WithAPIKey("test-key"), WithModel("gpt-4o-mini"))
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", s.Name())

	_, err = New("telepathy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAISummarizer()
	require.Error(t, err)
}

func TestKeywordSummaryIsDeterministic(t *testing.T) {
	meta := storage.NewSession("debugging the indexer", storage.CaptureConfig{
		Screenshots: true,
		Audio:       true,
		Quality:     storage.QualityHigh,
	})
	meta.Category = "engineering"
	meta.StartTime = time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC)
	end := meta.StartTime.Add(25 * time.Minute)
	meta.EndTime = &end

	transcripts := []string{
		"okay so the indexer keeps dropping postings",
		"the postings map and the indexer disagree again",
		"rebuild fixed the postings",
	}

	k := NewKeywordSummarizer()
	first, err := k.Summarize(context.Background(), meta, transcripts)
	require.NoError(t, err)
	second, err := k.Summarize(context.Background(), meta, transcripts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Contains(t, first, "debugging the indexer")
	assert.Contains(t, first, "engineering")
	assert.Contains(t, first, "25m0s")
	assert.Contains(t, first, "screenshot, audio")
	assert.Contains(t, first, "postings", "most frequent transcript word is surfaced")
}

func TestKeywordSummaryWithoutTranscripts(t *testing.T) {
	meta := storage.NewSession("silent capture", storage.CaptureConfig{Screenshots: true, Quality: storage.QualityLow})

	out, err := NewKeywordSummarizer().Summarize(context.Background(), meta, nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "transcript topics")
}

func TestTopKeywordsRankingAndTies(t *testing.T) {
	got := topKeywords([]string{"zebra zebra apple apple mango", "the the the of of"}, 2)
	// apple and zebra tie at 2; alphabetical order breaks the tie.
	assert.Equal(t, []string{"apple", "zebra"}, got)

	assert.Empty(t, topKeywords(nil, 5))
	assert.Empty(t, topKeywords([]string{"a an to of"}, 5), "stopwords and short words are ignored")
}

func TestBuildPromptCarriesContext(t *testing.T) {
	meta := storage.NewSession("quarterly planning", storage.CaptureConfig{Audio: true, Quality: storage.QualityMedium})
	meta.Tags = []string{"planning", "q3"}
	meta.Notes = "budget discussion"

	prompt := buildPrompt(meta, []string{"we should cut the cloud bill"})
	for _, want := range []string{"quarterly planning", "planning, q3", "budget discussion", "cloud bill"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
