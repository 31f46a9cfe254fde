// Package enrich generates post-session summaries from captured metadata
// and audio transcripts.
package enrich

import (
	"context"
	"fmt"

	"github.com/entrhq/capture/pkg/storage"
)

// Summarizer produces a human-readable summary of a finished session.
type Summarizer interface {
	// Summarize returns summary text for the session. transcripts holds the
	// decoded audio transcript segments in capture order and may be empty.
	Summarize(ctx context.Context, meta *storage.SessionMetadata, transcripts []string) (string, error)

	// Name identifies the backend, recorded in Summary.GeneratedBy.
	Name() string
}

// New selects a summarizer backend by name. An empty backend selects the
// keyword summarizer, which needs no credentials or network.
func New(backend string, opts ...Option) (Summarizer, error) {
	switch backend {
	case "", "keyword":
		return NewKeywordSummarizer(), nil
	case "openai":
		return NewOpenAISummarizer(opts...)
	default:
		return nil, fmt.Errorf("enrich: unknown summarizer backend %q", backend)
	}
}

// Option configures backend construction.
type Option func(*settings)

type settings struct {
	apiKey  string
	baseURL string
	model   string
}

// WithAPIKey sets the API key for backends that need one.
func WithAPIKey(key string) Option {
	return func(s *settings) {
		s.apiKey = key
	}
}

// WithBaseURL points an API-backed summarizer at a compatible endpoint,
// such as a local model server.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(s *settings) {
		s.model = model
	}
}
