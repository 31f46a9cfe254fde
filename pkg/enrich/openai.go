package enrich

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/capture/pkg/storage"
)

const defaultModel = "gpt-4o"

// OpenAISummarizer summarizes sessions through an OpenAI-compatible chat
// completion API.
type OpenAISummarizer struct {
	client openai.Client
	model  string
}

// NewOpenAISummarizer builds the API-backed summarizer. The API key falls
// back to OPENAI_API_KEY when not supplied via WithAPIKey; construction
// fails without one.
func NewOpenAISummarizer(opts ...Option) (*OpenAISummarizer, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.apiKey == "" {
		s.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if s.apiKey == "" {
		return nil, fmt.Errorf("enrich: OpenAI API key is required (provide WithAPIKey or set OPENAI_API_KEY)")
	}
	if s.model == "" {
		s.model = defaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(s.apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	return &OpenAISummarizer{
		client: openai.NewClient(reqOpts...),
		model:  s.model,
	}, nil
}

func (o *OpenAISummarizer) Name() string {
	return "openai/" + o.model
}

func (o *OpenAISummarizer) Summarize(ctx context.Context, meta *storage.SessionMetadata, transcripts []string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You summarize screen-capture sessions. Reply with a short paragraph covering what the user worked on, in plain prose."),
			openai.UserMessage(buildPrompt(meta, transcripts)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("enrich: completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("enrich: completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("enrich: completion returned empty content")
	}
	return text, nil
}

func buildPrompt(meta *storage.SessionMetadata, transcripts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", meta.Name)
	if meta.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", meta.Category)
	}
	if len(meta.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(meta.Tags, ", "))
	}
	if meta.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", meta.Notes)
	}
	fmt.Fprintf(&b, "Started: %s\n", meta.StartTime.Format("2006-01-02 15:04 MST"))
	if len(transcripts) > 0 {
		b.WriteString("\nTranscript:\n")
		for _, t := range transcripts {
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	return b.String()
}
