package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status recorded in a session's metadata chunk.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// StreamKind identifies one independent capture stream.
type StreamKind string

const (
	StreamScreenshot StreamKind = "screenshot"
	StreamAudio      StreamKind = "audio"
	StreamVideo      StreamKind = "video"
)

// ChunkKind identifies one independently persisted unit of session data.
type ChunkKind string

const (
	ChunkMetadata     ChunkKind = "metadata"
	ChunkSummary      ChunkKind = "summary"
	ChunkScreenshot   ChunkKind = "screenshot"
	ChunkAudioSegment ChunkKind = "audio_segment"
)

// QualityPreset is a capture quality profile.
type QualityPreset struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

var (
	// QualityLow is 480p @ 15fps (small files, good for long sessions).
	QualityLow = QualityPreset{Width: 854, Height: 480, FPS: 15}
	// QualityMedium is 720p @ 15fps, the default balance.
	QualityMedium = QualityPreset{Width: 1280, Height: 720, FPS: 15}
	// QualityHigh is 1080p @ 30fps.
	QualityHigh = QualityPreset{Width: 1920, Height: 1080, FPS: 30}
	// QualityUltra is 1440p @ 30fps.
	QualityUltra = QualityPreset{Width: 2560, Height: 1440, FPS: 30}
)

// CaptureConfig declares which streams a session records and at what
// quality.
type CaptureConfig struct {
	Screenshots bool          `json:"screenshots"`
	Audio       bool          `json:"audio"`
	Video       bool          `json:"video"`
	Quality     QualityPreset `json:"quality"`
}

// EnabledStreams lists the streams this configuration turns on, in a
// stable order.
func (c CaptureConfig) EnabledStreams() []StreamKind {
	var streams []StreamKind
	if c.Screenshots {
		streams = append(streams, StreamScreenshot)
	}
	if c.Audio {
		streams = append(streams, StreamAudio)
	}
	if c.Video {
		streams = append(streams, StreamVideo)
	}
	return streams
}

// Enabled reports whether a single stream is turned on.
func (c CaptureConfig) Enabled(kind StreamKind) bool {
	switch kind {
	case StreamScreenshot:
		return c.Screenshots
	case StreamAudio:
		return c.Audio
	case StreamVideo:
		return c.Video
	}
	return false
}

// ChunkRef records one committed chunk in the session's metadata, keeping
// the metadata chunk and the persisted chunk set consistent.
type ChunkRef struct {
	Kind      ChunkKind `json:"kind"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Size      uint64    `json:"size"`
}

// VideoRef points at the externally produced video artifact for a session.
type VideoRef struct {
	Path            string  `json:"path"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// SessionMetadata is the authoritative metadata chunk for one session.
type SessionMetadata struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Category    string        `json:"category,omitempty"`
	SubCategory string        `json:"subCategory,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	Config      CaptureConfig `json:"config"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	Duration    float64       `json:"durationSeconds,omitempty"`
	Video       *VideoRef     `json:"video,omitempty"`
	Chunks      []ChunkRef    `json:"chunks,omitempty"`
}

// NewSession creates metadata for a freshly started session.
func NewSession(name string, cfg CaptureConfig) *SessionMetadata {
	return &SessionMetadata{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusActive,
		Config:    cfg,
		StartTime: time.Now().UTC(),
	}
}

// Validate rejects metadata the store cannot safely persist. Session ids
// become directory names, so path separators are refused outright.
func (m *SessionMetadata) Validate() error {
	if m == nil {
		return &ValidationError{Field: "metadata", Reason: "nil"}
	}
	if m.ID == "" {
		return &ValidationError{Field: "session id", Reason: "empty"}
	}
	if strings.ContainsAny(m.ID, "/\\") || m.ID == "." || m.ID == ".." {
		return &ValidationError{Field: "session id", Reason: "contains path separator"}
	}
	if m.Status == "" {
		return &ValidationError{Field: "status", Reason: "empty"}
	}
	return nil
}

// chunkCount tallies committed refs of one kind.
func (m *SessionMetadata) chunkCount(kind ChunkKind) int {
	n := 0
	for _, ref := range m.Chunks {
		if ref.Kind == kind {
			n++
		}
	}
	return n
}

// nextSeq returns the next sequence number for a chunk kind.
func (m *SessionMetadata) nextSeq(kind ChunkKind) int {
	next := 0
	for _, ref := range m.Chunks {
		if ref.Kind == kind && ref.Seq >= next {
			next = ref.Seq + 1
		}
	}
	return next
}

// Summary is the authoritative summary chunk for one session.
type Summary struct {
	SessionID   string    `json:"sessionId"`
	Text        string    `json:"text"`
	GeneratedBy string    `json:"generatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ScreenshotChunk is one independently appendable screenshot frame.
type ScreenshotChunk struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Seq          int       `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	RelativeTime float64   `json:"relativeTime,omitempty"`
	Payload      []byte    `json:"payload"`
}

// AudioSegmentChunk is one independently appendable audio segment.
type AudioSegmentChunk struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	Seq             int       `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	Payload         []byte    `json:"payload"`
}

// Session is a fully loaded session: the metadata chunk plus every data
// chunk that survived on disk.
type Session struct {
	Metadata    *SessionMetadata
	Summary     *Summary
	Screenshots []*ScreenshotChunk
	Audio       []*AudioSegmentChunk
}

// SessionOverview is a lightweight listing row derived from the metadata
// chunk alone, without reading any payload chunks.
type SessionOverview struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	Category          string     `json:"category,omitempty"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	Duration          float64    `json:"durationSeconds,omitempty"`
	ScreenshotCount   int        `json:"screenshotCount"`
	AudioSegmentCount int        `json:"audioSegmentCount"`
	HasVideo          bool       `json:"hasVideo"`
	HasSummary        bool       `json:"hasSummary"`
	HasNotes          bool       `json:"hasNotes"`
}

// Overview projects metadata into its listing row.
func (m *SessionMetadata) Overview() SessionOverview {
	return SessionOverview{
		ID:                m.ID,
		Name:              m.Name,
		Status:            m.Status,
		Category:          m.Category,
		StartTime:         m.StartTime,
		EndTime:           m.EndTime,
		Duration:          m.Duration,
		ScreenshotCount:   m.chunkCount(ChunkScreenshot),
		AudioSegmentCount: m.chunkCount(ChunkAudioSegment),
		HasVideo:          m.Video != nil,
		HasSummary:        m.chunkCount(ChunkSummary) > 0,
		HasNotes:          m.Notes != "",
	}
}
