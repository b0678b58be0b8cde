package models

import (
	"time"
)

// Recording is created once the audio is durably stored. It outlives the metadata record.
type Recording struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Title             string    `json:"title"`
	AudioURL          string    `json:"audio_url"`
	AudioFileID       string    `json:"audio_file_id"`
	DurationSeconds   int       `json:"duration_seconds"`
	SummaryID         string    `json:"summary_id,omitempty"`
	RecommendationIDs []string  `json:"recommendation_ids"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GlossaryEntry is one term extracted from a recording.
type GlossaryEntry struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// Summary is one-to-one with a Recording.
type Summary struct {
	ID          string          `json:"id"`
	RecordingID string          `json:"recording_id"`
	Text        string          `json:"text"`
	KeyPoints   []string        `json:"key_points"`
	Topics      []string        `json:"topics"`
	Glossary    []GlossaryEntry `json:"glossary"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Recommendation points at an external video related to a recording.
type Recommendation struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recording_id"`
	VideoID     string    `json:"video_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Channel     string    `json:"channel,omitempty"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}
