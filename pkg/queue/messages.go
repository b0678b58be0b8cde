package queue

import (
	"encoding/json"
	"fmt"
)

// Routing keys, one queue per pipeline stage.
const (
	RoutingUpload         = "upload"
	RoutingTranscription  = "transcription"
	RoutingConversion     = "conversion"
	RoutingSummarization  = "summarization"
	RoutingRecommendation = "recommendation"
)

// StageMessage triggers the upload, transcription and conversion stages.
type StageMessage struct {
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
	MetadataID string `json:"metadataId"`
}

// Validate reports missing fields.
func (m StageMessage) Validate() error {
	if m.ResourceID == "" || m.MetadataID == "" || m.UserID == "" {
		return fmt.Errorf("%w: resourceId, userId and metadataId are required", ErrMalformed)
	}
	return nil
}

// SummarizationMessage is published once by the completion gate.
type SummarizationMessage struct {
	MetadataID string `json:"metadataId"`
	MessageID  string `json:"messageId"`
}

// Validate reports missing fields.
func (m SummarizationMessage) Validate() error {
	if m.MetadataID == "" || m.MessageID == "" {
		return fmt.Errorf("%w: metadataId and messageId are required", ErrMalformed)
	}
	return nil
}

// RecommendationMessage is published by the summarization stage.
type RecommendationMessage struct {
	MetadataID  string `json:"metadataId"`
	MessageID   string `json:"messageId"`
	RecordingID string `json:"recordingId"`
	SummaryID   string `json:"summaryId"`
	UserID      string `json:"userId"`
}

// Validate reports missing fields.
func (m RecommendationMessage) Validate() error {
	if m.MetadataID == "" || m.RecordingID == "" || m.SummaryID == "" {
		return fmt.Errorf("%w: metadataId, recordingId and summaryId are required", ErrMalformed)
	}
	return nil
}

// Decode unmarshals a job payload into v, tagging failures as malformed.
func Decode(job *Job, v interface{ Validate() error }) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v.Validate()
}
