// Package metadata persists the per-resource pipeline record.
package metadata

import (
	"errors"
	"time"

	"github.com/aura-lectures/backend/internal/models"
)

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = errors.New("metadata not found")

// Update is a partial write. Nil fields are left untouched. Completion flags are only
// ever raised: a false value is ignored. AudioOnly is fixed at creation and has no field here.
type Update struct {
	FailureReason *string

	TempAudioPath    *string
	TempDocumentPath *string

	AudioFileID    *string
	DocumentFileID *string

	TranscriptText        *string
	TranscriptionComplete *bool

	GeneratedPDFURL       *string
	AnalysisPDFURI        *string
	PDFConversionComplete *bool

	SummaryID       *string
	DurationSeconds *int
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Apply writes u onto m in place.
func (u Update) Apply(m *models.Metadata, now time.Time) {
	if u.FailureReason != nil {
		m.FailureReason = *u.FailureReason
	}
	if u.TempAudioPath != nil {
		m.TempAudioPath = *u.TempAudioPath
	}
	if u.TempDocumentPath != nil {
		m.TempDocumentPath = *u.TempDocumentPath
	}
	if u.AudioFileID != nil {
		m.AudioFileID = *u.AudioFileID
	}
	if u.DocumentFileID != nil {
		m.DocumentFileID = *u.DocumentFileID
	}
	if u.TranscriptText != nil {
		m.TranscriptText = *u.TranscriptText
	}
	if u.TranscriptionComplete != nil && *u.TranscriptionComplete {
		m.TranscriptionComplete = true
	}
	if u.GeneratedPDFURL != nil {
		m.GeneratedPDFURL = *u.GeneratedPDFURL
	}
	if u.AnalysisPDFURI != nil {
		m.AnalysisPDFURI = *u.AnalysisPDFURI
	}
	if u.PDFConversionComplete != nil && *u.PDFConversionComplete {
		m.PDFConversionComplete = true
	}
	if u.SummaryID != nil {
		m.SummaryID = *u.SummaryID
	}
	if u.DurationSeconds != nil {
		m.DurationSeconds = *u.DurationSeconds
	}
	m.LastUpdated = now
}
