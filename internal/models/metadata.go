package models

import "time"

// Status is the pipeline state of an uploaded resource.
type Status string

const (
	StatusUploadPending             Status = "UPLOAD_PENDING"
	StatusUploadingToStorage        Status = "UPLOADING_TO_STORAGE"
	StatusUploaded                  Status = "UPLOADED"
	StatusProcessingQueued          Status = "PROCESSING_QUEUED"
	StatusTranscribing              Status = "TRANSCRIBING"
	StatusPDFConverting             Status = "PDF_CONVERTING_API"
	StatusTranscriptionComplete     Status = "TRANSCRIPTION_COMPLETE"
	StatusPDFConversionComplete     Status = "PDF_CONVERSION_COMPLETE"
	StatusSummarizationQueued       Status = "SUMMARIZATION_QUEUED"
	StatusSummarizing               Status = "SUMMARIZING"
	StatusSummaryComplete           Status = "SUMMARY_COMPLETE"
	StatusRecommendationsQueued     Status = "RECOMMENDATIONS_QUEUED"
	StatusGeneratingRecommendations Status = "GENERATING_RECOMMENDATIONS"
	StatusComplete                  Status = "COMPLETE"
	StatusFailed                    Status = "FAILED"
	StatusHaltedUnsuitableContent   Status = "PROCESSING_HALTED_UNSUITABLE_CONTENT"
)

// Metadata is the per-resource pipeline record. Stage workers are its only writers
// until the status is terminal.
type Metadata struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Local temp files written at intake; removed by the upload worker.
	TempAudioPath    string `json:"-"`
	TempDocumentPath string `json:"-"`
	DocumentFileName string `json:"document_file_name,omitempty"`

	AudioFileID    string `json:"audio_file_id,omitempty"`
	DocumentFileID string `json:"document_file_id,omitempty"`

	TranscriptText        string `json:"transcript_text,omitempty"`
	TranscriptionComplete bool   `json:"transcription_complete"`

	GeneratedPDFURL       string `json:"generated_pdf_url,omitempty"`
	AnalysisPDFURI        string `json:"analysis_pdf_uri,omitempty"`
	PDFConversionComplete bool   `json:"pdf_conversion_complete"`

	AudioOnly bool `json:"audio_only"`

	SummaryID       string    `json:"summary_id,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ReadyForSummarization reports whether every prerequisite stage has finished.
func (m *Metadata) ReadyForSummarization() bool {
	return m.TranscriptionComplete && (m.PDFConversionComplete || m.AudioOnly)
}
