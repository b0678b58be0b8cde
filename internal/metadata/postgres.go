package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lectures/backend/internal/models"
)

const selectColumns = `id, user_id, file_name, content_type, status, COALESCE(failure_reason,''),
	COALESCE(temp_audio_path,''), COALESCE(temp_document_path,''), COALESCE(document_file_name,''),
	COALESCE(audio_file_id,''), COALESCE(document_file_id,''),
	COALESCE(transcript_text,''), transcription_complete,
	COALESCE(generated_pdf_url,''), COALESCE(analysis_pdf_uri,''), pdf_conversion_complete,
	audio_only, COALESCE(summary_id,''), duration_seconds, created_at, last_updated`

// PostgresStore keeps metadata records in the resource_metadata table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a metadata store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanMetadata(row pgx.Row) (*models.Metadata, error) {
	var m models.Metadata
	var status string
	err := row.Scan(&m.ID, &m.UserID, &m.FileName, &m.ContentType, &status, &m.FailureReason,
		&m.TempAudioPath, &m.TempDocumentPath, &m.DocumentFileName,
		&m.AudioFileID, &m.DocumentFileID,
		&m.TranscriptText, &m.TranscriptionComplete,
		&m.GeneratedPDFURL, &m.AnalysisPDFURI, &m.PDFConversionComplete,
		&m.AudioOnly, &m.SummaryID, &m.DurationSeconds, &m.CreatedAt, &m.LastUpdated)
	if err != nil {
		return nil, err
	}
	m.Status = models.Status(status)
	return &m, nil
}

// Create inserts a new record.
func (s *PostgresStore) Create(ctx context.Context, m *models.Metadata) error {
	const q = `INSERT INTO resource_metadata (id, user_id, file_name, content_type, status,
			temp_audio_path, temp_document_path, document_file_name, audio_only)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, last_updated`
	return s.pool.QueryRow(ctx, q, m.ID, m.UserID, m.FileName, m.ContentType, string(m.Status),
		m.TempAudioPath, m.TempDocumentPath, m.DocumentFileName, m.AudioOnly).
		Scan(&m.CreatedAt, &m.LastUpdated)
}

// Get returns the record for id or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Metadata, error) {
	q := `SELECT ` + selectColumns + ` FROM resource_metadata WHERE id = $1`
	m, err := scanMetadata(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return m, nil
}

// SetFields applies a partial update.
func (s *PostgresStore) SetFields(ctx context.Context, id string, u Update) error {
	sets, args := u.assignments()
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE resource_metadata SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set metadata fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition moves the record to `to` only when its current status is in from.
// It returns false when the condition did not hold.
func (s *PostgresStore) Transition(ctx context.Context, id string, from []models.Status, to models.Status, u Update) (bool, error) {
	sets, args := u.assignments()
	args = append(args, string(to))
	sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	expected := make([]string, len(from))
	for i, st := range from {
		expected[i] = string(st)
	}
	args = append(args, id, expected)
	q := fmt.Sprintf(`UPDATE resource_metadata SET %s WHERE id = $%d AND status = ANY($%d)`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition metadata: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes the record.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM resource_metadata WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns a user's records, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]models.Metadata, error) {
	q := `SELECT ` + selectColumns + ` FROM resource_metadata WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()
	var list []models.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// assignments renders u as SET clauses with positional args starting at $1.
func (u Update) assignments() ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.FailureReason != nil {
		add("failure_reason", *u.FailureReason)
	}
	if u.TempAudioPath != nil {
		add("temp_audio_path", *u.TempAudioPath)
	}
	if u.TempDocumentPath != nil {
		add("temp_document_path", *u.TempDocumentPath)
	}
	if u.AudioFileID != nil {
		add("audio_file_id", *u.AudioFileID)
	}
	if u.DocumentFileID != nil {
		add("document_file_id", *u.DocumentFileID)
	}
	if u.TranscriptText != nil {
		add("transcript_text", *u.TranscriptText)
	}
	if u.TranscriptionComplete != nil && *u.TranscriptionComplete {
		sets = append(sets, "transcription_complete = TRUE")
	}
	if u.GeneratedPDFURL != nil {
		add("generated_pdf_url", *u.GeneratedPDFURL)
	}
	if u.AnalysisPDFURI != nil {
		add("analysis_pdf_uri", *u.AnalysisPDFURI)
	}
	if u.PDFConversionComplete != nil && *u.PDFConversionComplete {
		sets = append(sets, "pdf_conversion_complete = TRUE")
	}
	if u.SummaryID != nil {
		add("summary_id", *u.SummaryID)
	}
	if u.DurationSeconds != nil {
		add("duration_seconds", *u.DurationSeconds)
	}
	sets = append(sets, "last_updated = NOW()")
	return sets, args
}
