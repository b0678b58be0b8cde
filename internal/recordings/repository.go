package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lectures/backend/internal/models"
)

// ErrNotFound is returned when a recording or summary does not exist.
var ErrNotFound = errors.New("recording not found")

// Repository handles recording, summary and recommendation persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingColumns = `id, user_id, title, audio_url, audio_file_id, duration_seconds,
	COALESCE(summary_id,''), recommendation_ids, created_at, updated_at`

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.AudioURL, &rec.AudioFileID, &rec.DurationSeconds,
		&rec.SummaryID, &rec.RecommendationIDs, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIfAbsent inserts the recording unless one with the same ID exists. It
// reports whether a row was inserted.
func (r *Repository) CreateIfAbsent(ctx context.Context, rec *models.Recording) (bool, error) {
	const q = `INSERT INTO recordings (id, user_id, title, audio_url, audio_file_id, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, rec.ID, rec.UserID, rec.Title, rec.AudioURL, rec.AudioFileID, rec.DurationSeconds)
	if err != nil {
		return false, fmt.Errorf("insert recording: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a recording by ID.
func (r *Repository) Get(ctx context.Context, id string) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// ListByUser returns a user's recordings, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// SetDuration records the audio length once it is known.
func (r *Repository) SetDuration(ctx context.Context, id string, seconds int) error {
	const q = `UPDATE recordings SET duration_seconds = $1, updated_at = NOW() WHERE id = $2`
	return r.exec(ctx, q, seconds, id)
}

// SetSummaryID links the recording to its summary.
func (r *Repository) SetSummaryID(ctx context.Context, id, summaryID string) error {
	const q = `UPDATE recordings SET summary_id = $1, updated_at = NOW() WHERE id = $2`
	return r.exec(ctx, q, summaryID, id)
}

func (r *Repository) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSummary inserts the recording's summary. If the recording already has
// one, s is overwritten with the stored summary and false is returned.
func (r *Repository) CreateSummary(ctx context.Context, s *models.Summary) (bool, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	keyPoints, err := json.Marshal(nonNil(s.KeyPoints))
	if err != nil {
		return false, err
	}
	topics, err := json.Marshal(nonNil(s.Topics))
	if err != nil {
		return false, err
	}
	glossary, err := json.Marshal(s.Glossary)
	if err != nil {
		return false, err
	}
	const q = `INSERT INTO summaries (id, recording_id, text, key_points, topics, glossary)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recording_id) DO NOTHING
		RETURNING created_at`
	err = r.pool.QueryRow(ctx, q, s.ID, s.RecordingID, s.Text, keyPoints, topics, glossary).Scan(&s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.GetSummary(ctx, s.RecordingID)
		if err != nil {
			return false, err
		}
		*s = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}
	return true, nil
}

// GetSummary returns the summary of a recording.
func (r *Repository) GetSummary(ctx context.Context, recordingID string) (*models.Summary, error) {
	const q = `SELECT id, recording_id, text, key_points, topics, glossary, created_at
		FROM summaries WHERE recording_id = $1`
	var s models.Summary
	err := r.pool.QueryRow(ctx, q, recordingID).Scan(&s.ID, &s.RecordingID, &s.Text, &s.KeyPoints, &s.Topics, &s.Glossary, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReplaceRecommendations swaps the recording's recommendations for recs and
// stores their IDs on the recording, in one transaction.
func (r *Repository) ReplaceRecommendations(ctx context.Context, recordingID string, recs []models.Recommendation) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM recommendations WHERE recording_id = $1`, recordingID); err != nil {
		return nil, fmt.Errorf("clear recommendations: %w", err)
	}
	batch := &pgx.Batch{}
	ids := make([]string, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		rec.ID = uuid.New().String()
		rec.RecordingID = recordingID
		ids = append(ids, rec.ID)
		batch.Queue(`INSERT INTO recommendations (id, recording_id, video_id, title, url, channel, score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, recordingID, rec.VideoID, rec.Title, rec.URL, rec.Channel, rec.Score)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("insert recommendations: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `UPDATE recordings SET recommendation_ids = $1, updated_at = NOW() WHERE id = $2`, ids, recordingID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return ids, tx.Commit(ctx)
}

// ListRecommendations returns a recording's recommendations, best first.
func (r *Repository) ListRecommendations(ctx context.Context, recordingID string) ([]models.Recommendation, error) {
	const q = `SELECT id, recording_id, video_id, title, url, channel, score, created_at
		FROM recommendations WHERE recording_id = $1 ORDER BY score DESC, video_id`
	rows, err := r.pool.Query(ctx, q, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recommendation
	for rows.Next() {
		var rec models.Recommendation
		if err := rows.Scan(&rec.ID, &rec.RecordingID, &rec.VideoID, &rec.Title, &rec.URL, &rec.Channel, &rec.Score, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
