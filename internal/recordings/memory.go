package recordings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-lectures/backend/internal/models"
)

// MemoryRepository is an in-process Repository used by tests and local runs.
type MemoryRepository struct {
	mu              sync.Mutex
	recordings      map[string]models.Recording
	summaries       map[string]models.Summary
	recommendations map[string][]models.Recommendation
	summaryInserts  int
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		recordings:      make(map[string]models.Recording),
		summaries:       make(map[string]models.Summary),
		recommendations: make(map[string][]models.Recommendation),
	}
}

func (r *MemoryRepository) CreateIfAbsent(_ context.Context, rec *models.Recording) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recordings[rec.ID]; ok {
		return false, nil
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if rec.RecommendationIDs == nil {
		rec.RecommendationIDs = []string{}
	}
	r.recordings[rec.ID] = *rec
	return true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recordings[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.RecommendationIDs = append([]string(nil), rec.RecommendationIDs...)
	return &rec, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string) ([]models.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []models.Recording
	for _, rec := range r.recordings {
		if rec.UserID == userID {
			list = append(list, rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (r *MemoryRepository) update(id string, fn func(*models.Recording)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recordings[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = time.Now()
	r.recordings[id] = rec
	return nil
}

func (r *MemoryRepository) SetDuration(_ context.Context, id string, seconds int) error {
	return r.update(id, func(rec *models.Recording) { rec.DurationSeconds = seconds })
}

func (r *MemoryRepository) SetSummaryID(_ context.Context, id, summaryID string) error {
	return r.update(id, func(rec *models.Recording) { rec.SummaryID = summaryID })
}

func (r *MemoryRepository) CreateSummary(_ context.Context, s *models.Summary) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.summaries[s.RecordingID]; ok {
		*s = existing
		return false, nil
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = time.Now()
	r.summaries[s.RecordingID] = *s
	r.summaryInserts++
	return true, nil
}

func (r *MemoryRepository) GetSummary(_ context.Context, recordingID string) (*models.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[recordingID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) ReplaceRecommendations(_ context.Context, recordingID string, recs []models.Recommendation) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recordings[recordingID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(recs))
	stored := make([]models.Recommendation, 0, len(recs))
	for _, c := range recs {
		c.ID = uuid.New().String()
		c.RecordingID = recordingID
		c.CreatedAt = time.Now()
		ids = append(ids, c.ID)
		stored = append(stored, c)
	}
	r.recommendations[recordingID] = stored
	rec.RecommendationIDs = ids
	rec.UpdatedAt = time.Now()
	r.recordings[recordingID] = rec
	return append([]string(nil), ids...), nil
}

func (r *MemoryRepository) ListRecommendations(_ context.Context, recordingID string) ([]models.Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Recommendation(nil), r.recommendations[recordingID]...), nil
}

// SummaryInserts reports how many summaries were actually created.
func (r *MemoryRepository) SummaryInserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryInserts
}
