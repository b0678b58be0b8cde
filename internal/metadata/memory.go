package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aura-lectures/backend/internal/models"
)

// MemoryStore is a process-local Store. Each call is atomic, which makes Transition a
// true compare-and-swap on the status field.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.Metadata
	history map[string][]models.Status
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.Metadata),
		history: make(map[string][]models.Status),
		now:     time.Now,
	}
}

// Create inserts m. An existing record with the same ID is replaced.
func (s *MemoryStore) Create(_ context.Context, m *models.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := *m
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUpdated = now
	s.records[rec.ID] = rec
	s.history[rec.ID] = []models.Status{rec.Status}
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SetFields applies u to the record.
func (s *MemoryStore) SetFields(_ context.Context, id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	u.Apply(&rec, s.now())
	s.records[id] = rec
	return nil
}

// Transition sets the status to `to` and applies u only if the stored status is one of from.
func (s *MemoryStore) Transition(_ context.Context, id string, from []models.Status, to models.Status, u Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if !containsStatus(from, rec.Status) {
		return false, nil
	}
	rec.Status = to
	u.Apply(&rec, s.now())
	s.records[id] = rec
	s.history[id] = append(s.history[id], to)
	return true, nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// ListByUser returns the user's records, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]models.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Metadata
	for _, rec := range s.records {
		if rec.UserID == userID {
			list = append(list, rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// History returns every status the record has held, in order.
func (s *MemoryStore) History(id string) []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Status(nil), s.history[id]...)
}

func containsStatus(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
