package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/pkg/queue"
)

// ResourceStore is the metadata store as used by the intake and status API.
type ResourceStore interface {
	Store
	Create(ctx context.Context, m *models.Metadata) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]models.Metadata, error)
}

// NewResource describes an upload whose bytes are already on local disk.
type NewResource struct {
	UserID           string
	FileName         string
	ContentType      string
	AudioPath        string
	DocumentPath     string
	DocumentFileName string
}

// StatusView is the externally visible state of a resource.
type StatusView struct {
	ID                    string        `json:"id"`
	UserID                string        `json:"userId"`
	FileName              string        `json:"fileName"`
	Status                models.Status `json:"status"`
	FailureReason         string        `json:"failureReason,omitempty"`
	TranscriptionComplete bool          `json:"transcriptionComplete"`
	PDFConversionComplete bool          `json:"pdfConversionComplete"`
	AudioOnly             bool          `json:"audioOnly"`
	SummaryID             string        `json:"summaryId,omitempty"`
	LastUpdated           time.Time     `json:"lastUpdated"`
}

func viewOf(m *models.Metadata) StatusView {
	return StatusView{
		ID:                    m.ID,
		UserID:                m.UserID,
		FileName:              m.FileName,
		Status:                m.Status,
		FailureReason:         m.FailureReason,
		TranscriptionComplete: m.TranscriptionComplete,
		PDFConversionComplete: m.PDFConversionComplete,
		AudioOnly:             m.AudioOnly,
		SummaryID:             m.SummaryID,
		LastUpdated:           m.LastUpdated,
	}
}

// Service is the entry point into the pipeline for the API layer.
type Service struct {
	store     ResourceStore
	publisher Publisher
	notifier  Notifier
	exchange  string
	logger    *zap.Logger
}

// NewService creates a pipeline service.
func NewService(store ResourceStore, publisher Publisher, notifier Notifier, exchange string, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		exchange = queue.DefaultExchange
	}
	return &Service{store: store, publisher: publisher, notifier: notifier, exchange: exchange, logger: logger}
}

// CreateResource records a new upload in UPLOAD_PENDING. A resource without a
// document is audio-only for its whole life.
func (s *Service) CreateResource(ctx context.Context, in NewResource) (*models.Metadata, error) {
	m := &models.Metadata{
		ID:               uuid.New().String(),
		UserID:           in.UserID,
		FileName:         in.FileName,
		ContentType:      in.ContentType,
		Status:           models.StatusUploadPending,
		TempAudioPath:    in.AudioPath,
		TempDocumentPath: in.DocumentPath,
		DocumentFileName: in.DocumentFileName,
		AudioOnly:        in.DocumentPath == "",
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create metadata: %w", err)
	}
	s.notifier.StatusChanged(ctx, models.StatusEvent{ResourceID: m.ID, UserID: m.UserID, Status: m.Status})
	return m, nil
}

// TriggerPipeline starts processing a resource whose upload bytes are durably stored.
func (s *Service) TriggerPipeline(ctx context.Context, id string) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != models.StatusUploadPending {
		return fmt.Errorf("%w: resource %s is %s", ErrIllegalTransition, id, m.Status)
	}
	msg := queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID}
	if err := s.publisher.Publish(ctx, s.exchange, queue.RoutingUpload, msg); err != nil {
		return fmt.Errorf("publish upload: %w", err)
	}
	s.logger.Info("pipeline triggered", zap.String("resource_id", id), zap.String("user_id", m.UserID))
	return nil
}

// GetStatus returns the current status of a resource.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := viewOf(m)
	return &v, nil
}

// ListProcessing returns the user's resources that have not reached a terminal status.
func (s *Service) ListProcessing(ctx context.Context, userID string) ([]StatusView, error) {
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]StatusView, 0, len(list))
	for i := range list {
		if !IsTerminal(list[i].Status) {
			out = append(out, viewOf(&list[i]))
		}
	}
	return out, nil
}

// Remove deletes the metadata of a finished resource. Recordings are kept.
func (s *Service) Remove(ctx context.Context, id string) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !IsTerminal(m.Status) {
		return fmt.Errorf("%w: resource %s is still %s", ErrIllegalTransition, id, m.Status)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.notifier.StatusChanged(ctx, models.StatusEvent{ResourceID: id, UserID: m.UserID, Status: m.Status, FailureReason: m.FailureReason})
	return nil
}
