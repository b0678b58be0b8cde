package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
)

// Store is the metadata store as seen by the pipeline.
type Store interface {
	Get(ctx context.Context, id string) (*models.Metadata, error)
	SetFields(ctx context.Context, id string, u metadata.Update) error
	Transition(ctx context.Context, id string, from []models.Status, to models.Status, u metadata.Update) (bool, error)
}

// Publisher sends a payload to the queue bound to routingKey on exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload any) error
}

// Notifier is told about every status change, e.g. to evict read caches.
type Notifier interface {
	StatusChanged(ctx context.Context, ev models.StatusEvent)
}

type nopNotifier struct{}

func (nopNotifier) StatusChanged(context.Context, models.StatusEvent) {}

// Machine applies status transitions against the store. Every write is conditional on
// the stored status, so a worker acting on a stale read loses the race instead of
// overwriting a newer state.
type Machine struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewMachine creates a Machine. notifier may be nil.
func NewMachine(store Store, notifier Notifier, logger *zap.Logger) *Machine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, notifier: notifier, logger: logger}
}

// Advance moves rec to `to` if its locally read status is one of expected and the
// stored status still is. It returns false, without error, when either check fails.
// On success rec.Status is updated.
func (m *Machine) Advance(ctx context.Context, rec *models.Metadata, expected []models.Status, to models.Status, u metadata.Update) (bool, error) {
	if !containsStatus(expected, rec.Status) || !CanTransition(rec.Status, to) {
		m.logger.Debug("transition skipped",
			zap.String("resource_id", rec.ID), zap.String("status", string(rec.Status)), zap.String("to", string(to)))
		return false, nil
	}
	from := make([]models.Status, 0, len(expected))
	for _, s := range expected {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	ok, err := m.store.Transition(ctx, rec.ID, from, to, u)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", rec.Status, to, err)
	}
	if !ok {
		m.logger.Info("transition lost race",
			zap.String("resource_id", rec.ID), zap.String("status", string(rec.Status)), zap.String("to", string(to)))
		return false, nil
	}
	rec.Status = to
	m.notifier.StatusChanged(ctx, models.StatusEvent{ResourceID: rec.ID, UserID: rec.UserID, Status: to})
	return true, nil
}

// Fail moves the resource to FAILED from any non-terminal status.
func (m *Machine) Fail(ctx context.Context, id, userID, reason string) (bool, error) {
	return m.terminate(ctx, id, userID, models.StatusFailed, reason)
}

// Halt stops the pipeline because the content cannot be processed. The reason goes
// into failureReason as well, so the status API shows why processing stopped.
func (m *Machine) Halt(ctx context.Context, id, userID, reason string) (bool, error) {
	return m.terminate(ctx, id, userID, models.StatusHaltedUnsuitableContent, reason)
}

func (m *Machine) terminate(ctx context.Context, id, userID string, to models.Status, reason string) (bool, error) {
	ok, err := m.store.Transition(ctx, id, Predecessors(to), to, metadata.Update{FailureReason: metadata.String(reason)})
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", to, err)
	}
	if ok {
		m.notifier.StatusChanged(ctx, models.StatusEvent{ResourceID: id, UserID: userID, Status: to, FailureReason: reason})
	}
	return ok, nil
}

// Notify forwards an event for a change made outside Advance, such as a field update
// that read-side caches display.
func (m *Machine) Notify(ctx context.Context, rec *models.Metadata) {
	m.notifier.StatusChanged(ctx, models.StatusEvent{ResourceID: rec.ID, UserID: rec.UserID, Status: rec.Status, FailureReason: rec.FailureReason})
}

func containsStatus(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
