package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/pkg/queue"
)

// gateLockPrefix keeps gate evaluations off the resource lock, which the calling
// stage worker still holds.
const gateLockPrefix = "gate:"

// Gate joins the transcription and document-conversion branches. Both branches call it
// when they finish; it queues summarization exactly once, when every prerequisite is met.
type Gate struct {
	store     Store
	machine   *Machine
	locks     *LockManager
	publisher Publisher
	exchange  string
	lockWait  time.Duration
	logger    *zap.Logger
}

// NewGate creates a completion gate. lockWait bounds the blocking lock acquire;
// zero waits as long as ctx allows.
func NewGate(store Store, machine *Machine, locks *LockManager, publisher Publisher, exchange string, lockWait time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		exchange = queue.DefaultExchange
	}
	return &Gate{
		store:     store,
		machine:   machine,
		locks:     locks,
		publisher: publisher,
		exchange:  exchange,
		lockWait:  lockWait,
		logger:    logger,
	}
}

// TryAdvanceToSummarization queues summarization for id if it is ready and nobody has
// done so yet. It reports whether this call published the summarization message.
func (g *Gate) TryAdvanceToSummarization(ctx context.Context, id string) (bool, error) {
	lockCtx := ctx
	if g.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, g.lockWait)
		defer cancel()
	}
	if err := g.locks.Acquire(lockCtx, gateLockPrefix+id); err != nil {
		return false, fmt.Errorf("acquire gate lock: %w", err)
	}
	defer g.locks.Release(gateLockPrefix + id)

	rec, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			g.logger.Error("resource vanished before summarization gate",
				zap.String("resource_id", id), zap.Bool("manual_intervention", true))
		}
		return false, fmt.Errorf("gate fetch metadata: %w", err)
	}

	log := g.logger.With(zap.String("resource_id", id), zap.String("status", string(rec.Status)))
	if SummarizationStarted(rec.Status) {
		log.Info("summarization already queued")
		return false, nil
	}
	if IsTerminal(rec.Status) {
		log.Info("gate skipped for terminal resource")
		return false, nil
	}
	if !rec.ReadyForSummarization() {
		log.Info("gate deferred",
			zap.Bool("transcription_complete", rec.TranscriptionComplete),
			zap.Bool("pdf_conversion_complete", rec.PDFConversionComplete),
			zap.Bool("audio_only", rec.AudioOnly))
		return false, nil
	}

	ok, err := g.machine.Advance(ctx, rec,
		[]models.Status{models.StatusTranscriptionComplete, models.StatusPDFConversionComplete},
		models.StatusSummarizationQueued, metadata.Update{})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	msg := queue.SummarizationMessage{MetadataID: id, MessageID: uuid.New().String()}
	if err := g.publisher.Publish(ctx, g.exchange, queue.RoutingSummarization, msg); err != nil {
		return false, fmt.Errorf("publish summarization: %w", err)
	}
	log.Info("summarization queued", zap.String("message_id", msg.MessageID))
	return true, nil
}
