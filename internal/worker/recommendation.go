package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/pkg/queue"
)

// HandleRecommendation stores related videos for the summary and completes the
// pipeline.
func (w *Workers) HandleRecommendation(ctx context.Context, job *queue.Job) error {
	var msg queue.RecommendationMessage
	if err := queue.Decode(job, &msg); err != nil {
		return err
	}
	log := w.stageLogger(StageRecommendation, job, msg.MetadataID).With(zap.String("message_id", msg.MessageID))

	if msg.MessageID != "" && w.Dedup.Seen(ctx, msg.MessageID) {
		log.Info("duplicate recommendation message, dropping")
		return nil
	}

	release, ok := w.lock(queue.RoutingRecommendation, msg.MetadataID, log)
	if !ok {
		return nil
	}
	defer release()

	rec, err := w.fetch(ctx, msg.MetadataID, log)
	if err != nil || rec == nil {
		return err
	}
	if rec.Status != models.StatusRecommendationsQueued && !resuming(job, rec.Status, models.StatusGeneratingRecommendations) {
		log.Info("recommendation precondition not met, skipping", zap.String("status", string(rec.Status)))
		return nil
	}
	if rec.Status == models.StatusRecommendationsQueued {
		ok, err := w.Machine.Advance(ctx, rec, []models.Status{models.StatusRecommendationsQueued}, models.StatusGeneratingRecommendations, metadata.Update{})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := w.recommend(ctx, rec, msg.RecordingID, log); err != nil {
		return err
	}
	if msg.MessageID != "" {
		w.Dedup.Remember(ctx, msg.MessageID)
	}
	return nil
}

func (w *Workers) recommend(ctx context.Context, rec *models.Metadata, recordingID string, log *zap.Logger) error {
	summary, err := w.Recordings.GetSummary(ctx, recordingID)
	if err != nil {
		log.Error("summary missing for recommendations", zap.Bool("manual_intervention", true), zap.Error(err))
		return w.fail(ctx, rec, StageRecommendation, fmt.Errorf("load summary: %w", err), log)
	}
	recs, err := w.Recommender.Recommend(ctx, summary)
	if err != nil {
		return w.fail(ctx, rec, StageRecommendation, err, log)
	}

	fresh, err := w.fetch(ctx, rec.ID, log)
	if err != nil || fresh == nil {
		return err
	}
	if fresh.Status != models.StatusGeneratingRecommendations {
		log.Info("recommendations finished elsewhere, discarding result", zap.String("status", string(fresh.Status)))
		return nil
	}

	ids, err := w.Recordings.ReplaceRecommendations(ctx, recordingID, recs)
	if err != nil {
		return fmt.Errorf("store recommendations: %w", err)
	}
	ok, err := w.Machine.Advance(ctx, fresh, []models.Status{models.StatusGeneratingRecommendations}, models.StatusComplete, metadata.Update{})
	if err != nil || !ok {
		return err
	}
	log.Info("pipeline complete", zap.Int("recommendations", len(ids)))
	return nil
}
