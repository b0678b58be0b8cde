package worker

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

var errNoTranscript = errors.New("transcript not available")

// HandleSummarization summarizes the transcript, with the converted slides as context
// when present, stores the Summary and queues recommendations.
func (w *Workers) HandleSummarization(ctx context.Context, job *queue.Job) error {
	var msg queue.SummarizationMessage
	if err := queue.Decode(job, &msg); err != nil {
		return err
	}
	log := w.stageLogger(StageSummarization, job, msg.MetadataID).With(zap.String("message_id", msg.MessageID))

	if w.Dedup.Seen(ctx, msg.MessageID) {
		log.Info("duplicate summarization message, dropping")
		return nil
	}

	release, ok := w.lock(queue.RoutingSummarization, msg.MetadataID, log)
	if !ok {
		return nil
	}
	defer release()

	rec, err := w.fetch(ctx, msg.MetadataID, log)
	if err != nil || rec == nil {
		return err
	}
	if rec.Status != models.StatusSummarizationQueued && !resuming(job, rec.Status, models.StatusSummarizing) {
		log.Info("summarization precondition not met, skipping", zap.String("status", string(rec.Status)))
		return nil
	}
	if rec.Status == models.StatusSummarizationQueued {
		ok, err := w.Machine.Advance(ctx, rec, []models.Status{models.StatusSummarizationQueued}, models.StatusSummarizing, metadata.Update{})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := w.summarize(ctx, rec, log); err != nil {
		return err
	}
	w.Dedup.Remember(ctx, msg.MessageID)
	return nil
}

// summarize runs the stage after the SUMMARIZING transition. Errors it returns are
// persistence errors; collaborator errors are recorded on the resource.
func (w *Workers) summarize(ctx context.Context, rec *models.Metadata, log *zap.Logger) error {
	transcript, err := w.awaitTranscript(ctx, rec, log)
	if errors.Is(err, errNoTranscript) {
		return w.fail(ctx, rec, StageSummarization, err, log)
	}
	if err != nil {
		return err
	}

	result, err := w.Analyzer.Summarize(ctx, transcript, rec.AnalysisPDFURI)
	if err != nil {
		return w.failOrHalt(ctx, rec, StageSummarization, err, log)
	}

	fresh, err := w.fetch(ctx, rec.ID, log)
	if err != nil || fresh == nil {
		return err
	}
	if fresh.Status != models.StatusSummarizing {
		log.Info("summarization finished elsewhere, discarding result", zap.String("status", string(fresh.Status)))
		return nil
	}

	summary := &models.Summary{
		RecordingID: rec.ID,
		Text:        result.Summary,
		KeyPoints:   result.KeyPoints,
		Topics:      result.Topics,
		Glossary:    result.Glossary,
	}
	created, err := w.Recordings.CreateSummary(ctx, summary)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	if !created {
		log.Warn("summary already existed, reusing it", zap.String("summary_id", summary.ID))
	}
	if err := w.Recordings.SetSummaryID(ctx, rec.ID, summary.ID); err != nil {
		return fmt.Errorf("link summary: %w", err)
	}

	ok, err := w.Machine.Advance(ctx, fresh, []models.Status{models.StatusSummarizing}, models.StatusSummaryComplete,
		metadata.Update{SummaryID: metadata.String(summary.ID)})
	if err != nil || !ok {
		return err
	}
	ok, err = w.Machine.Advance(ctx, fresh, []models.Status{models.StatusSummaryComplete}, models.StatusRecommendationsQueued, metadata.Update{})
	if err != nil || !ok {
		return err
	}

	next := queue.RecommendationMessage{
		MetadataID:  rec.ID,
		MessageID:   uuid.New().String(),
		RecordingID: rec.ID,
		SummaryID:   summary.ID,
		UserID:      rec.UserID,
	}
	if err := w.Publisher.Publish(ctx, w.opts.Exchange, queue.RoutingRecommendation, next); err != nil {
		return w.fail(ctx, fresh, StageSummarization, fmt.Errorf("publish recommendation: %w", err), log)
	}
	log.Info("summary complete, recommendations queued", zap.String("summary_id", summary.ID))
	return nil
}

// awaitTranscript returns the transcript, re-reading the record a bounded number of
// times when it has not landed yet.
func (w *Workers) awaitTranscript(ctx context.Context, rec *models.Metadata, log *zap.Logger) (string, error) {
	for attempt := 0; ; attempt++ {
		if rec.TranscriptText != "" {
			return rec.TranscriptText, nil
		}
		if attempt >= w.opts.TranscriptRetries {
			return "", errNoTranscript
		}
		log.Warn("transcript empty, retrying", zap.Int("retry", attempt+1), zap.Duration("delay", w.opts.TranscriptRetryDelay))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.opts.TranscriptRetryDelay):
		}
		fresh, err := w.Store.Get(ctx, rec.ID)
		if err != nil {
			return "", fmt.Errorf("re-read transcript: %w", err)
		}
		rec.TranscriptText = fresh.TranscriptText
	}
}
