package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/pkg/queue"
)

// HandleTranscription transcribes the stored audio and offers the resource to the
// completion gate.
func (w *Workers) HandleTranscription(ctx context.Context, job *queue.Job) error {
	var msg queue.StageMessage
	if err := queue.Decode(job, &msg); err != nil {
		return err
	}
	log := w.stageLogger(StageTranscription, job, msg.MetadataID)

	release, ok := w.lock(queue.RoutingTranscription, msg.MetadataID, log)
	if !ok {
		return nil
	}
	defer release()

	rec, err := w.fetch(ctx, msg.MetadataID, log)
	if err != nil || rec == nil {
		return err
	}
	if !branchOpen(job, rec, rec.TranscriptionComplete, models.StatusTranscribing) {
		if rejoining(job, rec, rec.TranscriptionComplete) {
			return w.offer(ctx, rec, log)
		}
		log.Info("transcription precondition not met, skipping",
			zap.String("status", string(rec.Status)), zap.Bool("transcription_complete", rec.TranscriptionComplete))
		return nil
	}
	if rec, err = w.enterBranch(ctx, job, rec, models.StatusTranscribing, transcriptionDone, log); err != nil || rec == nil {
		return err
	}

	text, duration, err := w.transcribe(ctx, rec, log)
	if err != nil {
		return w.failOrHalt(ctx, rec, StageTranscription, err, log)
	}

	fresh, err := w.fetch(ctx, rec.ID, log)
	if err != nil || fresh == nil {
		return err
	}
	if fresh.TranscriptionComplete || !pipeline.InParallelPhase(fresh.Status) {
		log.Info("transcription finished elsewhere, discarding result", zap.String("status", string(fresh.Status)))
		return nil
	}

	u := metadata.Update{
		TranscriptText:        metadata.String(text),
		TranscriptionComplete: metadata.Bool(true),
	}
	if duration > 0 {
		u.DurationSeconds = metadata.Int(duration)
	}
	ok, err = w.Machine.Advance(ctx, fresh,
		[]models.Status{models.StatusTranscribing, models.StatusPDFConverting, models.StatusPDFConversionComplete},
		models.StatusTranscriptionComplete, u)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if duration > 0 {
		if err := w.Recordings.SetDuration(ctx, rec.ID, duration); err != nil {
			log.Warn("record duration failed", zap.Error(err))
		}
	}
	log.Info("transcription complete", zap.Int("chars", len(text)))
	return w.offer(ctx, fresh, log)
}

func (w *Workers) transcribe(ctx context.Context, rec *models.Metadata, log *zap.Logger) (string, int, error) {
	if rec.AudioFileID == "" {
		return "", 0, fmt.Errorf("no stored audio file")
	}
	path, err := w.Storage.Download(ctx, rec.AudioFileID, w.opts.TempDir)
	if err != nil {
		return "", 0, fmt.Errorf("download audio: %w", err)
	}
	defer removeTemp(path, log)

	t, err := w.Analyzer.Transcribe(ctx, path)
	if err != nil {
		return "", 0, err
	}
	return t.Text, t.DurationSeconds, nil
}

// branchOpen is the shared precondition of the two parallel branches: the resource
// is between fan-out and the join, this branch has not completed, and no other
// delivery is working on it.
func branchOpen(job *queue.Job, rec *models.Metadata, done bool, inProgress models.Status) bool {
	if done || !pipeline.InParallelPhase(rec.Status) {
		return false
	}
	return rec.Status != inProgress || resuming(job, rec.Status, inProgress)
}

func transcriptionDone(m *models.Metadata) bool { return m.TranscriptionComplete }

func conversionDone(m *models.Metadata) bool { return m.PDFConversionComplete }

// enterBranch records that a branch is running and returns the record to work
// from, or nil when the delivery should be dropped. Once the other branch has
// completed, the status stays at its completion and the branch's flag carries the
// join instead. A lost entry write is re-checked against the stored record: the
// other branch moving the status does not close this one.
func (w *Workers) enterBranch(ctx context.Context, job *queue.Job, rec *models.Metadata, inProgress models.Status, done func(*models.Metadata) bool, log *zap.Logger) (*models.Metadata, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if rec.Status == inProgress || !pipeline.CanTransition(rec.Status, inProgress) {
			return rec, nil
		}
		ok, err := w.Machine.Advance(ctx, rec,
			[]models.Status{models.StatusProcessingQueued, models.StatusTranscribing, models.StatusPDFConverting},
			inProgress, metadata.Update{})
		if err != nil {
			return nil, err
		}
		if ok {
			return rec, nil
		}
		fresh, err := w.fetch(ctx, rec.ID, log)
		if err != nil || fresh == nil {
			return nil, err
		}
		if !branchOpen(job, fresh, done(fresh), inProgress) {
			log.Info("branch closed while entering, skipping", zap.String("status", string(fresh.Status)))
			return nil, nil
		}
		rec = fresh
	}
	// The status keeps moving under the other branch; the completion write still
	// accepts any parallel-phase status.
	return rec, nil
}

// rejoining reports whether a redelivery finds its branch already recorded while
// the resource still waits at the join. The gate failed on the earlier attempt.
func rejoining(job *queue.Job, rec *models.Metadata, done bool) bool {
	return job.Attempt > 0 && done && pipeline.InParallelPhase(rec.Status)
}

// offer hands the resource to the completion gate. A gate error marks the resource
// FAILED; when that write fails too the error goes back to the broker and the
// redelivery offers the resource again.
func (w *Workers) offer(ctx context.Context, rec *models.Metadata, log *zap.Logger) error {
	if _, err := w.Gate.TryAdvanceToSummarization(ctx, rec.ID); err != nil {
		return w.fail(ctx, rec, StageSummarization+" gate", err, log)
	}
	return nil
}
