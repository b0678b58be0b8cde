package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/pkg/queue"
	"github.com/aura-lectures/backend/pkg/storage"
)

// HandleUpload moves the staged files into storage, creates the Recording and fans
// out to transcription and, unless the resource is audio-only, document conversion.
func (w *Workers) HandleUpload(ctx context.Context, job *queue.Job) error {
	var msg queue.StageMessage
	if err := queue.Decode(job, &msg); err != nil {
		return err
	}
	log := w.stageLogger(StageUpload, job, msg.MetadataID)

	release, ok := w.lock(queue.RoutingUpload, msg.MetadataID, log)
	if !ok {
		return nil
	}
	defer release()

	rec, err := w.fetch(ctx, msg.MetadataID, log)
	if err != nil || rec == nil {
		return err
	}

	switch {
	case rec.Status == models.StatusUploadPending:
	case resuming(job, rec.Status, models.StatusUploadingToStorage):
	case job.Attempt > 0 && (rec.Status == models.StatusUploaded || rec.Status == models.StatusProcessingQueued):
		// The files are stored; only the hand-off failed last time.
		return w.fanOut(ctx, job, rec, log)
	default:
		log.Info("upload precondition not met, skipping", zap.String("status", string(rec.Status)))
		return nil
	}

	if rec.Status == models.StatusUploadPending {
		ok, err := w.Machine.Advance(ctx, rec, []models.Status{models.StatusUploadPending}, models.StatusUploadingToStorage, metadata.Update{})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	cleanup := func() {
		removeTemp(rec.TempAudioPath, log)
		removeTemp(rec.TempDocumentPath, log)
	}
	audioID, docID, err := w.storeFiles(ctx, rec)
	if err != nil {
		cleanup()
		return w.fail(ctx, rec, StageUpload, err, log)
	}

	// Staged files are kept until the upload is recorded so a redelivery can redo it.
	fresh, err := w.fetch(ctx, rec.ID, log)
	if err != nil || fresh == nil {
		return err
	}
	if fresh.Status != models.StatusUploadingToStorage {
		cleanup()
		log.Info("upload finished elsewhere, discarding result", zap.String("status", string(fresh.Status)))
		return nil
	}

	u := metadata.Update{AudioFileID: metadata.String(audioID)}
	if docID != "" {
		u.DocumentFileID = metadata.String(docID)
	}
	ok, err = w.Machine.Advance(ctx, fresh, []models.Status{models.StatusUploadingToStorage}, models.StatusUploaded, u)
	if err != nil {
		return err
	}
	cleanup()
	if !ok {
		return nil
	}
	fresh.AudioFileID = audioID
	fresh.DocumentFileID = docID
	return w.fanOut(ctx, job, fresh, log)
}

func (w *Workers) storeFiles(ctx context.Context, rec *models.Metadata) (audioID, docID string, err error) {
	if rec.TempAudioPath == "" {
		return "", "", fmt.Errorf("no staged audio file")
	}
	key := storage.UploadKey(rec.UserID, rec.ID, storage.KindAudio, rec.FileName)
	if audioID, err = w.uploadFile(ctx, rec.TempAudioPath, key, rec.ContentType); err != nil {
		return "", "", fmt.Errorf("audio: %w", err)
	}
	if rec.AudioOnly {
		return audioID, "", nil
	}
	name := rec.DocumentFileName
	if name == "" {
		name = filepath.Base(rec.TempDocumentPath)
	}
	key = storage.UploadKey(rec.UserID, rec.ID, storage.KindDocument, name)
	if docID, err = w.uploadFile(ctx, rec.TempDocumentPath, key, storage.ContentTypeForFilename(name)); err != nil {
		return "", "", fmt.Errorf("document: %w", err)
	}
	return audioID, docID, nil
}

func (w *Workers) uploadFile(ctx context.Context, path, key, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(path)
	}
	return w.Storage.Upload(ctx, key, contentType, f, info.Size())
}

// fanOut is the post-upload critical section. Its failures are returned so the
// broker redelivers the upload message; on the last attempt the resource is also
// marked FAILED so it is not left stranded.
func (w *Workers) fanOut(ctx context.Context, job *queue.Job, rec *models.Metadata, log *zap.Logger) error {
	err := w.handOff(ctx, rec, log)
	if err == nil {
		return nil
	}
	if job.Attempt+1 >= w.opts.UploadMaxAttempts {
		if ferr := w.fail(ctx, rec, StageUpload, err, log); ferr != nil {
			log.Error("could not mark resource failed", zap.Error(ferr))
		}
	}
	return fmt.Errorf("post-upload hand-off: %w", err)
}

func (w *Workers) handOff(ctx context.Context, rec *models.Metadata, log *zap.Logger) error {
	if _, err := w.Recordings.CreateIfAbsent(ctx, &models.Recording{
		ID:          rec.ID,
		UserID:      rec.UserID,
		Title:       titleOf(rec.FileName),
		AudioURL:    w.Storage.PublicURL(rec.AudioFileID),
		AudioFileID: rec.AudioFileID,
	}); err != nil {
		return fmt.Errorf("create recording: %w", err)
	}

	if rec.Status == models.StatusUploaded {
		ok, err := w.Machine.Advance(ctx, rec, []models.Status{models.StatusUploaded}, models.StatusProcessingQueued, metadata.Update{})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	msg := queue.StageMessage{ResourceID: rec.ID, UserID: rec.UserID, MetadataID: rec.ID}
	if err := w.Publisher.Publish(ctx, w.opts.Exchange, queue.RoutingTranscription, msg); err != nil {
		return fmt.Errorf("publish transcription: %w", err)
	}
	if !rec.AudioOnly {
		if err := w.Publisher.Publish(ctx, w.opts.Exchange, queue.RoutingConversion, msg); err != nil {
			return fmt.Errorf("publish conversion: %w", err)
		}
	}
	log.Info("upload complete, processing queued", zap.Bool("audio_only", rec.AudioOnly))
	return nil
}

func titleOf(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}
