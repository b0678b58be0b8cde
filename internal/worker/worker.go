// Package worker implements the five pipeline stage consumers. Every handler follows
// the same protocol: parse, lock, re-fetch, check the status precondition, move to the
// in-progress status, do the work, re-fetch, persist and advance, hand off, release.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/analysis"
	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/pkg/queue"
)

// Stage names, used in lock keys, log fields and failure reasons.
const (
	StageUpload         = "upload"
	StageTranscription  = "transcription"
	StageConversion     = "document conversion"
	StageSummarization  = "summarization"
	StageRecommendation = "recommendation"
)

// Storage is the object store holding uploaded files.
type Storage interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	Download(ctx context.Context, fileID, dir string) (string, error)
	PublicURL(fileID string) string
}

// Analyzer transcribes and summarizes.
type Analyzer interface {
	Transcribe(ctx context.Context, audioPath string) (*analysis.Transcript, error)
	AttachDocument(ctx context.Context, pdfPath string) (string, error)
	Summarize(ctx context.Context, transcript, docURI string) (*analysis.SummaryResult, error)
}

// Converter turns slide decks into PDFs.
type Converter interface {
	Convert(ctx context.Context, sourceURL string) (string, error)
	Fetch(ctx context.Context, pdfURL, dir string) (string, error)
}

// Recommender finds related videos for a summary.
type Recommender interface {
	Recommend(ctx context.Context, summary *models.Summary) ([]models.Recommendation, error)
}

// Recordings persists the artifacts the pipeline produces.
type Recordings interface {
	CreateIfAbsent(ctx context.Context, rec *models.Recording) (bool, error)
	SetDuration(ctx context.Context, id string, seconds int) error
	SetSummaryID(ctx context.Context, id, summaryID string) error
	CreateSummary(ctx context.Context, s *models.Summary) (bool, error)
	GetSummary(ctx context.Context, recordingID string) (*models.Summary, error)
	ReplaceRecommendations(ctx context.Context, recordingID string, recs []models.Recommendation) ([]string, error)
}

// Consumer subscribes a handler to one queue.
type Consumer interface {
	Consume(ctx context.Context, exchange, routingKey string, opts queue.ConsumerOptions, h queue.Handler)
}

// Deps are the collaborators shared by the stage workers.
type Deps struct {
	Store       pipeline.Store
	Machine     *pipeline.Machine
	Locks       *pipeline.LockManager
	Gate        *pipeline.Gate
	Dedup       pipeline.Deduper
	Publisher   pipeline.Publisher
	Recordings  Recordings
	Storage     Storage
	Analyzer    Analyzer
	Converter   Converter
	Recommender Recommender
}

// Options tunes the workers.
type Options struct {
	Exchange string
	TempDir  string
	// TranscriptRetries bounds how often summarization re-reads a record whose
	// transcript has not landed yet.
	TranscriptRetries    int
	TranscriptRetryDelay time.Duration
	// UploadMaxAttempts must match the upload queue's MaxAttempts; the last
	// attempt marks the resource FAILED before giving up.
	UploadMaxAttempts int
}

// Workers hosts the stage handlers.
type Workers struct {
	Deps
	opts   Options
	logger *zap.Logger
}

// New creates the stage workers.
func New(deps Deps, opts Options, logger *zap.Logger) *Workers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Exchange == "" {
		opts.Exchange = queue.DefaultExchange
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.TranscriptRetries < 0 {
		opts.TranscriptRetries = 0
	}
	if opts.UploadMaxAttempts <= 0 {
		opts.UploadMaxAttempts = 1
	}
	return &Workers{Deps: deps, opts: opts, logger: logger}
}

// Run consumes every stage queue until ctx is done.
func (w *Workers) Run(ctx context.Context, c Consumer, opts map[string]queue.ConsumerOptions) {
	handlers := map[string]queue.Handler{
		queue.RoutingUpload:         w.HandleUpload,
		queue.RoutingTranscription:  w.HandleTranscription,
		queue.RoutingConversion:     w.HandleConversion,
		queue.RoutingSummarization:  w.HandleSummarization,
		queue.RoutingRecommendation: w.HandleRecommendation,
	}
	var wg sync.WaitGroup
	for key, h := range handlers {
		wg.Add(1)
		go func(key string, h queue.Handler) {
			defer wg.Done()
			c.Consume(ctx, w.opts.Exchange, key, opts[key], h)
		}(key, h)
	}
	wg.Wait()
}

func lockKey(stage, id string) string { return stage + ":" + id }

// lock takes the stage lock for id without waiting. A busy lock means another
// consumer is handling the same resource and stage, so the delivery is dropped.
func (w *Workers) lock(stage, id string, log *zap.Logger) (release func(), ok bool) {
	key := lockKey(stage, id)
	if !w.Locks.TryAcquire(key) {
		log.Info("resource busy, dropping delivery")
		return nil, false
	}
	return func() { w.Locks.Release(key) }, true
}

// fetch re-reads the record. A missing record mid-pipeline needs an operator, so
// it is logged loudly and the delivery is dropped. Other errors are returned for
// redelivery.
func (w *Workers) fetch(ctx context.Context, id string, log *zap.Logger) (*models.Metadata, error) {
	rec, err := w.Store.Get(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		log.Error("metadata record missing", zap.Bool("manual_intervention", true))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	return rec, nil
}

// fail marks the resource FAILED and swallows cause. Only a failure to record the
// failure is returned, so the broker retries the write.
func (w *Workers) fail(ctx context.Context, rec *models.Metadata, stage string, cause error, log *zap.Logger) error {
	reason := fmt.Sprintf("%s failed: %v", stage, cause)
	log.Error("stage failed", zap.Error(cause))
	if _, err := w.Machine.Fail(ctx, rec.ID, rec.UserID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// halt stops the pipeline for content the analysis service refuses.
func (w *Workers) halt(ctx context.Context, rec *models.Metadata, stage string, cause error, log *zap.Logger) error {
	reason := fmt.Sprintf("%s halted: %v", stage, cause)
	log.Warn("content unsuitable, halting pipeline", zap.Error(cause))
	if _, err := w.Machine.Halt(ctx, rec.ID, rec.UserID, reason); err != nil {
		return fmt.Errorf("mark halted: %w", err)
	}
	return nil
}

// failOrHalt routes an analysis error to halt or fail.
func (w *Workers) failOrHalt(ctx context.Context, rec *models.Metadata, stage string, cause error, log *zap.Logger) error {
	if errors.Is(cause, analysis.ErrUnsuitableContent) {
		return w.halt(ctx, rec, stage, cause, log)
	}
	return w.fail(ctx, rec, stage, cause, log)
}

// resuming reports whether a delivery may pick up a resource left in the stage's
// own in-progress status. Only redeliveries of a failed attempt may; a fresh
// message seeing that status is a duplicate of work in flight.
func resuming(job *queue.Job, status, inProgress models.Status) bool {
	return status == inProgress && job.Attempt > 0
}

func (w *Workers) stageLogger(stage string, job *queue.Job, id string) *zap.Logger {
	return w.logger.With(
		zap.String("stage", stage),
		zap.String("resource_id", id),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)
}

func removeTemp(path string, log *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove temp file failed", zap.String("path", path), zap.Error(err))
	}
}
