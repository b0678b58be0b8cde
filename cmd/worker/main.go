// Package main runs the pipeline stage workers: upload, transcription, document
// conversion, summarization and recommendation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-lectures/backend/config"
	"github.com/aura-lectures/backend/internal/analysis"
	"github.com/aura-lectures/backend/internal/conversion"
	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/notify"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/internal/recommend"
	"github.com/aura-lectures/backend/internal/recordings"
	"github.com/aura-lectures/backend/internal/worker"
	"github.com/aura-lectures/backend/pkg/database"
	"github.com/aura-lectures/backend/pkg/queue"
	"github.com/aura-lectures/backend/pkg/redis"
	"github.com/aura-lectures/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Bucket:               cfg.AWS.Bucket,
		Endpoint:             cfg.AWS.Endpoint,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	gemini, err := analysis.NewGemini(ctx, analysis.Config{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
	}, logger)
	if err != nil {
		logger.Fatal("gemini", zap.Error(err))
	}
	defer gemini.Close()

	searcher, err := recommend.NewYouTubeSearcher(ctx, cfg.YouTube.APIKey)
	if err != nil {
		logger.Fatal("youtube", zap.Error(err))
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dedup pipeline.Deduper
	switch cfg.Pipeline.DedupBackend {
	case "redis":
		dedup = pipeline.NewRedisDedup(rdb.Client, cfg.Pipeline.DedupTTL, logger)
	default:
		cache := pipeline.NewDedupCache(cfg.Pipeline.DedupTTL, logger)
		go cache.Run(workerCtx, cfg.Pipeline.DedupSweepInterval)
		dedup = cache
	}

	store := metadata.NewPostgresStore(pool)
	notifier := notify.NewCacheInvalidator(rdb.Client, cfg.Cache.TTL, logger)
	broker := queue.NewBroker(rdb.Client, logger)
	machine := pipeline.NewMachine(store, notifier, logger)
	locks := pipeline.NewLockManager()
	gate := pipeline.NewGate(store, machine, locks, broker, cfg.Pipeline.Exchange, cfg.Pipeline.GateLockWait, logger)

	workers := worker.New(worker.Deps{
		Store:       store,
		Machine:     machine,
		Locks:       locks,
		Gate:        gate,
		Dedup:       dedup,
		Publisher:   broker,
		Recordings:  recordings.NewRepository(pool),
		Storage:     s3Client,
		Analyzer:    gemini,
		Converter:   conversion.NewClient(cfg.Conversion.Endpoint, cfg.Conversion.APIKey, cfg.Conversion.Timeout, logger),
		Recommender: recommend.NewRecommender(searcher, int64(cfg.YouTube.PerTopic), cfg.YouTube.MaxResults, logger),
	}, worker.Options{
		Exchange:             cfg.Pipeline.Exchange,
		TempDir:              cfg.Pipeline.TempDir,
		TranscriptRetries:    cfg.Pipeline.TranscriptRetries,
		TranscriptRetryDelay: cfg.Pipeline.TranscriptRetryDelay,
		UploadMaxAttempts:    cfg.Pipeline.UploadMaxAttempts,
	}, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		workers.Run(workerCtx, broker, consumerOptions(cfg.Pipeline))
	}()
	logger.Info("worker started",
		zap.String("exchange", cfg.Pipeline.Exchange),
		zap.String("dedup_backend", cfg.Pipeline.DedupBackend),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not stop in time")
	}
	logger.Info("worker stopped")
}

func consumerOptions(p config.PipelineConfig) map[string]queue.ConsumerOptions {
	stage := queue.ConsumerOptions{
		Concurrency: p.Concurrency,
		MaxAttempts: p.StageMaxAttempts,
		Backoff:     p.RetryBackoff,
	}
	upload := stage
	upload.MaxAttempts = p.UploadMaxAttempts
	return map[string]queue.ConsumerOptions{
		queue.RoutingUpload:         upload,
		queue.RoutingTranscription:  stage,
		queue.RoutingConversion:     stage,
		queue.RoutingSummarization:  stage,
		queue.RoutingRecommendation: stage,
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
