// Package queue is a topic-style message broker over Redis lists: every
// (exchange, routing key) pair is one durable list that a stage consumes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultExchange is the exchange every pipeline stage publishes on.
	DefaultExchange = "pipeline"
	// DefaultBackoff is the delay before a failed delivery is put back on its queue.
	DefaultBackoff = 5 * time.Second

	dlqSuffix  = ":dlq"
	popTimeout = 5 * time.Second
)

// ErrMalformed marks a message that can never be processed. The broker drops it
// instead of redelivering.
var ErrMalformed = errors.New("malformed message")

// Job is the envelope stored on a queue.
type Job struct {
	ID         string          `json:"id"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Handler processes one delivery. Returning an error wrapping ErrMalformed drops the
// job; any other error redelivers it while the consumer has attempts left.
type Handler func(ctx context.Context, job *Job) error

// ConsumerOptions sets the parallelism and retry limits of one queue.
type ConsumerOptions struct {
	Concurrency int
	// MaxAttempts is the total number of deliveries, first one included.
	MaxAttempts int
	Backoff     time.Duration
}

// Broker publishes to and consumes from Redis-backed queues.
type Broker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewBroker creates a broker on client.
func NewBroker(client *redis.Client, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, logger: logger}
}

// QueueKey returns the Redis list bound to exchange and routingKey.
func QueueKey(exchange, routingKey string) string {
	return exchange + ":" + routingKey
}

// Publish wraps payload in a Job and appends it to the bound queue.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Payload:    body,
		CreatedAt:  time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.client.RPush(ctx, QueueKey(exchange, routingKey), raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	b.logger.Debug("published", zap.String("job_id", job.ID), zap.String("routing_key", routingKey))
	return nil
}

// Consume runs opts.Concurrency consumers on the queue until ctx is done.
func (b *Broker) Consume(ctx context.Context, exchange, routingKey string, opts ConsumerOptions, h Handler) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	key := QueueKey(exchange, routingKey)
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, key, opts, h)
		}()
	}
	b.logger.Info("consumer started", zap.String("queue", key), zap.Int("concurrency", opts.Concurrency))
	wg.Wait()
	b.logger.Info("consumer stopped", zap.String("queue", key))
}

func (b *Broker) consumeLoop(ctx context.Context, key string, opts ConsumerOptions, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := b.dequeue(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("dequeue error", zap.String("queue", key), zap.Error(err))
			sleep(ctx, opts.Backoff)
			continue
		}
		if job == nil {
			continue
		}
		if !b.deliver(ctx, key, job, opts, h) {
			sleep(ctx, opts.Backoff)
		}
	}
}

// deliver runs h on job and settles the outcome. It returns false when the job was
// put back for another attempt.
func (b *Broker) deliver(ctx context.Context, key string, job *Job, opts ConsumerOptions, h Handler) bool {
	err := h(ctx, job)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrMalformed) {
		b.logger.Warn("dropping malformed job", zap.String("job_id", job.ID), zap.String("queue", key), zap.Error(err))
		return true
	}
	b.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("queue", key), zap.Int("attempt", job.Attempt), zap.Error(err))
	requeued, reErr := b.retry(ctx, key, job, opts.MaxAttempts)
	if reErr != nil {
		b.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
	}
	return !requeued
}

func (b *Broker) dequeue(ctx context.Context, key string) (*Job, error) {
	result, err := b.client.BLPop(ctx, popTimeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		b.logger.Warn("invalid job envelope", zap.String("queue", key), zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// retry puts job back on key with an incremented attempt, or moves it to the
// dead-letter list once maxAttempts deliveries have been used.
func (b *Broker) retry(ctx context.Context, key string, job *Job, maxAttempts int) (bool, error) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= maxAttempts {
		if err := b.client.RPush(ctx, key+dlqSuffix, raw).Err(); err != nil {
			return false, err
		}
		b.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.String("queue", key), zap.Int("attempt", job.Attempt))
		return false, nil
	}
	if err := b.client.RPush(ctx, key, raw).Err(); err != nil {
		return false, err
	}
	b.logger.Info("job retried", zap.String("job_id", job.ID), zap.String("queue", key), zap.Int("attempt", job.Attempt))
	return true, nil
}

// Len returns the number of pending jobs on a queue.
func (b *Broker) Len(ctx context.Context, exchange, routingKey string) (int64, error) {
	return b.client.LLen(ctx, QueueKey(exchange, routingKey)).Result()
}

// DeadLetters returns the jobs parked on a queue's dead-letter list.
func (b *Broker) DeadLetters(ctx context.Context, exchange, routingKey string) ([]Job, error) {
	raws, err := b.client.LRange(ctx, QueueKey(exchange, routingKey)+dlqSuffix, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
