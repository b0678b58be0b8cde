// Package notify evicts per-user read caches and fans out status events when a
// resource's pipeline status changes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/models"
)

const (
	channelPrefix = "pipeline:status:"
	cachePrefix   = "cache:user:"
	opTimeout     = 5 * time.Second
)

// ProcessingKey is the cache key for a user's in-flight resource list.
func ProcessingKey(userID string) string { return cachePrefix + userID + ":processing" }

// RecordingsKey is the cache key for a user's recording list.
func RecordingsKey(userID string) string { return cachePrefix + userID + ":recordings" }

// Channel is the pub/sub channel carrying a user's status events.
func Channel(userID string) string { return channelPrefix + userID }

type eventPayload struct {
	ResourceID    string `json:"resourceId"`
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
	At            int64  `json:"at"`
}

// CacheInvalidator implements pipeline.Notifier on Redis.
type CacheInvalidator struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCacheInvalidator creates the notifier. ttl bounds entries written with SetJSON.
func NewCacheInvalidator(client *redis.Client, ttl time.Duration, logger *zap.Logger) *CacheInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheInvalidator{client: client, ttl: ttl, logger: logger}
}

// StatusChanged evicts the user's caches and publishes the event. Failures are
// logged only; a stale cache expires on its own.
func (c *CacheInvalidator) StatusChanged(ctx context.Context, ev models.StatusEvent) {
	if ev.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, ProcessingKey(ev.UserID), RecordingsKey(ev.UserID)).Err(); err != nil {
		c.logger.Warn("cache eviction failed", zap.String("user_id", ev.UserID), zap.Error(err))
	}
	body, err := json.Marshal(eventPayload{
		ResourceID:    ev.ResourceID,
		UserID:        ev.UserID,
		Status:        string(ev.Status),
		FailureReason: ev.FailureReason,
		At:            time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, Channel(ev.UserID), body).Err(); err != nil {
		c.logger.Warn("status publish failed", zap.String("resource_id", ev.ResourceID), zap.Error(err))
	}
}

// GetJSON reads a cached value into v. It reports false on a miss.
func (c *CacheInvalidator) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON caches v under key for the configured TTL.
func (c *CacheInvalidator) SetJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, body, c.ttl).Err()
}

// Subscribe delivers a user's status events to handler until the returned cancel
// function is called.
func (c *CacheInvalidator) Subscribe(ctx context.Context, userID string, handler func(models.StatusEvent)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := c.client.Subscribe(ctx, Channel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p eventPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(models.StatusEvent{
					ResourceID:    p.ResourceID,
					UserID:        p.UserID,
					Status:        models.Status(p.Status),
					FailureReason: p.FailureReason,
				})
			}
		}
	}()
	return cancelCtx, nil
}
