package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultDedupTTL is how long a message ID is remembered.
const DefaultDedupTTL = 10 * time.Minute

// Deduper rejects replays of already-handled message IDs.
type Deduper interface {
	Seen(ctx context.Context, messageID string) bool
	Remember(ctx context.Context, messageID string)
}

// DedupCache is an in-process TTL set of message IDs.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // message ID -> expiry
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewDedupCache creates a cache that remembers IDs for ttl.
func NewDedupCache(ttl time.Duration, logger *zap.Logger) *DedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupCache{entries: make(map[string]time.Time), ttl: ttl, now: time.Now, logger: logger}
}

// Seen reports whether messageID was remembered and has not expired.
func (c *DedupCache) Seen(_ context.Context, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[messageID]
	if !ok {
		return false
	}
	if !c.now().Before(exp) {
		delete(c.entries, messageID)
		return false
	}
	return true
}

// Remember records messageID for the configured TTL.
func (c *DedupCache) Remember(_ context.Context, messageID string) {
	c.mu.Lock()
	c.entries[messageID] = c.now().Add(c.ttl)
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *DedupCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered IDs, expired or not.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps every interval until ctx is done.
func (c *DedupCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("dedup sweep", zap.Int("removed", n))
			}
		}
	}
}

const dedupKeyPrefix = "dedup:message:"

// RedisDedup keeps the seen set in Redis so that several worker processes share it.
// Redis errors are logged and treated as "not seen"; status preconditions still
// guard against double work.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDedup creates a Redis-backed deduper.
func NewRedisDedup(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDedup{client: client, ttl: ttl, logger: logger}
}

// Seen reports whether messageID is present in Redis.
func (d *RedisDedup) Seen(ctx context.Context, messageID string) bool {
	n, err := d.client.Exists(ctx, dedupKeyPrefix+messageID).Result()
	if err != nil {
		d.logger.Warn("dedup lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return false
	}
	return n > 0
}

// Remember stores messageID with the configured TTL.
func (d *RedisDedup) Remember(ctx context.Context, messageID string) {
	if err := d.client.SetNX(ctx, dedupKeyPrefix+messageID, 1, d.ttl).Err(); err != nil {
		d.logger.Warn("dedup remember failed", zap.String("message_id", messageID), zap.Error(err))
	}
}
