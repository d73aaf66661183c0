package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joaniekitchen/backend/internal/apikey"
)

// ValidationCache is a short-TTL redis cache of successful key
// validations, keyed by secret hash. Only successes are cached (a
// negative cache would be an oracle for probing), and every credential
// mutation deletes the entry, so a cached result is never staler than
// the last mutation.
type ValidationCache struct {
	client *redis.Client
	ttl    time.Duration
}

const DefaultTTL = 30 * time.Second

func NewValidationCache(client *redis.Client, ttl time.Duration) *ValidationCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ValidationCache{client: client, ttl: ttl}
}

func cacheKey(hash string) string {
	return "apikey:valid:" + hash
}

func (c *ValidationCache) Get(ctx context.Context, hash string) (*apikey.Validation, bool) {
	val, err := c.client.Get(ctx, cacheKey(hash)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("validation cache read failed", "error", err)
		}
		return nil, false
	}

	var v apikey.Validation
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (c *ValidationCache) Put(ctx context.Context, hash string, v *apikey.Validation) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(hash), data, c.ttl).Err(); err != nil {
		slog.Warn("validation cache write failed", "error", err)
	}
}

func (c *ValidationCache) Invalidate(ctx context.Context, hash string) {
	if err := c.client.Del(ctx, cacheKey(hash)).Err(); err != nil {
		slog.Warn("validation cache invalidate failed", "error", err)
	}
}
