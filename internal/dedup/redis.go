package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

// RedisCache shares dispatch decisions between service instances.
type RedisCache struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
}

// NewRedisCache creates Redis-backed dedup cache.
// Params: redis client, suppression window and key prefix.
// Returns: initialized cache.
func NewRedisCache(client redis.UniversalClient, window time.Duration, prefix string) *RedisCache {
	return &RedisCache{client: client, window: window, prefix: prefix}
}

// ShouldDispatch uses SET NX PX so check-and-record is one atomic command.
// Params: context and dedup key.
// Returns: true when the key was newly recorded; collaborator error when Redis fails.
func (c *RedisCache) ShouldDispatch(ctx context.Context, key domain.DedupKey) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.redisKey(key), 1, c.window).Result()
	if err != nil {
		return false, fault.Collaborator("dedup check", err)
	}
	return ok, nil
}

// redisKey hashes the key so arbitrary ids stay within one bounded token.
// Params: dedup key.
// Returns: "<prefix>dedup:<sha256>".
func (c *RedisCache) redisKey(key domain.DedupKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return c.prefix + "dedup:" + hex.EncodeToString(sum[:])
}
