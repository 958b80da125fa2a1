package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/test/testutil"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	return testutil.StartRedis(t)
}

func TestRedisCache_WindowAndExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, 5*time.Minute, "notifier:")
	ctx := context.Background()
	key := domain.DedupKey{EventIdentity: "evt/1", RecipientID: "u1", RuleID: "r1"}

	ok, err := cache.ShouldDispatch(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.ShouldDispatch(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate within window must be suppressed")

	mr.FastForward(5*time.Minute + time.Second)

	ok, err = cache.ShouldDispatch(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "dispatch after window must pass")
}

func TestRedisCache_KeysArePrefixedAndBounded(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, time.Minute, "notifier:")
	_, err := cache.ShouldDispatch(context.Background(), domain.DedupKey{EventIdentity: "evt/with spaces|and pipes", RecipientID: "u1", RuleID: "r1"})
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Len(t, keys[0], len("notifier:dedup:")+64)
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))
}

func TestRedisCache_FailureIsCollaboratorError(t *testing.T) {
	mr, client := setupTestRedis(t)
	cache := NewRedisCache(client, time.Minute, "")
	mr.Close()

	ok, err := cache.ShouldDispatch(context.Background(), domain.DedupKey{EventIdentity: "e"})
	assert.False(t, ok)
	assert.True(t, fault.IsCollaborator(err), "got %v", err)
}
