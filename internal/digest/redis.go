package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

// RedisQueue keeps digest entries in Redis lists shared between instances.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisQueue creates Redis-backed digest queue.
// Params: redis client and key prefix.
// Returns: initialized queue.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix}
}

// Enqueue appends entry and registers the user in one transaction.
// Params: context, user id and entry.
// Returns: collaborator error on Redis failure.
func (q *RedisQueue) Enqueue(ctx context.Context, userID string, entry domain.DigestEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode digest entry: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.listKey(userID), payload)
		pipe.SAdd(ctx, q.usersKey(), userID)
		return nil
	})
	if err != nil {
		return fault.Collaborator("digest enqueue", err)
	}
	return nil
}

// Flush reads and deletes the user's list inside MULTI/EXEC.
// Params: context and user id.
// Returns: drained entries in enqueue order.
func (q *RedisQueue) Flush(ctx context.Context, userID string) ([]domain.DigestEntry, error) {
	var rangeCmd *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, q.listKey(userID), 0, -1)
		pipe.Del(ctx, q.listKey(userID))
		pipe.SRem(ctx, q.usersKey(), userID)
		return nil
	})
	if err != nil {
		return nil, fault.Collaborator("digest flush", err)
	}
	raw := rangeCmd.Val()
	entries := make([]domain.DigestEntry, 0, len(raw))
	for i, item := range raw {
		var entry domain.DigestEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return entries, fmt.Errorf("decode digest entry %d for %s: %w", i, userID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Requeue pushes entries back to the list head preserving their order.
// Params: context, user id and entries.
// Returns: collaborator error on Redis failure.
func (q *RedisQueue) Requeue(ctx context.Context, userID string, entries []domain.DigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		payload, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("encode digest entry: %w", err)
		}
		payloads = append(payloads, payload)
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.listKey(userID), payloads...)
		pipe.SAdd(ctx, q.usersKey(), userID)
		return nil
	})
	if err != nil {
		return fault.Collaborator("digest requeue", err)
	}
	return nil
}

// Oldest decodes the list head, which holds the earliest entry since requeues go in front.
// Params: context and user id.
// Returns: enqueue time, whether anything is pending, and collaborator error.
func (q *RedisQueue) Oldest(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := q.client.LIndex(ctx, q.listKey(userID), 0).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fault.Collaborator("digest oldest", err)
	}
	var entry domain.DigestEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return time.Time{}, false, fmt.Errorf("decode digest head for %s: %w", userID, err)
	}
	return entry.EnqueuedAt, true, nil
}

// Users lists users registered with pending entries.
// Params: context.
// Returns: sorted user ids.
func (q *RedisQueue) Users(ctx context.Context) ([]string, error) {
	users, err := q.client.SMembers(ctx, q.usersKey()).Result()
	if err != nil {
		return nil, fault.Collaborator("digest users", err)
	}
	sort.Strings(users)
	return users, nil
}

func (q *RedisQueue) listKey(userID string) string {
	return q.prefix + "digest:user:" + userID
}

func (q *RedisQueue) usersKey() string {
	return q.prefix + "digest:users"
}
