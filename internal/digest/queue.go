package digest

import (
	"context"
	"time"

	"notifier/internal/domain"
)

// Queue stores pending digest entries per user.
type Queue interface {
	// Enqueue appends entry to the user's pending list.
	Enqueue(ctx context.Context, userID string, entry domain.DigestEntry) error
	// Flush drains and clears the user's list in enqueue order.
	Flush(ctx context.Context, userID string) ([]domain.DigestEntry, error)
	// Requeue puts entries back in front of anything enqueued since the flush.
	Requeue(ctx context.Context, userID string, entries []domain.DigestEntry) error
	// Oldest reports the enqueue time of the user's head entry; false when nothing is pending.
	Oldest(ctx context.Context, userID string) (time.Time, bool, error)
	// Users lists users with pending entries.
	Users(ctx context.Context) ([]string, error)
}
