package dedup

import (
	"context"
	"time"

	"notifier/internal/domain"
)

// DefaultWindow is the suppression window used when config leaves it unset.
const DefaultWindow = 5 * time.Minute

// Cache decides whether a (event, recipient, rule) dispatch may proceed.
type Cache interface {
	// ShouldDispatch atomically checks key and records it when it returns true.
	ShouldDispatch(ctx context.Context, key domain.DedupKey) (bool, error)
}
