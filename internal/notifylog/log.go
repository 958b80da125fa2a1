package notifylog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"notifier/internal/domain"
)

// Log records one outcome per (rule, recipient) pair.
type Log interface {
	Record(ctx context.Context, entry domain.LogEntry) error
}

// Stamp fills entry id and timestamp when caller left them empty.
// Params: entry and current time.
// Returns: entry ready for persistence.
func Stamp(entry domain.LogEntry, now time.Time) domain.LogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now.UTC()
	}
	return entry
}

// Multi fans one entry out to several sinks.
type Multi []Log

// Record writes entry to every sink even when an earlier one fails.
// Params: context and entry.
// Returns: joined sink errors.
func (m Multi) Record(ctx context.Context, entry domain.LogEntry) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closer is implemented by sinks owning external resources.
type Closer interface {
	Close() error
}

// Close closes every sink implementing Closer.
// Params: none.
// Returns: joined close errors.
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if closer, ok := sink.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
