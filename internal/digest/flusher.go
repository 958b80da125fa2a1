package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notifier/internal/clock"
	"notifier/internal/domain"
	"notifier/internal/metrics"
)

// Processor delivers one user's drained digest batch.
type Processor interface {
	ProcessDigest(ctx context.Context, userID string, entries []domain.DigestEntry) error
}

// PreferenceSource returns effective preferences including defaults.
type PreferenceSource interface {
	Effective(ctx context.Context, userIDs []string) (map[string]domain.UserPreferences, error)
}

// Flusher drains digest queues on each user's schedule.
type Flusher struct {
	queue     Queue
	prefs     PreferenceSource
	processor Processor
	clock     clock.Clock
	location  *time.Location
	logger    *slog.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewFlusher creates digest flusher.
// Params: queue, preference source, digest processor, clock, default timezone and logger.
// Returns: flusher; schedules are evaluated against queued entries, so instances sharing a queue agree.
func NewFlusher(queue Queue, prefs PreferenceSource, processor Processor, clk clock.Clock, location *time.Location, logger *slog.Logger) *Flusher {
	clk = clock.OrReal(clk)
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		queue:     queue,
		prefs:     prefs,
		processor: processor,
		clock:     clk,
		location:  location,
		logger:    logger,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// FlushDue flushes every user whose schedule slot has passed since their oldest pending entry.
// Params: context and evaluation instant.
// Returns: number of users delivered and joined errors.
func (f *Flusher) FlushDue(ctx context.Context, now time.Time) (int, error) {
	users, err := f.queue.Users(ctx)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}
	prefs, err := f.prefs.Effective(ctx, users)
	if err != nil {
		return 0, err
	}

	flushed := 0
	var errs []error
	for _, userID := range users {
		mode := prefs[userID].DigestMode
		oldest, ok, err := f.queue.Oldest(ctx, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || !Due(mode, oldest, now, f.location) {
			continue
		}
		delivered, err := f.flush(ctx, userID, Cutoff(mode, now, f.location))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if delivered > 0 {
			flushed++
		}
	}
	return flushed, errors.Join(errs...)
}

// FlushUser drains one user's whole queue regardless of schedule.
// Params: context and user id.
// Returns: delivered entry count; failed batches are re-queued in front.
func (f *Flusher) FlushUser(ctx context.Context, userID string) (int, error) {
	return f.flush(ctx, userID, time.Time{})
}

// flush drains the user's queue and delivers entries enqueued before cutoff.
// Params: context, user id and cutoff; zero cutoff delivers everything.
// Returns: delivered entry count; later entries and failed batches go back to the queue.
func (f *Flusher) flush(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	lock := f.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := f.queue.Flush(ctx, userID)
	if err != nil {
		if len(entries) > 0 {
			if requeueErr := f.queue.Requeue(ctx, userID, entries); requeueErr != nil {
				err = errors.Join(err, requeueErr)
			}
		}
		return 0, fmt.Errorf("flush digest for %s: %w", userID, err)
	}

	ready, later := splitAt(entries, cutoff)
	if len(later) > 0 {
		// Entries enqueued at or after the slot belong to the next one.
		if err := f.queue.Requeue(ctx, userID, later); err != nil {
			f.logger.Error("digest requeue failed, entries lost", "recipient_id", userID, "entries", len(later), "error", err)
			return 0, fmt.Errorf("requeue digest for %s: %w", userID, err)
		}
	}
	if len(ready) == 0 {
		return 0, nil
	}

	if err := f.processor.ProcessDigest(ctx, userID, ready); err != nil {
		if requeueErr := f.queue.Requeue(ctx, userID, ready); requeueErr != nil {
			f.logger.Error("digest requeue failed, entries lost", "recipient_id", userID, "entries", len(ready), "error", requeueErr)
			return 0, errors.Join(err, requeueErr)
		}
		metrics.DigestEntriesTotal.WithLabelValues(metrics.DigestRequeued).Add(float64(len(ready)))
		f.logger.Warn("digest delivery failed, entries re-queued", "recipient_id", userID, "entries", len(ready), "error", err)
		return 0, fmt.Errorf("deliver digest for %s: %w", userID, err)
	}
	f.logger.Info("digest delivered", "recipient_id", userID, "entries", len(ready))
	return len(ready), nil
}

// Run evaluates schedules every interval until ctx is done.
// Params: context and scan interval.
// Returns: none.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := f.FlushDue(ctx, f.clock.Now()); err != nil {
				f.logger.Warn("digest scan failed", "error", err)
			}
		}
	}
}

func (f *Flusher) userLock(userID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		f.userLocks[userID] = lock
	}
	return lock
}

func splitAt(entries []domain.DigestEntry, cutoff time.Time) ([]domain.DigestEntry, []domain.DigestEntry) {
	if cutoff.IsZero() {
		return entries, nil
	}
	var ready, later []domain.DigestEntry
	for _, entry := range entries {
		if entry.EnqueuedAt.Before(cutoff) {
			ready = append(ready, entry)
		} else {
			later = append(later, entry)
		}
	}
	return ready, later
}
