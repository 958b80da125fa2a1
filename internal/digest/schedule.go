package digest

import (
	"time"

	"notifier/internal/domain"
)

// LastSlot returns the most recent scheduled flush instant not after now.
// Params: digest mode, current instant and fallback timezone.
// Returns: slot instant and false when the schedule is malformed.
func LastSlot(mode domain.DigestMode, now time.Time, fallback *time.Location) (time.Time, bool) {
	minutes, err := domain.ParseClock(mode.Time)
	if err != nil {
		return time.Time{}, false
	}
	loc := domain.ResolveLocation(mode.Timezone, fallback)
	local := now.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), minutes/60, minutes%60, 0, 0, loc)
	if slot.After(local) {
		slot = slot.AddDate(0, 0, -1)
	}

	switch mode.Frequency {
	case domain.DigestDaily, "":
		return slot, true
	case domain.DigestWeekly:
		weekday := time.Monday
		if mode.Weekday != "" {
			parsed, err := domain.ParseWeekday(mode.Weekday)
			if err != nil {
				return time.Time{}, false
			}
			weekday = parsed
		}
		for slot.Weekday() != weekday {
			slot = slot.AddDate(0, 0, -1)
		}
		return slot, true
	}
	return time.Time{}, false
}

// Due reports whether a flush slot has passed since the oldest pending entry was enqueued.
// Params: digest mode (nil or disabled flushes immediately), oldest pending enqueue time, now, fallback timezone.
// Returns: true when the user's pending digest should be delivered.
func Due(mode *domain.DigestMode, oldest, now time.Time, fallback *time.Location) bool {
	if mode == nil || !mode.Enabled {
		return true
	}
	slot, ok := LastSlot(*mode, now, fallback)
	if !ok {
		return true
	}
	return slot.After(oldest)
}

// Cutoff returns the slot bounding which entries belong to the current flush.
// Params: digest mode, now and fallback timezone.
// Returns: last slot, or zero time when every pending entry is deliverable.
func Cutoff(mode *domain.DigestMode, now time.Time, fallback *time.Location) time.Time {
	if mode == nil || !mode.Enabled {
		return time.Time{}
	}
	slot, ok := LastSlot(*mode, now, fallback)
	if !ok {
		return time.Time{}
	}
	return slot
}
