package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DigestFrequency selects the digest flush cadence.
type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

// UserPreferences holds per-user delivery settings.
// Params: global flag, per-event overrides, optional quiet hours and digest mode.
// Returns: read-only input for the preference filter.
type UserPreferences struct {
	UserID             string          `json:"user_id"`
	EmailNotifications bool            `json:"email_notifications"`
	Events             map[string]bool `json:"events,omitempty"`
	QuietHours         *QuietHours     `json:"quiet_hours,omitempty"`
	DigestMode         *DigestMode     `json:"digest_mode,omitempty"`
}

// QuietHours is a local time-of-day window without immediate notifications.
// Params: Start/End as "HH:MM"; Timezone is an optional IANA name.
// Returns: window evaluated by Active.
type QuietHours struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Start    string `json:"start" toml:"start"`
	End      string `json:"end" toml:"end"`
	Timezone string `json:"timezone,omitempty" toml:"timezone,omitempty"`
}

// DigestMode batches notifications into periodic deliveries.
// Params: frequency, local "HH:MM" time, optional weekday for weekly digests and timezone.
// Returns: schedule evaluated by the digest flusher.
type DigestMode struct {
	Enabled   bool            `json:"enabled" toml:"enabled"`
	Frequency DigestFrequency `json:"frequency" toml:"frequency"`
	Time      string          `json:"time" toml:"time"`
	Weekday   string          `json:"weekday,omitempty" toml:"weekday,omitempty"`
	Timezone  string          `json:"timezone,omitempty" toml:"timezone,omitempty"`
}

// Active reports whether quiet hours cover instant t.
// Params: instant and fallback location used when Timezone is empty or unknown.
// Returns: true inside [start,end), or inside the wrapped window when start > end.
func (q QuietHours) Active(t time.Time, fallback *time.Location) bool {
	if !q.Enabled {
		return false
	}
	start, err := ParseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	local := t.In(ResolveLocation(q.Timezone, fallback))
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// Validate checks quiet-hours clock values.
// Params: none.
// Returns: parse error for malformed start/end/timezone.
func (q QuietHours) Validate() error {
	if _, err := ParseClock(q.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := ParseClock(q.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Validate checks digest schedule fields.
// Params: none.
// Returns: error for unknown frequency, malformed time, weekday, or timezone.
func (d DigestMode) Validate() error {
	switch d.Frequency {
	case DigestDaily, DigestWeekly:
	default:
		return fmt.Errorf("unsupported frequency %q", d.Frequency)
	}
	if _, err := ParseClock(d.Time); err != nil {
		return fmt.Errorf("time: %w", err)
	}
	if d.Weekday != "" {
		if _, err := ParseWeekday(d.Weekday); err != nil {
			return err
		}
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
// Params: clock string.
// Returns: minute offset in [0,1440) or parse error.
func ParseClock(raw string) (int, error) {
	hours, minutes, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", raw)
	}
	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 23 || len(hours) > 2 {
		return 0, fmt.Errorf("invalid clock %q: bad hour", raw)
	}
	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 || len(minutes) != 2 {
		return 0, fmt.Errorf("invalid clock %q: bad minute", raw)
	}
	return h*60 + m, nil
}

// ParseWeekday parses an English weekday name or three-letter abbreviation.
// Params: weekday string, case-insensitive.
// Returns: time.Weekday or error.
func ParseWeekday(raw string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for day := time.Sunday; day <= time.Saturday; day++ {
		name := strings.ToLower(day.String())
		if normalized == name || normalized == name[:3] {
			return day, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", raw)
}

// ResolveLocation loads an IANA zone, falling back when empty or unknown.
// Params: zone name and fallback (UTC when nil).
// Returns: resolved location.
func ResolveLocation(name string, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}
