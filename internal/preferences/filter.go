package preferences

import (
	"context"
	"time"

	"notifier/internal/clock"
	"notifier/internal/domain"
	"notifier/internal/fault"
)

// Store returns stored preferences for a batch of users.
type Store interface {
	// Preferences returns entries for known users; missing users are absent from the map.
	Preferences(ctx context.Context, userIDs []string) (map[string]domain.UserPreferences, error)
}

// Defaults is applied to users without stored preferences.
// Params: global flag, per-event opt-in, quiet hours and digest fallback, and timezone.
// Returns: engine-wide preference policy.
type Defaults struct {
	EmailNotifications bool
	EventOptIn         map[string]bool
	QuietHours         *domain.QuietHours
	DigestMode         *domain.DigestMode
	Location           *time.Location
}

// Result partitions candidates by delivery route.
type Result struct {
	Immediate  []string
	Digest     []string
	Suppressed map[string]string
}

// Filter applies user preferences and quiet hours to recipients.
type Filter struct {
	store    Store
	defaults Defaults
	timeout  time.Duration
	clock    clock.Clock
}

// NewFilter creates preference filter.
// Params: preference store, defaults, per-call timeout and clock.
// Returns: initialized filter.
func NewFilter(store Store, defaults Defaults, timeout time.Duration, clk clock.Clock) *Filter {
	if defaults.Location == nil {
		defaults.Location = time.UTC
	}
	return &Filter{
		store:    store,
		defaults: defaults,
		timeout:  timeout,
		clock:    clock.OrReal(clk),
	}
}

// Location returns the default timezone for clock-of-day evaluation.
// Params: none.
// Returns: configured location.
func (f *Filter) Location() *time.Location {
	return f.defaults.Location
}

// Apply routes each candidate to immediate delivery, digest or suppression.
// Params: context, candidate ids in dispatch order, and event.
// Returns: partition; on store failure every candidate is suppressed and a collaborator error returned.
func (f *Filter) Apply(ctx context.Context, candidates []string, event domain.Event) (Result, error) {
	result := Result{Suppressed: make(map[string]string)}
	if len(candidates) == 0 {
		return result, nil
	}

	prefs, err := f.Effective(ctx, candidates)
	if err != nil {
		for _, id := range candidates {
			result.Suppressed[id] = domain.ReasonPreferencesUnavailable
		}
		return result, err
	}

	at := event.Timestamp
	if at.IsZero() {
		at = f.clock.Now()
	}
	for _, id := range candidates {
		pref := prefs[id]
		switch {
		case !pref.EmailNotifications:
			result.Suppressed[id] = domain.ReasonOptedOut
		case !f.eventEnabled(pref, event.Type):
			result.Suppressed[id] = domain.ReasonEventOptedOut
		case pref.DigestMode != nil && pref.DigestMode.Enabled:
			result.Digest = append(result.Digest, id)
		case pref.QuietHours != nil && pref.QuietHours.Active(at, f.defaults.Location):
			result.Suppressed[id] = domain.ReasonQuietHours
		default:
			result.Immediate = append(result.Immediate, id)
		}
	}
	return result, nil
}

// Effective fetches preferences in one batch and fills defaults for missing users.
// Params: context and user ids.
// Returns: preferences for every requested id or collaborator error.
func (f *Filter) Effective(ctx context.Context, userIDs []string) (map[string]domain.UserPreferences, error) {
	callCtx, cancel := f.withTimeout(ctx)
	defer cancel()
	stored, err := f.store.Preferences(callCtx, userIDs)
	if err != nil {
		return nil, fault.Collaborator("fetch preferences", err)
	}
	out := make(map[string]domain.UserPreferences, len(userIDs))
	for _, id := range userIDs {
		pref, ok := stored[id]
		if !ok {
			pref = f.defaultFor(id)
		}
		pref.UserID = id
		out[id] = pref
	}
	return out, nil
}

// defaultFor returns engine defaults for one user.
// Params: user id.
// Returns: synthesized preferences.
func (f *Filter) defaultFor(userID string) domain.UserPreferences {
	pref := domain.UserPreferences{
		UserID:             userID,
		EmailNotifications: f.defaults.EmailNotifications,
	}
	if f.defaults.QuietHours != nil {
		quiet := *f.defaults.QuietHours
		pref.QuietHours = &quiet
	}
	if f.defaults.DigestMode != nil {
		digest := *f.defaults.DigestMode
		pref.DigestMode = &digest
	}
	return pref
}

// eventEnabled applies explicit per-event override, then the default opt-in.
// Params: preferences and event type.
// Returns: false only for explicit or default opt-out.
func (f *Filter) eventEnabled(pref domain.UserPreferences, eventType string) bool {
	if enabled, ok := pref.Events[eventType]; ok {
		return enabled
	}
	if enabled, ok := f.defaults.EventOptIn[eventType]; ok {
		return enabled
	}
	return true
}

func (f *Filter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}
