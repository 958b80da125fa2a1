package store

import (
	"context"
	"errors"

	"notifier/internal/domain"
)

// ErrNotFound indicates absent user or contact.
var ErrNotFound = errors.New("not found")

// User is one directory entry with addressing data.
type User struct {
	ID             string
	OrgID          string
	Roles          []string
	Active         bool
	Email          string
	TelegramChatID int64
	WebhookURL     string
	Preferences    *domain.UserPreferences
}

// Contact holds channel addresses for one recipient.
type Contact struct {
	UserID         string
	Email          string
	TelegramChatID int64
	WebhookURL     string
}

// RuleStore returns active rules for one organization and event type.
type RuleStore interface {
	ActiveRules(ctx context.Context, orgID, eventType string) ([]domain.Rule, error)
}

// Directory answers role and existence lookups.
type Directory interface {
	UsersByRole(ctx context.Context, orgID string, roles []string) ([]string, error)
	UsersExist(ctx context.Context, orgID string, ids []string) ([]string, error)
}

// PreferenceStore returns stored preferences in one batch.
type PreferenceStore interface {
	Preferences(ctx context.Context, userIDs []string) (map[string]domain.UserPreferences, error)
}

// ContactBook resolves channel addresses for recipients.
type ContactBook interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// Backend bundles every lookup the engine needs plus lifecycle.
// Params: one implementation per storage backend.
// Returns: combined store consumed by service wiring.
type Backend interface {
	RuleStore
	Directory
	PreferenceStore
	ContactBook
	Close() error
}
