package store

import (
	"context"
	"sort"
	"sync"

	"notifier/internal/domain"
)

// Snapshot is a full replacement set of rules and users.
type Snapshot struct {
	Rules []domain.Rule
	Users []User
}

// MemoryStore serves rules, users and preferences from an in-process snapshot.
// Params: snapshot loaded from config; Replace swaps it on reload.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string][]domain.Rule
	users map[string]User
}

// NewMemoryStore creates in-memory store from snapshot.
// Params: initial snapshot.
// Returns: initialized store.
func NewMemoryStore(snapshot Snapshot) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(snapshot)
	return s
}

// Replace swaps rules and users atomically.
// Params: new snapshot.
// Returns: none.
func (s *MemoryStore) Replace(snapshot Snapshot) {
	rules := make(map[string][]domain.Rule)
	for _, rule := range snapshot.Rules {
		key := ruleKey(rule.OrgID, rule.EventType)
		rules[key] = append(rules[key], rule)
	}
	users := make(map[string]User, len(snapshot.Users))
	for _, user := range snapshot.Users {
		users[user.ID] = user
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.users = users
}

// ActiveRules returns active rules in snapshot order.
// Params: organization and event type.
// Returns: copied rule slice.
func (s *MemoryStore) ActiveRules(_ context.Context, orgID, eventType string) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := s.rules[ruleKey(orgID, eventType)]
	out := make([]domain.Rule, 0, len(candidates))
	for _, rule := range candidates {
		if rule.IsActive {
			out = append(out, rule)
		}
	}
	return out, nil
}

// UsersByRole lists active organization users holding any role.
// Params: organization and roles.
// Returns: sorted user ids.
func (s *MemoryStore) UsersByRole(_ context.Context, orgID string, roles []string) ([]string, error) {
	wanted := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		wanted[role] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for _, user := range s.users {
		if user.OrgID != orgID || !user.Active {
			continue
		}
		for _, role := range user.Roles {
			if _, ok := wanted[role]; ok {
				ids = append(ids, user.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// UsersExist filters ids to active organization users.
// Params: organization and candidate ids.
// Returns: known ids in input order.
func (s *MemoryStore) UsersExist(_ context.Context, orgID string, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	known := make([]string, 0, len(ids))
	for _, id := range ids {
		user, ok := s.users[id]
		if ok && user.Active && user.OrgID == orgID {
			known = append(known, id)
		}
	}
	return known, nil
}

// Preferences returns stored preferences for known users.
// Params: user ids.
// Returns: map without entries for users lacking preferences.
func (s *MemoryStore) Preferences(_ context.Context, userIDs []string) (map[string]domain.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.UserPreferences, len(userIDs))
	for _, id := range userIDs {
		user, ok := s.users[id]
		if !ok || user.Preferences == nil {
			continue
		}
		pref := *user.Preferences
		pref.UserID = id
		out[id] = pref
	}
	return out, nil
}

// Contact returns addressing data for one user.
// Params: user id.
// Returns: contact or ErrNotFound.
func (s *MemoryStore) Contact(_ context.Context, userID string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return Contact{
		UserID:         user.ID,
		Email:          user.Email,
		TelegramChatID: user.TelegramChatID,
		WebhookURL:     user.WebhookURL,
	}, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func ruleKey(orgID, eventType string) string {
	return orgID + "\x00" + eventType
}
