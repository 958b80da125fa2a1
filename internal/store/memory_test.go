package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"notifier/internal/domain"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Rules: []domain.Rule{
			{ID: "r1", OrgID: "o1", EventType: "ticket.created", IsActive: true, Priority: 2},
			{ID: "r2", OrgID: "o1", EventType: "ticket.created", IsActive: false},
			{ID: "r3", OrgID: "o1", EventType: "ticket.created", IsActive: true, Priority: 1},
			{ID: "r4", OrgID: "o2", EventType: "ticket.created", IsActive: true},
		},
		Users: []User{
			{ID: "t1", OrgID: "o1", Roles: []string{"technician"}, Active: true, Email: "t1@example.com"},
			{ID: "t2", OrgID: "o1", Roles: []string{"technician", "manager"}, Active: true},
			{ID: "t3", OrgID: "o1", Roles: []string{"technician"}, Active: false},
			{ID: "x1", OrgID: "o2", Roles: []string{"technician"}, Active: true},
			{ID: "p1", OrgID: "o1", Active: true, Preferences: &domain.UserPreferences{EmailNotifications: false}},
		},
	}
}

func TestMemoryStoreActiveRulesKeepsOrder(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(sampleSnapshot())
	rules, err := s.ActiveRules(context.Background(), "o1", "ticket.created")
	if err != nil {
		t.Fatalf("ActiveRules() error: %v", err)
	}
	if len(rules) != 2 || rules[0].ID != "r1" || rules[1].ID != "r3" {
		t.Fatalf("unexpected rules %+v", rules)
	}
	none, _ := s.ActiveRules(context.Background(), "o1", "ticket.closed")
	if len(none) != 0 {
		t.Fatalf("expected no rules, got %+v", none)
	}
}

func TestMemoryStoreDirectory(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(sampleSnapshot())
	ctx := context.Background()

	ids, _ := s.UsersByRole(ctx, "o1", []string{"technician", "manager"})
	if !reflect.DeepEqual(ids, []string{"t1", "t2"}) {
		t.Fatalf("unexpected role users %v", ids)
	}
	known, _ := s.UsersExist(ctx, "o1", []string{"t3", "x1", "t1", "ghost"})
	if !reflect.DeepEqual(known, []string{"t1"}) {
		t.Fatalf("unexpected known users %v", known)
	}
}

func TestMemoryStorePreferencesAndContact(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(sampleSnapshot())
	ctx := context.Background()

	prefs, _ := s.Preferences(ctx, []string{"p1", "t1"})
	if len(prefs) != 1 || prefs["p1"].UserID != "p1" || prefs["p1"].EmailNotifications {
		t.Fatalf("unexpected preferences %+v", prefs)
	}
	contact, err := s.Contact(ctx, "t1")
	if err != nil || contact.Email != "t1@example.com" {
		t.Fatalf("unexpected contact %+v err %v", contact, err)
	}
	if _, err := s.Contact(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreReplace(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(sampleSnapshot())
	s.Replace(Snapshot{Rules: []domain.Rule{{ID: "n1", OrgID: "o1", EventType: "ticket.created", IsActive: true}}})
	rules, _ := s.ActiveRules(context.Background(), "o1", "ticket.created")
	if len(rules) != 1 || rules[0].ID != "n1" {
		t.Fatalf("expected replaced rules, got %+v", rules)
	}
	ids, _ := s.UsersByRole(context.Background(), "o1", []string{"technician"})
	if len(ids) != 0 {
		t.Fatalf("expected no users after replace, got %v", ids)
	}
}
