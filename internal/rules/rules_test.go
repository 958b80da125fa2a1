package rules

import (
	"testing"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

func baseRule() domain.Rule {
	return domain.Rule{
		ID:             "r1",
		OrgID:          "org1",
		EventType:      "ticket.created",
		IsActive:       true,
		ConditionLogic: domain.LogicAnd,
		Conditions: []domain.Condition{
			{Field: "priority", Operator: domain.OpEquals, Value: "high"},
		},
		Recipient: domain.RecipientSpec{Type: domain.RecipientRole, Roles: []string{"technician"}},
	}
}

func baseEvent() domain.Event {
	return domain.Event{
		Type:  "ticket.created",
		OrgID: "org1",
		Data:  map[string]any{"priority": "high", "queue": "hw"},
	}
}

func TestMatchesMatrix(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name        string
		mutateRule  func(*domain.Rule)
		mutateEvent func(*domain.Event)
		want        bool
		wantConfig  bool
	}

	cases := []testCase{
		{name: "base rule matches", want: true},
		{
			name:       "inactive rule short-circuits",
			mutateRule: func(rule *domain.Rule) { rule.IsActive = false },
			want:       false,
		},
		{
			name:        "event type mismatch short-circuits",
			mutateEvent: func(event *domain.Event) { event.Type = "ticket.closed" },
			want:        false,
		},
		{
			name:        "condition false",
			mutateEvent: func(event *domain.Event) { event.Data["priority"] = "low" },
			want:        false,
		},
		{
			name:       "empty AND list matches",
			mutateRule: func(rule *domain.Rule) { rule.Conditions = nil },
			want:       true,
		},
		{
			name: "empty OR list matches",
			mutateRule: func(rule *domain.Rule) {
				rule.Conditions = nil
				rule.ConditionLogic = domain.LogicOr
			},
			want: true,
		},
		{
			name: "empty logic defaults to AND",
			mutateRule: func(rule *domain.Rule) {
				rule.ConditionLogic = ""
				rule.Conditions = append(rule.Conditions, domain.Condition{Field: "queue", Operator: domain.OpEquals, Value: "sw"})
			},
			want: false,
		},
		{
			name: "OR needs one true",
			mutateRule: func(rule *domain.Rule) {
				rule.ConditionLogic = "or"
				rule.Conditions = []domain.Condition{
					{Field: "priority", Operator: domain.OpEquals, Value: "low"},
					{Field: "queue", Operator: domain.OpEquals, Value: "hw"},
				}
			},
			want: true,
		},
		{
			name: "OR all false",
			mutateRule: func(rule *domain.Rule) {
				rule.ConditionLogic = domain.LogicOr
				rule.Conditions = []domain.Condition{
					{Field: "priority", Operator: domain.OpEquals, Value: "low"},
					{Field: "queue", Operator: domain.OpEquals, Value: "sw"},
				}
			},
			want: false,
		},
		{
			name: "bad operator counts as false under AND",
			mutateRule: func(rule *domain.Rule) {
				rule.Conditions = append(rule.Conditions, domain.Condition{Field: "queue", Operator: "regex", Value: "h.*"})
			},
			want:       false,
			wantConfig: true,
		},
		{
			name: "bad operator does not block OR",
			mutateRule: func(rule *domain.Rule) {
				rule.ConditionLogic = domain.LogicOr
				rule.Conditions = []domain.Condition{
					{Field: "queue", Operator: "regex", Value: "h.*"},
					{Field: "priority", Operator: domain.OpEquals, Value: "high"},
				}
			},
			want:       true,
			wantConfig: true,
		},
		{
			name:       "unknown logic fails closed",
			mutateRule: func(rule *domain.Rule) { rule.ConditionLogic = "XOR" },
			want:       false,
			wantConfig: true,
		},
	}

	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			rule := baseRule()
			event := baseEvent()
			if testCase.mutateRule != nil {
				testCase.mutateRule(&rule)
			}
			if testCase.mutateEvent != nil {
				testCase.mutateEvent(&event)
			}
			got, err := Matches(rule, event)
			if got != testCase.want {
				t.Fatalf("Matches()=%t, want %t", got, testCase.want)
			}
			if testCase.wantConfig != fault.IsConfiguration(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

func TestSortIsStableByPriority(t *testing.T) {
	t.Parallel()

	list := []domain.Rule{
		{ID: "c", Priority: 5},
		{ID: "a", Priority: 1},
		{ID: "d", Priority: 5},
		{ID: "b", Priority: 1},
		{ID: "e", Priority: -1},
	}
	Sort(list)
	got := ""
	for _, rule := range list {
		got += rule.ID
	}
	if got != "eabcd" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(baseRule()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	broken := baseRule()
	broken.ConditionLogic = "XOR"
	broken.Conditions = append(broken.Conditions, domain.Condition{Field: "x", Operator: "nope"})
	broken.Recipient = domain.RecipientSpec{Type: "team"}
	err := Validate(broken)
	if !fault.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	missingRecipients := baseRule()
	missingRecipients.Recipient = domain.RecipientSpec{}
	if err := Validate(missingRecipients); err == nil {
		t.Fatalf("expected error for rule without recipients")
	}

	emptyDynamic := baseRule()
	emptyDynamic.Recipients = []domain.RecipientSpec{{Type: domain.RecipientDynamic}}
	if err := Validate(emptyDynamic); err == nil {
		t.Fatalf("expected error for dynamic spec without fields")
	}
}
