package domain

// Operator names one condition predicate.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// Operators lists every supported operator in documentation order.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan,
	OpLessThan, OpIn, OpNotIn, OpIsEmpty, OpIsNotEmpty,
}

// Valid reports whether operator is known.
// Params: none.
// Returns: true for supported operators.
func (o Operator) Valid() bool {
	for _, known := range Operators {
		if o == known {
			return true
		}
	}
	return false
}

// Logic combines condition results of one rule.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// RecipientType selects the RecipientSpec variant.
type RecipientType string

const (
	RecipientRole    RecipientType = "role"
	RecipientUsers   RecipientType = "users"
	RecipientDynamic RecipientType = "dynamic"
)

// Condition is one predicate over an event-data path.
// Params: dot path, operator and comparison value.
// Returns: declarative predicate evaluated by the condition package.
type Condition struct {
	Field    string   `json:"field" toml:"field"`
	Operator Operator `json:"operator" toml:"operator"`
	Value    any      `json:"value,omitempty" toml:"value,omitempty"`
}

// RecipientSpec describes who receives a rule's notification.
// Params: Type selects which of Roles, UserIDs or Fields is used.
// Returns: tagged union consumed by the recipient resolver.
type RecipientSpec struct {
	Type    RecipientType `json:"type" toml:"type"`
	Roles   []string      `json:"roles,omitempty" toml:"roles,omitempty"`
	UserIDs []string      `json:"user_ids,omitempty" toml:"user_ids,omitempty"`
	Fields  []string      `json:"fields,omitempty" toml:"fields,omitempty"`
}

// Rule maps an event type and condition set to recipients and a template.
// Params: Recipient is the primary spec; Recipients carries additional specs unioned with it.
// Returns: read-only rule consumed by the matcher and coordinator.
type Rule struct {
	ID                    string          `json:"id"`
	OrgID                 string          `json:"org_id"`
	Name                  string          `json:"name"`
	EventType             string          `json:"event_type"`
	IsActive              bool            `json:"is_active"`
	Conditions            []Condition     `json:"conditions,omitempty"`
	ConditionLogic        Logic           `json:"condition_logic"`
	Recipient             RecipientSpec   `json:"recipient"`
	Recipients            []RecipientSpec `json:"recipients,omitempty"`
	TemplateID            string          `json:"template_id"`
	Priority              int             `json:"priority"`
	StopOnMatch           bool            `json:"stop_on_match"`
	ExcludeTriggeringUser bool            `json:"exclude_triggering_user"`
}

// AllRecipients returns the primary spec followed by any additional specs.
// Params: none.
// Returns: specs with a non-empty type.
func (r Rule) AllRecipients() []RecipientSpec {
	specs := make([]RecipientSpec, 0, 1+len(r.Recipients))
	if r.Recipient.Type != "" {
		specs = append(specs, r.Recipient)
	}
	for _, spec := range r.Recipients {
		if spec.Type != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}
