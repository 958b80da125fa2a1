package condition

import (
	"strings"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

// Evaluate checks one condition against event data.
// Params: condition and event data map.
// Returns: predicate result; unknown operators yield false with a configuration error.
func Evaluate(cond domain.Condition, data map[string]any) (bool, error) {
	field := domain.Lookup(data, cond.Field)
	target := domain.ValueOf(cond.Value)

	switch cond.Operator {
	case domain.OpEquals:
		return field.Equal(target), nil
	case domain.OpNotEquals:
		return !field.Equal(target), nil
	case domain.OpContains:
		result, ok := contains(field, target)
		return ok && result, nil
	case domain.OpNotContains:
		result, ok := contains(field, target)
		return ok && !result, nil
	case domain.OpGreaterThan:
		if field.Kind != domain.KindNumber || target.Kind != domain.KindNumber {
			return false, nil
		}
		return field.Num > target.Num, nil
	case domain.OpLessThan:
		if field.Kind != domain.KindNumber || target.Kind != domain.KindNumber {
			return false, nil
		}
		return field.Num < target.Num, nil
	case domain.OpIn:
		if field.Kind == domain.KindAbsent {
			return false, nil
		}
		return member(field, setOf(target)), nil
	case domain.OpNotIn:
		if field.Kind == domain.KindAbsent {
			return true, nil
		}
		return !member(field, setOf(target)), nil
	case domain.OpIsEmpty:
		return field.IsEmpty(), nil
	case domain.OpIsNotEmpty:
		return !field.IsEmpty(), nil
	}
	return false, fault.Configurationf("evaluate condition", "unknown operator %q on field %q", cond.Operator, cond.Field)
}

// Validate reports configuration problems detectable before evaluation.
// Params: condition from rule config or store.
// Returns: configuration error or nil.
func Validate(cond domain.Condition) error {
	if strings.TrimSpace(cond.Field) == "" {
		return fault.Configurationf("validate condition", "field is required")
	}
	if !cond.Operator.Valid() {
		return fault.Configurationf("validate condition", "unknown operator %q on field %q", cond.Operator, cond.Field)
	}
	target := domain.ValueOf(cond.Value)
	switch cond.Operator {
	case domain.OpGreaterThan, domain.OpLessThan:
		if target.Kind != domain.KindNumber {
			return fault.Configurationf("validate condition", "operator %s on field %q needs a numeric value, got %s", cond.Operator, cond.Field, target.Kind)
		}
	case domain.OpContains, domain.OpNotContains:
		if _, ok := target.Text(); !ok {
			return fault.Configurationf("validate condition", "operator %s on field %q needs a scalar value, got %s", cond.Operator, cond.Field, target.Kind)
		}
	case domain.OpIn, domain.OpNotIn:
		if target.Kind == domain.KindNull {
			return fault.Configurationf("validate condition", "operator %s on field %q needs a value set", cond.Operator, cond.Field)
		}
	}
	return nil
}

// contains tests substring or list membership.
// Params: resolved field and needle.
// Returns: result and false when the field is not string-coercible.
func contains(field, needle domain.Value) (bool, bool) {
	if field.Kind == domain.KindList {
		return member(needle, field.List), true
	}
	haystack, ok := field.Text()
	if !ok {
		return false, false
	}
	text, ok := needle.Text()
	if !ok {
		return false, false
	}
	return strings.Contains(haystack, text), true
}

// setOf treats a list value as a set and a scalar as a one-element set.
// Params: condition value.
// Returns: set members.
func setOf(value domain.Value) []domain.Value {
	switch value.Kind {
	case domain.KindList:
		return value.List
	case domain.KindAbsent, domain.KindNull:
		return nil
	default:
		return []domain.Value{value}
	}
}

// member reports whether value equals any set element.
// Params: candidate and set.
// Returns: membership flag.
func member(value domain.Value, set []domain.Value) bool {
	for _, item := range set {
		if value.Equal(item) {
			return true
		}
	}
	return false
}
