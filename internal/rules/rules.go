package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"notifier/internal/condition"
	"notifier/internal/domain"
	"notifier/internal/fault"
)

// Matches checks whether rule applies to event.
// Params: rule and incoming event.
// Returns: match flag plus joined condition errors; a failing condition counts as false.
func Matches(rule domain.Rule, event domain.Event) (bool, error) {
	if !rule.IsActive || rule.EventType != event.Type {
		return false, nil
	}
	if len(rule.Conditions) == 0 {
		return true, nil
	}

	var errs []error
	switch normalizeLogic(rule.ConditionLogic) {
	case domain.LogicAnd:
		for _, cond := range rule.Conditions {
			ok, err := safeEvaluate(cond, event.Data)
			if err != nil {
				errs = append(errs, err)
			}
			if !ok {
				return false, errors.Join(errs...)
			}
		}
		return true, errors.Join(errs...)
	case domain.LogicOr:
		for _, cond := range rule.Conditions {
			ok, err := safeEvaluate(cond, event.Data)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				return true, errors.Join(errs...)
			}
		}
		return false, errors.Join(errs...)
	}
	return false, fault.Configurationf("match rule", "rule %q has unknown condition logic %q", rule.ID, rule.ConditionLogic)
}

// Sort orders rules by priority ascending keeping input order for ties.
// Params: rules slice (sorted in place).
// Returns: none.
func Sort(list []domain.Rule) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
}

// Validate reports configuration errors of one rule.
// Params: rule definition.
// Returns: joined configuration errors or nil.
func Validate(rule domain.Rule) error {
	var errs []error
	if strings.TrimSpace(rule.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(rule.EventType) == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	switch normalizeLogic(rule.ConditionLogic) {
	case domain.LogicAnd, domain.LogicOr:
	default:
		errs = append(errs, fmt.Errorf("unknown condition logic %q", rule.ConditionLogic))
	}
	for i, cond := range rule.Conditions {
		if err := condition.Validate(cond); err != nil {
			errs = append(errs, fmt.Errorf("condition[%d]: %w", i, err))
		}
	}
	specs := rule.AllRecipients()
	if len(specs) == 0 {
		errs = append(errs, errors.New("at least one recipient spec is required"))
	}
	for i, spec := range specs {
		if err := ValidateRecipientSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("recipients[%d]: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fault.Configuration("validate rule "+rule.ID, errors.Join(errs...))
}

// ValidateRecipientSpec checks tagged-union consistency of one spec.
// Params: recipient spec.
// Returns: error for unknown type or empty variant payload.
func ValidateRecipientSpec(spec domain.RecipientSpec) error {
	switch spec.Type {
	case domain.RecipientRole:
		if len(spec.Roles) == 0 {
			return errors.New("role recipients need roles")
		}
	case domain.RecipientUsers:
		if len(spec.UserIDs) == 0 {
			return errors.New("users recipients need user_ids")
		}
	case domain.RecipientDynamic:
		if len(spec.Fields) == 0 {
			return errors.New("dynamic recipients need fields")
		}
	default:
		return fmt.Errorf("unknown recipient type %q", spec.Type)
	}
	return nil
}

// normalizeLogic maps empty logic to AND and upper-cases the value.
// Params: configured logic.
// Returns: normalized logic.
func normalizeLogic(logic domain.Logic) domain.Logic {
	if logic == "" {
		return domain.LogicAnd
	}
	return domain.Logic(strings.ToUpper(string(logic)))
}

// safeEvaluate runs condition evaluation and converts panics into errors.
// Params: condition and event data.
// Returns: evaluation result or configuration error.
func safeEvaluate(cond domain.Condition, data map[string]any) (ok bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok = false
			err = fault.Configurationf("evaluate condition", "panic on field %q: %v", cond.Field, recovered)
		}
	}()
	return condition.Evaluate(cond, data)
}
