package recipients

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

// Directory answers user lookups for one organization.
type Directory interface {
	// UsersByRole returns active users holding any of roles.
	UsersByRole(ctx context.Context, orgID string, roles []string) ([]string, error)
	// UsersExist returns the subset of ids that are known active users.
	UsersExist(ctx context.Context, orgID string, ids []string) ([]string, error)
}

// Resolver expands rule recipient specs into concrete user ids.
type Resolver struct {
	directory Directory
	timeout   time.Duration
	logger    *slog.Logger
}

// NewResolver creates recipient resolver.
// Params: user directory, per-call timeout (0 disables), and logger.
// Returns: initialized resolver.
func NewResolver(directory Directory, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{directory: directory, timeout: timeout, logger: logger}
}

// Resolve expands every spec of rule for event.
// Params: context, rule and event.
// Returns: recipient set and collaborator errors; ids resolved by healthy calls are kept.
func (r *Resolver) Resolve(ctx context.Context, rule domain.Rule, event domain.Event) (Set, error) {
	result := make(Set)
	var roles, userIDs []string
	seenRoles := make(map[string]struct{})
	seenUsers := make(map[string]struct{})

	for _, spec := range rule.AllRecipients() {
		switch spec.Type {
		case domain.RecipientRole:
			roles = appendUnique(roles, seenRoles, spec.Roles)
		case domain.RecipientUsers:
			userIDs = appendUnique(userIDs, seenUsers, spec.UserIDs)
		case domain.RecipientDynamic:
			for _, field := range spec.Fields {
				for _, id := range idsFromValue(domain.Lookup(event.Data, field)) {
					result.Add(id)
				}
			}
		}
	}

	var errs []error
	if len(roles) > 0 {
		ids, err := r.usersByRole(ctx, event.OrgID, roles)
		if err != nil {
			errs = append(errs, err)
		}
		for _, id := range ids {
			result.Add(id)
		}
	}
	if len(userIDs) > 0 {
		known, err := r.usersExist(ctx, event.OrgID, userIDs)
		if err != nil {
			errs = append(errs, err)
		}
		knownSet := NewSet(known...)
		for _, id := range userIDs {
			if !knownSet.Has(id) {
				if err == nil {
					r.logger.Debug("skip unknown recipient", "rule_id", rule.ID, "recipient_id", id)
				}
				continue
			}
			result.Add(id)
		}
	}

	if rule.ExcludeTriggeringUser && event.TriggeredBy != "" {
		result.Remove(event.TriggeredBy)
	}
	return result, errors.Join(errs...)
}

// usersByRole calls directory with bounded timeout.
// Params: context, organization and role list.
// Returns: user ids or collaborator error.
func (r *Resolver) usersByRole(ctx context.Context, orgID string, roles []string) ([]string, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	ids, err := r.directory.UsersByRole(callCtx, orgID, roles)
	if err != nil {
		return nil, fault.Collaborator("users by role", err)
	}
	return ids, nil
}

// usersExist calls directory with bounded timeout.
// Params: context, organization and candidate ids.
// Returns: known ids or collaborator error.
func (r *Resolver) usersExist(ctx context.Context, orgID string, ids []string) ([]string, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	known, err := r.directory.UsersExist(callCtx, orgID, ids)
	if err != nil {
		return nil, fault.Collaborator("users exist", err)
	}
	return known, nil
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// idsFromValue extracts user ids from one dynamic field.
// Params: resolved event-data value.
// Returns: non-blank string or number ids; lists contribute each scalar member.
func idsFromValue(value domain.Value) []string {
	switch value.Kind {
	case domain.KindString:
		if id := strings.TrimSpace(value.Str); id != "" {
			return []string{id}
		}
	case domain.KindNumber:
		id, _ := value.Text()
		return []string{id}
	case domain.KindList:
		var ids []string
		for _, item := range value.List {
			if item.Kind == domain.KindList {
				continue
			}
			ids = append(ids, idsFromValue(item)...)
		}
		return ids
	}
	return nil
}

func appendUnique(dst []string, seen map[string]struct{}, values []string) []string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		dst = append(dst, value)
	}
	return dst
}
