package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifier/internal/domain"
)

// Schema is the DDL for every table read or written by the Postgres backends.
//
//go:embed schema.sql
var Schema string

// PostgresStore reads rules, users and preferences from PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies connectivity.
// Params: context and connection string.
// Returns: store or connection error.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
// Params: pgx pool owned by caller.
// Returns: store.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPool parses dsn, applies pool limits and pings the server.
// Params: context and connection string.
// Returns: ready pool or error.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 16
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates missing tables.
// Params: context.
// Returns: DDL error.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for sharing with the notification log.
// Params: none.
// Returns: pgx pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// ActiveRules loads active rules ordered by priority.
// Params: context, organization and event type.
// Returns: rules or query error.
func (s *PostgresStore) ActiveRules(ctx context.Context, orgID, eventType string) ([]domain.Rule, error) {
	query := `
		SELECT id, org_id, name, event_type, is_active, conditions, condition_logic,
		       recipients, template_id, priority, stop_on_match, exclude_triggering_user
		FROM notification_rules
		WHERE org_id = $1 AND event_type = $2 AND is_active
		ORDER BY priority, id
	`
	rows, err := s.pool.Query(ctx, query, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var (
			rule           domain.Rule
			conditionsJSON []byte
			recipientsJSON []byte
			logic          string
		)
		if err := rows.Scan(
			&rule.ID, &rule.OrgID, &rule.Name, &rule.EventType, &rule.IsActive,
			&conditionsJSON, &logic, &recipientsJSON, &rule.TemplateID,
			&rule.Priority, &rule.StopOnMatch, &rule.ExcludeTriggeringUser,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.ConditionLogic = domain.Logic(logic)
		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal(recipientsJSON, &rule.Recipients); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of rule %s: %w", rule.ID, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

// UsersByRole lists active users sharing any role.
// Params: context, organization and roles.
// Returns: user ids.
func (s *PostgresStore) UsersByRole(ctx context.Context, orgID string, roles []string) ([]string, error) {
	query := `
		SELECT id FROM notification_users
		WHERE org_id = $1 AND active AND roles && $2
		ORDER BY id
	`
	return s.collectIDs(ctx, query, orgID, roles)
}

// UsersExist filters ids to active organization users.
// Params: context, organization and ids.
// Returns: known ids.
func (s *PostgresStore) UsersExist(ctx context.Context, orgID string, ids []string) ([]string, error) {
	query := `
		SELECT id FROM notification_users
		WHERE org_id = $1 AND active AND id = ANY($2)
		ORDER BY id
	`
	return s.collectIDs(ctx, query, orgID, ids)
}

// Preferences loads stored preferences in one query.
// Params: context and user ids.
// Returns: map of found entries.
func (s *PostgresStore) Preferences(ctx context.Context, userIDs []string) (map[string]domain.UserPreferences, error) {
	query := `
		SELECT user_id, email_notifications, events, quiet_hours, digest_mode
		FROM notification_preferences
		WHERE user_id = ANY($1)
	`
	rows, err := s.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.UserPreferences, len(userIDs))
	for rows.Next() {
		var (
			pref                         domain.UserPreferences
			eventsJSON, quietJSON, dJSON []byte
		)
		if err := rows.Scan(&pref.UserID, &pref.EmailNotifications, &eventsJSON, &quietJSON, &dJSON); err != nil {
			return nil, fmt.Errorf("failed to scan preferences: %w", err)
		}
		if err := json.Unmarshal(eventsJSON, &pref.Events); err != nil {
			return nil, fmt.Errorf("failed to decode events of %s: %w", pref.UserID, err)
		}
		if len(quietJSON) > 0 {
			pref.QuietHours = &domain.QuietHours{}
			if err := json.Unmarshal(quietJSON, pref.QuietHours); err != nil {
				return nil, fmt.Errorf("failed to decode quiet hours of %s: %w", pref.UserID, err)
			}
		}
		if len(dJSON) > 0 {
			pref.DigestMode = &domain.DigestMode{}
			if err := json.Unmarshal(dJSON, pref.DigestMode); err != nil {
				return nil, fmt.Errorf("failed to decode digest mode of %s: %w", pref.UserID, err)
			}
		}
		out[pref.UserID] = pref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate preferences: %w", err)
	}
	return out, nil
}

// Contact loads addressing data for one user.
// Params: context and user id.
// Returns: contact or ErrNotFound.
func (s *PostgresStore) Contact(ctx context.Context, userID string) (Contact, error) {
	query := `
		SELECT id, email, telegram_chat_id, webhook_url
		FROM notification_users
		WHERE id = $1
	`
	var contact Contact
	err := s.pool.QueryRow(ctx, query, userID).Scan(&contact.UserID, &contact.Email, &contact.TelegramChatID, &contact.WebhookURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// Close releases the pool.
// Params: none.
// Returns: nil.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect users: %w", err)
	}
	return ids, nil
}
