package notifylog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"notifier/internal/domain"
	"notifier/internal/fault"
)

// PostgresLog inserts entries into the notification_log table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog wraps a pool shared with the store.
// Params: pgx pool owned by caller.
// Returns: sink.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Record inserts one row; repeated ids are ignored.
// Params: context and entry with id and timestamp set.
// Returns: collaborator error when the insert fails.
func (l *PostgresLog) Record(ctx context.Context, entry domain.LogEntry) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO notification_log
			(id, recipient_id, rule_id, event_type, event_identity, org_id, channel, status, reason, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.RecipientID, entry.RuleID, entry.EventType, entry.EventIdentity, entry.OrgID,
		entry.Channel, string(entry.Status), entry.Reason, entry.Error, entry.Timestamp,
	)
	if err != nil {
		return fault.Collaborator("notification log", fmt.Errorf("insert: %w", err))
	}
	return nil
}
