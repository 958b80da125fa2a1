package notifylog

import (
	"context"
	"log/slog"

	"notifier/internal/domain"
)

// SlogLog writes entries as structured log lines.
type SlogLog struct {
	logger *slog.Logger
}

// NewSlogLog creates log sink over logger.
// Params: service logger.
// Returns: sink.
func NewSlogLog(logger *slog.Logger) *SlogLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLog{logger: logger}
}

// Record logs failed entries at warn level and everything else at info.
// Params: context and entry.
// Returns: nil.
func (l *SlogLog) Record(ctx context.Context, entry domain.LogEntry) error {
	level := slog.LevelInfo
	if entry.Status == domain.StatusFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("id", entry.ID),
		slog.String("status", string(entry.Status)),
		slog.String("rule_id", entry.RuleID),
		slog.String("recipient_id", entry.RecipientID),
		slog.String("event_type", entry.EventType),
		slog.String("event_id", entry.EventIdentity),
		slog.String("org_id", entry.OrgID),
	}
	if entry.Channel != "" {
		attrs = append(attrs, slog.String("channel", entry.Channel))
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	l.logger.LogAttrs(ctx, level, "notification outcome", attrs...)
	return nil
}
