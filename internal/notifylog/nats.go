package notifylog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/jetstream"
)

// NATSLog publishes entries into a JetStream stream for downstream consumers.
type NATSLog struct {
	js      nats.JetStreamContext
	subject string
}

// NewNATSLog ensures log stream exists and returns publisher.
// Params: JetStream context, stream name, subject and retention age.
// Returns: sink or stream setup error.
func NewNATSLog(js nats.JetStreamContext, stream, subject string, maxAge time.Duration) (*NATSLog, error) {
	if err := jetstream.EnsureStream(js, stream, subject, nats.LimitsPolicy, maxAge); err != nil {
		return nil, err
	}
	return &NATSLog{js: js, subject: subject}, nil
}

// Record publishes entry with its id as the JetStream dedup id.
// Params: context and entry.
// Returns: collaborator error when publish fails.
func (l *NATSLog) Record(ctx context.Context, entry domain.LogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	msg := nats.NewMsg(l.subject)
	msg.Data = body
	if entry.ID != "" {
		msg.Header.Set("Nats-Msg-Id", entry.ID)
	}
	if _, err := l.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fault.Collaborator("notification log", fmt.Errorf("publish: %w", err))
	}
	return nil
}
