package domain

import "time"

// DedupKey identifies one dispatch decision.
type DedupKey struct {
	EventIdentity string
	RecipientID   string
	RuleID        string
}

// String renders key as a stable storage token.
// Params: none.
// Returns: "identity|rule|recipient".
func (k DedupKey) String() string {
	return k.EventIdentity + "|" + k.RuleID + "|" + k.RecipientID
}

// DigestEntry is one pending notification in a user's digest queue.
type DigestEntry struct {
	UserID        string         `json:"user_id"`
	OrgID         string         `json:"org_id"`
	EventType     string         `json:"event_type"`
	RuleID        string         `json:"rule_id"`
	TemplateID    string         `json:"template_id,omitempty"`
	EventIdentity string         `json:"event_identity"`
	Data          map[string]any `json:"data,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// DeliveryResult is the sender's verdict for one delivery call.
// Params: success flag, channel used and optional error text.
// Returns: outcome consumed by the coordinator.
type DeliveryResult struct {
	Success bool   `json:"success"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is the outcome recorded in the notification log.
type Status string

const (
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusDigested   Status = "digested"
)

// Suppression and failure reasons carried by log entries.
const (
	ReasonDuplicate              = "duplicate"
	ReasonOptedOut               = "opted_out"
	ReasonEventOptedOut          = "event_opted_out"
	ReasonQuietHours             = "quiet_hours"
	ReasonPreferencesUnavailable = "preferences_unavailable"
	ReasonDedupUnavailable       = "dedup_unavailable"
	ReasonDigestUnavailable      = "digest_unavailable"
	ReasonDeliveryFailed         = "delivery_failed"
	ReasonPanic                  = "panic"
)

// LogEntry is one notification-log record for a (rule, recipient) pair.
type LogEntry struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipient_id"`
	RuleID        string    `json:"rule_id"`
	EventType     string    `json:"event_type"`
	EventIdentity string    `json:"event_identity"`
	OrgID         string    `json:"org_id"`
	Channel       string    `json:"channel,omitempty"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
