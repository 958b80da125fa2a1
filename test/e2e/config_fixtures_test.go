package e2e

import (
	"fmt"
	"strings"
)

// e2eOptions selects mode-specific sections for one service config.
type e2eOptions struct {
	Name          string
	Mode          string
	Port          int
	WebhookURL    string
	NATSURL       string
	RedisAddr     string
	ReloadSec     int
	RulePriority  string
	NATSIngest    bool
	NotifyLogNATS bool
}

// e2eConfig builds a complete service config with one technician rule and three users.
// Params: per-test options.
// Returns: TOML document.
func e2eConfig(opts e2eOptions) string {
	if opts.Name == "" {
		opts.Name = "notifier"
	}
	if opts.Mode == "" {
		opts.Mode = "single"
	}
	if opts.RulePriority == "" {
		opts.RulePriority = "high"
	}

	var sections []string
	sections = append(sections, fmt.Sprintf(`
[service]
name = "%s"
mode = "%s"
reload_enabled = %t
reload_interval_sec = %d
digest_scan_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"
health_path = "/healthz"
ready_path = "/readyz"
ingest_path = "/ingest"
metrics_path = "/metrics"
max_body_bytes = 1048576
`, opts.Name, opts.Mode, opts.ReloadSec > 0, max(opts.ReloadSec, 1), opts.Port))

	if opts.Mode == "cluster" {
		sections = append(sections, fmt.Sprintf(`
[ingest.nats]
enabled = %t
url = ["%s"]
subject = "notifier.e2e.events"
stream = "NOTIFIER_E2E_EVENTS"
consumer_name = "notifier-e2e"
deliver_group = "notifier-e2e-workers"
workers = 2
ack_wait_sec = 5
nack_delay_ms = 100

[dedup]
backend = "nats"
bucket = "notifier_e2e_dedup"

[digest]
backend = "redis"

[redis]
addr = "%s"
key_prefix = "e2e:"
`, opts.NATSIngest, opts.NATSURL, opts.RedisAddr))
		if opts.NotifyLogNATS {
			sections = append(sections, `
[notify_log]
backends = ["slog", "nats"]
subject = "notifier.e2e.log"
stream = "NOTIFIER_E2E_LOG"`)
		}
	}

	sections = append(sections, fmt.Sprintf(`
[engine]
dedup_window_sec = 60
delivery_timeout_ms = 2000

[notify.http]
enabled = true
url = "%s"
timeout_sec = 2

[notify.http.retry]
enabled = false

[rule.technicians]
org_id = "org1"
event_type = "ticket.created"
exclude_triggering_user = true

[[rule.technicians.condition]]
field = "priority"
operator = "equals"
value = "%s"

[rule.technicians.recipient]
type = "role"
roles = ["technician"]

[user.t1]
org_id = "org1"
roles = ["technician"]

[user.t2]
org_id = "org1"
roles = ["technician"]

[user.t3]
org_id = "org1"
roles = ["technician"]

[user.t3.preferences.digest]
enabled = true
frequency = "daily"
time = "09:00"
`, opts.WebhookURL, opts.RulePriority))
	return strings.Join(sections, "\n")
}

// ticketJSON renders one ticket.created event body.
func ticketJSON(id, priority, triggeredBy string) string {
	return fmt.Sprintf(`{"id":%q,"type":"ticket.created","org_id":"org1","triggered_by":%q,"data":{"priority":%q}}`, id, triggeredBy, priority)
}
