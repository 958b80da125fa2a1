package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"notifier/internal/domain"
	"notifier/internal/rules"
	"notifier/internal/store"
	"notifier/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName           = "notifier"
	defaultHTTPListen            = ":8080"
	defaultHealthPath            = "/healthz"
	defaultReadyPath             = "/readyz"
	defaultIngestPath            = "/ingest"
	defaultMetricsPath           = "/metrics"
	defaultReloadSeconds         = 5
	defaultDigestScanSeconds     = 60
	defaultWorkers               = 4
	defaultQueueSize             = 1024
	defaultNATSURL               = "nats://127.0.0.1:4222"
	defaultNATSSubject           = "notifier.events"
	defaultNATSIngestStream      = "NOTIFIER_EVENTS"
	defaultNATSIngestConsumer    = "notifier-ingest"
	defaultNATSIngestGroup       = "notifier-workers"
	defaultNATSAckWaitSec        = 30
	defaultNATSNackDelayMS       = 1000
	defaultNATSMaxDeliver        = -1
	defaultNATSMaxAckPending     = 1024
	defaultDedupWindowSec        = 300
	defaultDedupSweepSec         = 60
	defaultDedupBucket           = "notifier_dedup"
	defaultCollaboratorTimeoutMS = 2000
	defaultDeliveryTimeoutMS     = 10000
	defaultRecipientConcurrency  = 8
	defaultRedisAddr             = "127.0.0.1:6379"
	defaultRedisKeyPrefix        = "notifier:"
	defaultNotifyLogSubject      = "notifier.log"
	defaultNotifyLogStream       = "NOTIFIER_LOG"
	defaultNotifyLogMaxAgeSec    = 7 * 24 * 3600
)

const (
	// ServiceModeSingle runs one instance with in-process state.
	ServiceModeSingle = "single"
	// ServiceModeCluster runs many instances sharing dedup and digest state.
	ServiceModeCluster = "cluster"
)

// Backend names accepted by [dedup], [digest], [store] and [notify_log].
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendConfig   = "config"
	BackendPostgres = "postgres"
	BackendSlog     = "slog"
)

const (
	// NotifyChannelTelegram delivers through Telegram Bot API.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP delivers through an outbound webhook.
	NotifyChannelHTTP = "http"
)

var (
	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	legacyUserArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*user\s*\]\]`)
	notifyChannels         = []string{NotifyChannelTelegram, NotifyChannelHTTP}
)

// Config holds service runtime settings, rules and users.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Ingest    IngestConfig    `toml:"ingest"`
	Engine    EngineConfig    `toml:"engine"`
	Dedup     DedupConfig     `toml:"dedup"`
	Digest    DigestConfig    `toml:"digest"`
	Redis     RedisConfig     `toml:"redis"`
	Store     StoreConfig     `toml:"store"`
	NotifyLog NotifyLogConfig `toml:"notify_log"`
	Notify    NotifyConfig    `toml:"notify"`
	Rule      []RuleConfig    `toml:"rule"`
	User      []UserConfig    `toml:"user"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule and user maps keyed by table name.
type rawConfig struct {
	Service   ServiceConfig            `toml:"service"`
	Log       LogConfig                `toml:"log"`
	Ingest    IngestConfig             `toml:"ingest"`
	Engine    EngineConfig             `toml:"engine"`
	Dedup     DedupConfig              `toml:"dedup"`
	Digest    DigestConfig             `toml:"digest"`
	Redis     RedisConfig              `toml:"redis"`
	Store     StoreConfig              `toml:"store"`
	NotifyLog NotifyLogConfig          `toml:"notify_log"`
	Notify    NotifyConfig             `toml:"notify"`
	Rule      map[string]rawRuleConfig `toml:"rule"`
	User      map[string]rawUserConfig `toml:"user"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name                  string `toml:"name"`
	Mode                  string `toml:"mode"`
	ReloadEnabled         bool   `toml:"reload_enabled"`
	ReloadIntervalSec     int    `toml:"reload_interval_sec"`
	DigestScanIntervalSec int    `toml:"digest_scan_interval_sec"`
	Workers               int    `toml:"workers"`
	QueueSize             int    `toml:"queue_size"`
}

// LogConfig configures console and file sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig describes one log sink.
// Params: enable flag, level, format (line|json), and file path.
// Returns: sink settings consumed by logging.New.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound event interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP event ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, routing and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool       `toml:"enabled"`
	URL           StringList `toml:"url"`
	Subject       string     `toml:"subject"`
	Stream        string     `toml:"stream"`
	ConsumerName  string     `toml:"consumer_name"`
	DeliverGroup  string     `toml:"deliver_group"`
	Workers       int        `toml:"workers"`
	AckWaitSec    int        `toml:"ack_wait_sec"`
	NackDelayMS   int        `toml:"nack_delay_ms"`
	MaxDeliver    int        `toml:"max_deliver"`
	MaxAckPending int        `toml:"max_ack_pending"`
}

// EngineConfig tunes rule evaluation and dispatch.
// Params: dedup window, collaborator and delivery timeouts, recipient parallelism,
// default timezone and default preferences for users without stored ones.
// Returns: engine policy.
type EngineConfig struct {
	DedupWindowSec            int                `toml:"dedup_window_sec"`
	CollaboratorTimeoutMS     int                `toml:"collaborator_timeout_ms"`
	DeliveryTimeoutMS         int                `toml:"delivery_timeout_ms"`
	RecipientConcurrency      int                `toml:"recipient_concurrency"`
	Timezone                  string             `toml:"timezone"`
	DefaultEmailNotifications *bool              `toml:"default_email_notifications"`
	DefaultEventOptIn         map[string]bool    `toml:"default_event_opt_in"`
	DefaultQuietHours         *domain.QuietHours `toml:"default_quiet_hours"`
	DefaultDigest             *domain.DigestMode `toml:"default_digest"`
}

// DedupWindow returns the suppression window.
func (e EngineConfig) DedupWindow() time.Duration {
	return time.Duration(e.DedupWindowSec) * time.Second
}

// CollaboratorTimeout returns the per-call store/directory timeout.
func (e EngineConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(e.CollaboratorTimeoutMS) * time.Millisecond
}

// DeliveryTimeout returns the per-recipient send timeout.
func (e EngineConfig) DeliveryTimeout() time.Duration {
	return time.Duration(e.DeliveryTimeoutMS) * time.Millisecond
}

// EmailNotificationsDefault reports the global opt-in for users without preferences.
// Params: none.
// Returns: configured value or true when unset.
func (e EngineConfig) EmailNotificationsDefault() bool {
	if e.DefaultEmailNotifications == nil {
		return true
	}
	return *e.DefaultEmailNotifications
}

// Location resolves the engine timezone.
// Params: none.
// Returns: configured location or UTC.
func (e EngineConfig) Location() *time.Location {
	return domain.ResolveLocation(e.Timezone, time.UTC)
}

// DedupConfig selects the dedup backend.
type DedupConfig struct {
	Backend          string `toml:"backend"`
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
	Bucket           string `toml:"bucket"`
}

// DigestConfig selects the digest queue backend.
type DigestConfig struct {
	Backend string `toml:"backend"`
}

// RedisConfig holds the shared Redis connection used by dedup and digest.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// StoreConfig selects where rules, users and preferences live.
// Params: backend config|postgres, DSN, and schema bootstrap toggle.
// Returns: store settings.
type StoreConfig struct {
	Backend      string `toml:"backend"`
	DSN          string `toml:"dsn"`
	EnsureSchema bool   `toml:"ensure_schema"`
}

// NotifyLogConfig lists notification log sinks.
// Params: backends (slog|postgres|nats), JetStream subject/stream and retention.
// Returns: log fan-out settings.
type NotifyLogConfig struct {
	Backends  StringList `toml:"backends"`
	Subject   string     `toml:"subject"`
	Stream    string     `toml:"stream"`
	MaxAgeSec int        `toml:"max_age_sec"`
}

// NotifyConfig defines outbound notification behavior.
// Params: default channel, per-channel transports and reusable templates.
// Returns: notification controls.
type NotifyConfig struct {
	DefaultChannel string           `toml:"default_channel"`
	Telegram       TelegramNotifier `toml:"telegram"`
	HTTP           HTTPNotifier     `toml:"http"`
	Template       []TemplateConfig `toml:"template"`
}

// TemplateConfig describes one reusable message template.
// Params: template id referenced by rules, subject and Go text/template body.
// Returns: template entry compiled by the notify package.
type TemplateConfig struct {
	ID      string `toml:"id"`
	Subject string `toml:"subject"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, API base URL, and retry policy.
// Returns: Telegram sender configuration; chat ids come from user contacts.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
}

// HTTPNotifier defines outbound webhook delivery.
// Params: fallback URL, method, timeout, optional static headers, and retry policy.
// Returns: HTTP sender configuration; user webhook URLs override URL.
type HTTPNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
}

// RuleConfig is one normalized `[rule.<id>]` table.
type RuleConfig struct {
	ID                    string
	OrgID                 string
	Name                  string
	EventType             string
	Active                bool
	Conditions            []domain.Condition
	ConditionLogic        domain.Logic
	Recipient             domain.RecipientSpec
	Recipients            []domain.RecipientSpec
	TemplateID            string
	Priority              int
	StopOnMatch           bool
	ExcludeTriggeringUser bool
}

// rawRuleConfig stores one rule body from `[rule.<id>]` table.
type rawRuleConfig struct {
	ID                    string                 `toml:"id"`
	OrgID                 string                 `toml:"org_id"`
	Name                  string                 `toml:"name"`
	EventType             string                 `toml:"event_type"`
	Active                *bool                  `toml:"active"`
	Conditions            []domain.Condition     `toml:"condition"`
	ConditionLogic        domain.Logic           `toml:"condition_logic"`
	Recipient             domain.RecipientSpec   `toml:"recipient"`
	Recipients            []domain.RecipientSpec `toml:"recipients"`
	TemplateID            string                 `toml:"template_id"`
	Priority              int                    `toml:"priority"`
	StopOnMatch           bool                   `toml:"stop_on_match"`
	ExcludeTriggeringUser bool                   `toml:"exclude_triggering_user"`
}

// DomainRule converts rule config into the engine model.
// Params: none.
// Returns: domain rule.
func (r RuleConfig) DomainRule() domain.Rule {
	return domain.Rule{
		ID:                    r.ID,
		OrgID:                 r.OrgID,
		Name:                  r.Name,
		EventType:             r.EventType,
		IsActive:              r.Active,
		Conditions:            append([]domain.Condition(nil), r.Conditions...),
		ConditionLogic:        r.ConditionLogic,
		Recipient:             r.Recipient,
		Recipients:            append([]domain.RecipientSpec(nil), r.Recipients...),
		TemplateID:            r.TemplateID,
		Priority:              r.Priority,
		StopOnMatch:           r.StopOnMatch,
		ExcludeTriggeringUser: r.ExcludeTriggeringUser,
	}
}

// UserConfig is one normalized `[user.<id>]` table.
type UserConfig struct {
	ID             string
	OrgID          string
	Roles          []string
	Active         bool
	Email          string
	TelegramChatID int64
	WebhookURL     string
	Preferences    *PreferencesConfig
}

// rawUserConfig stores one user body from `[user.<id>]` table.
type rawUserConfig struct {
	OrgID          string             `toml:"org_id"`
	Roles          []string           `toml:"roles"`
	Active         *bool              `toml:"active"`
	Email          string             `toml:"email"`
	TelegramChatID int64              `toml:"telegram_chat_id"`
	WebhookURL     string             `toml:"webhook_url"`
	Preferences    *PreferencesConfig `toml:"preferences"`
}

// PreferencesConfig is the `[user.<id>.preferences]` table.
type PreferencesConfig struct {
	EmailNotifications *bool              `toml:"email_notifications"`
	Events             map[string]bool    `toml:"events"`
	QuietHours         *domain.QuietHours `toml:"quiet_hours"`
	Digest             *domain.DigestMode `toml:"digest"`
}

// StoreUser converts user config into a directory entry.
// Params: none.
// Returns: store user with preferences when the table is present.
func (u UserConfig) StoreUser() store.User {
	user := store.User{
		ID:             u.ID,
		OrgID:          u.OrgID,
		Roles:          append([]string(nil), u.Roles...),
		Active:         u.Active,
		Email:          u.Email,
		TelegramChatID: u.TelegramChatID,
		WebhookURL:     u.WebhookURL,
	}
	if u.Preferences != nil {
		prefs := domain.UserPreferences{
			UserID:             u.ID,
			EmailNotifications: true,
			Events:             u.Preferences.Events,
			QuietHours:         u.Preferences.QuietHours,
			DigestMode:         u.Preferences.Digest,
		}
		if u.Preferences.EmailNotifications != nil {
			prefs.EmailNotifications = *u.Preferences.EmailNotifications
		}
		user.Preferences = &prefs
	}
	return user
}

// Snapshot converts configured rules and users into a memory-store snapshot.
// Params: none.
// Returns: rules in declaration order and users.
func (c Config) Snapshot() store.Snapshot {
	snapshot := store.Snapshot{
		Rules: make([]domain.Rule, 0, len(c.Rule)),
		Users: make([]store.User, 0, len(c.User)),
	}
	for _, rule := range c.Rule {
		snapshot.Rules = append(snapshot.Rules, rule.DomainRule())
	}
	for _, user := range c.User {
		snapshot.Users = append(snapshot.Users, user.StoreUser())
	}
	return snapshot
}

// StringList decodes TOML scalar/string-array into a normalized list.
// Params: raw TOML value.
// Returns: normalized list of values.
type StringList []string

// UnmarshalTOML decodes list from scalar or array.
// Params: parsed TOML value from decoder.
// Returns: conversion error for unsupported types.
func (s *StringList) UnmarshalTOML(v interface{}) error {
	switch t := v.(type) {
	case string:
		*s = []string{t}
		return nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, raw := range t {
			str, ok := raw.(string)
			if !ok {
				return fmt.Errorf("string list contains non-string value %T", raw)
			}
			out = append(out, str)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("unsupported string list type %T", v)
	}
}

// ConfigSource selects file or directory loading mode.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI validates mutually exclusive config flags.
// Params: --config-file and --config-dir values.
// Returns: config source or flag validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)
	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NormalizeServiceMode lower-cases mode and defaults to single.
func NormalizeServiceMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// NATSURLs returns the shared NATS URL list used by ingest, dedup and log sinks.
// Params: none.
// Returns: trimmed URLs or the local default.
func (c Config) NATSURLs() []string {
	urls := normalizeNATSURLs(c.Ingest.NATS.URL)
	if len(urls) == 0 {
		return []string{defaultNATSURL}
	}
	return urls
}

// UsesNATS reports whether any component needs a NATS connection.
func (c Config) UsesNATS() bool {
	if c.Ingest.NATS.Enabled || c.Dedup.Backend == BackendNATS {
		return true
	}
	return c.NotifyLog.Has(BackendNATS)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Dedup.Backend == BackendRedis || c.Digest.Backend == BackendRedis
}

// Has reports whether backend is listed.
func (n NotifyLogConfig) Has(backend string) bool {
	for _, name := range n.Backends {
		if name == backend {
			return true
		}
	}
	return false
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
type configMergeHints struct {
	Notify notifyMergeHints `toml:"notify"`
}

// notifyMergeHints tracks explicit enabled flags in channel sections.
type notifyMergeHints struct {
	Telegram channelMergeHints `toml:"telegram"`
	HTTP     channelMergeHints `toml:"http"`
}

type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment and its bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.Ingest.HTTP, src.Ingest.HTTP)
	overlay(&dst.Ingest.NATS, src.Ingest.NATS)
	overlay(&dst.Engine, src.Engine)
	overlay(&dst.Dedup, src.Dedup)
	overlay(&dst.Digest, src.Digest)
	overlay(&dst.Redis, src.Redis)
	overlay(&dst.Store, src.Store)
	overlay(&dst.NotifyLog, src.NotifyLog)

	if src.Notify.DefaultChannel != "" {
		dst.Notify.DefaultChannel = src.Notify.DefaultChannel
	}
	mergeTelegram(&dst.Notify.Telegram, src.Notify.Telegram, hints.Notify.Telegram)
	mergeHTTPNotifier(&dst.Notify.HTTP, src.Notify.HTTP, hints.Notify.HTTP)
	dst.Notify.Template = append(dst.Notify.Template, src.Notify.Template...)
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.User = append(dst.User, src.User...)
}

// mergeTelegram overlays telegram fragment preserving sibling fields.
// Params: destination, fragment and explicit enabled hint.
// Returns: merged settings in dst.
func mergeTelegram(dst *TelegramNotifier, src TelegramNotifier, hints channelMergeHints) {
	if hints.Enabled != nil {
		dst.Enabled = *hints.Enabled
	} else if src.Enabled {
		dst.Enabled = true
	}
	if src.BotToken != "" {
		dst.BotToken = src.BotToken
	}
	if src.APIBase != "" {
		dst.APIBase = src.APIBase
	}
	overlay(&dst.Retry, src.Retry)
}

// mergeHTTPNotifier overlays webhook fragment preserving sibling fields.
// Params: destination, fragment and explicit enabled hint.
// Returns: merged settings in dst.
func mergeHTTPNotifier(dst *HTTPNotifier, src HTTPNotifier, hints channelMergeHints) {
	if hints.Enabled != nil {
		dst.Enabled = *hints.Enabled
	} else if src.Enabled {
		dst.Enabled = true
	}
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.Method != "" {
		dst.Method = src.Method
	}
	if src.TimeoutSec != 0 {
		dst.TimeoutSec = src.TimeoutSec
	}
	if len(src.Headers) > 0 {
		dst.Headers = src.Headers
	}
	overlay(&dst.Retry, src.Retry)
}

// overlay replaces dst with src when src section was present.
func overlay[T any](dst *T, src T) {
	if !isZero(src) {
		*dst = src
	}
}

func isZero[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsZero()
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with rules and users sorted by key.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Ingest:    raw.Ingest,
		Engine:    raw.Engine,
		Dedup:     raw.Dedup,
		Digest:    raw.Digest,
		Redis:     raw.Redis,
		Store:     raw.Store,
		NotifyLog: raw.NotifyLog,
		Notify:    raw.Notify,
	}

	for _, id := range sortedKeys(raw.Rule) {
		body := raw.Rule[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("rule.%s.id is not supported; use [rule.%s] key as rule id", id, id)
		}
		active := true
		if body.Active != nil {
			active = *body.Active
		}
		name := body.Name
		if strings.TrimSpace(name) == "" {
			name = id
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			ID:                    id,
			OrgID:                 body.OrgID,
			Name:                  name,
			EventType:             body.EventType,
			Active:                active,
			Conditions:            body.Conditions,
			ConditionLogic:        body.ConditionLogic,
			Recipient:             body.Recipient,
			Recipients:            body.Recipients,
			TemplateID:            body.TemplateID,
			Priority:              body.Priority,
			StopOnMatch:           body.StopOnMatch,
			ExcludeTriggeringUser: body.ExcludeTriggeringUser,
		})
	}

	for _, id := range sortedKeys(raw.User) {
		body := raw.User[id]
		active := true
		if body.Active != nil {
			active = *body.Active
		}
		cfg.User = append(cfg.User, UserConfig{
			ID:             id,
			OrgID:          body.OrgID,
			Roles:          body.Roles,
			Active:         active,
			Email:          body.Email,
			TelegramChatID: body.TelegramChatID,
			WebhookURL:     body.WebhookURL,
			Preferences:    body.Preferences,
		})
	}
	return cfg, nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("[[rule]] arrays are not supported; use [rule.<rule_id>] tables")
	}
	if legacyUserArrayPattern.Match(body) {
		return errors.New("[[user]] arrays are not supported; use [user.<user_id>] tables")
	}
	return nil
}

// applyDefaults fills omitted settings.
// Params: cfg to mutate in place.
// Returns: none.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.DigestScanIntervalSec <= 0 {
		cfg.Service.DigestScanIntervalSec = defaultDigestScanSeconds
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.QueueSize <= 0 {
		cfg.Service.QueueSize = defaultQueueSize
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	applyIngestDefaults(cfg)
	applyEngineDefaults(&cfg.Engine)

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = BackendMemory
		if cfg.Service.Mode == ServiceModeCluster {
			cfg.Dedup.Backend = BackendRedis
		}
	}
	if cfg.Dedup.SweepIntervalSec <= 0 {
		cfg.Dedup.SweepIntervalSec = defaultDedupSweepSec
	}
	if cfg.Dedup.Bucket == "" {
		cfg.Dedup.Bucket = defaultDedupBucket
	}
	if cfg.Digest.Backend == "" {
		cfg.Digest.Backend = BackendMemory
		if cfg.Service.Mode == ServiceModeCluster {
			cfg.Digest.Backend = BackendRedis
		}
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendConfig
	}

	if len(cfg.NotifyLog.Backends) == 0 {
		cfg.NotifyLog.Backends = StringList{BackendSlog}
	}
	if cfg.NotifyLog.Subject == "" {
		cfg.NotifyLog.Subject = defaultNotifyLogSubject
	}
	if cfg.NotifyLog.Stream == "" {
		cfg.NotifyLog.Stream = defaultNotifyLogStream
	}
	if cfg.NotifyLog.MaxAgeSec <= 0 {
		cfg.NotifyLog.MaxAgeSec = defaultNotifyLogMaxAgeSec
	}

	applyNotifyDefaults(&cfg.Notify)
}

// applyIngestDefaults fills HTTP and NATS ingest settings.
func applyIngestDefaults(cfg *Config) {
	httpCfg := &cfg.Ingest.HTTP
	if strings.TrimSpace(httpCfg.Listen) == "" {
		httpCfg.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(httpCfg.HealthPath) == "" {
		httpCfg.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(httpCfg.ReadyPath) == "" {
		httpCfg.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(httpCfg.IngestPath) == "" {
		httpCfg.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(httpCfg.MetricsPath) == "" {
		httpCfg.MetricsPath = defaultMetricsPath
	}
	if httpCfg.MaxBodyBytes <= 0 {
		httpCfg.MaxBodyBytes = 2 << 20
	}

	natsCfg := &cfg.Ingest.NATS
	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode never consumes from NATS regardless of user flags.
		natsCfg.Enabled = false
		httpCfg.Enabled = true
		return
	}
	natsCfg.URL = normalizeNATSURLs(natsCfg.URL)
	if len(natsCfg.URL) == 0 {
		natsCfg.URL = StringList{defaultNATSURL}
	}
	if natsCfg.Subject == "" {
		natsCfg.Subject = defaultNATSSubject
	}
	if natsCfg.Stream == "" {
		natsCfg.Stream = defaultNATSIngestStream
	}
	if natsCfg.ConsumerName == "" {
		natsCfg.ConsumerName = defaultNATSIngestConsumer
	}
	if natsCfg.DeliverGroup == "" {
		natsCfg.DeliverGroup = defaultNATSIngestGroup
	}
	if natsCfg.Workers == 0 {
		natsCfg.Workers = defaultWorkers
	}
	if natsCfg.AckWaitSec <= 0 {
		natsCfg.AckWaitSec = defaultNATSAckWaitSec
	}
	if natsCfg.NackDelayMS <= 0 {
		natsCfg.NackDelayMS = defaultNATSNackDelayMS
	}
	if natsCfg.MaxDeliver == 0 {
		natsCfg.MaxDeliver = defaultNATSMaxDeliver
	}
	if natsCfg.MaxAckPending <= 0 {
		natsCfg.MaxAckPending = defaultNATSMaxAckPending
	}
	if !httpCfg.Enabled && !natsCfg.Enabled {
		httpCfg.Enabled = true
	}
}

func applyEngineDefaults(engine *EngineConfig) {
	if engine.DedupWindowSec <= 0 {
		engine.DedupWindowSec = defaultDedupWindowSec
	}
	if engine.CollaboratorTimeoutMS <= 0 {
		engine.CollaboratorTimeoutMS = defaultCollaboratorTimeoutMS
	}
	if engine.DeliveryTimeoutMS <= 0 {
		engine.DeliveryTimeoutMS = defaultDeliveryTimeoutMS
	}
	if engine.RecipientConcurrency <= 0 {
		engine.RecipientConcurrency = defaultRecipientConcurrency
	}
	if engine.Timezone == "" {
		engine.Timezone = "UTC"
	}
	if engine.DefaultDigest != nil && engine.DefaultDigest.Frequency == "" {
		engine.DefaultDigest.Frequency = domain.DigestDaily
	}
}

func applyNotifyDefaults(notify *NotifyConfig) {
	if notify.DefaultChannel == "" {
		notify.DefaultChannel = NotifyChannelTelegram
		if !notify.Telegram.Enabled && notify.HTTP.Enabled {
			notify.DefaultChannel = NotifyChannelHTTP
		}
	}
	if notify.Telegram.APIBase == "" {
		notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&notify.Telegram.Retry)
	if notify.HTTP.Method == "" {
		notify.HTTP.Method = "POST"
	}
	if notify.HTTP.TimeoutSec <= 0 {
		notify.HTTP.TimeoutSec = 10
	}
	fillNotifyRetryDefaults(&notify.HTTP.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := cfg.Service.Mode
	if mode != ServiceModeSingle && mode != ServiceModeCluster {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	if cfg.Ingest.NATS.Enabled {
		for i, url := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.Workers <= 0 {
			return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}
	if err := validateBackends(cfg); err != nil {
		return err
	}

	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	if !containsString(notifyChannels, cfg.Notify.DefaultChannel) {
		return fmt.Errorf("notify.default_channel has unsupported value %q", cfg.Notify.DefaultChannel)
	}
	templates, err := validateNotifyTemplates(cfg.Notify.Template)
	if err != nil {
		return err
	}

	if cfg.Store.Backend == BackendConfig && len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required when store.backend=config")
	}
	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for i, rule := range cfg.Rule {
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		if strings.TrimSpace(rule.OrgID) == "" {
			return fmt.Errorf("rule[%d] %q: org_id is required", i, rule.ID)
		}
		if err := rules.Validate(rule.DomainRule()); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.ID, err)
		}
		if rule.TemplateID != "" && len(templates) > 0 {
			if _, ok := templates[rule.TemplateID]; !ok {
				return fmt.Errorf("rule[%d] %q: template_id %q is not defined in [[notify.template]]", i, rule.ID, rule.TemplateID)
			}
		}
	}

	userIDs := make(map[string]struct{}, len(cfg.User))
	for _, user := range cfg.User {
		if _, exists := userIDs[user.ID]; exists {
			return fmt.Errorf("duplicate user id %q", user.ID)
		}
		userIDs[user.ID] = struct{}{}
		if err := validateUser(user); err != nil {
			return fmt.Errorf("user %q: %w", user.ID, err)
		}
	}
	return nil
}

func validateEngine(engine EngineConfig) error {
	if _, err := time.LoadLocation(engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone is invalid: %w", err)
	}
	if engine.DefaultQuietHours != nil && engine.DefaultQuietHours.Enabled {
		if err := engine.DefaultQuietHours.Validate(); err != nil {
			return fmt.Errorf("engine.default_quiet_hours: %w", err)
		}
	}
	if engine.DefaultDigest != nil && engine.DefaultDigest.Enabled {
		if err := engine.DefaultDigest.Validate(); err != nil {
			return fmt.Errorf("engine.default_digest: %w", err)
		}
	}
	return nil
}

// validateBackends checks backend names and mode compatibility.
func validateBackends(cfg Config) error {
	switch cfg.Dedup.Backend {
	case BackendMemory, BackendRedis, BackendNATS:
	default:
		return fmt.Errorf("dedup.backend has unsupported value %q", cfg.Dedup.Backend)
	}
	switch cfg.Digest.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("digest.backend has unsupported value %q", cfg.Digest.Backend)
	}
	switch cfg.Store.Backend {
	case BackendConfig:
	case BackendPostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}
	for _, backend := range cfg.NotifyLog.Backends {
		switch backend {
		case BackendSlog, BackendNATS:
		case BackendPostgres:
			if strings.TrimSpace(cfg.Store.DSN) == "" {
				return errors.New("store.dsn is required when notify_log.backends contains postgres")
			}
		default:
			return fmt.Errorf("notify_log.backends has unsupported value %q", backend)
		}
	}

	if cfg.Service.Mode == ServiceModeSingle {
		if cfg.Dedup.Backend == BackendNATS || cfg.NotifyLog.Has(BackendNATS) {
			return errors.New("nats backends require service.mode=cluster")
		}
		return nil
	}
	if cfg.Dedup.Backend == BackendMemory {
		return errors.New("dedup.backend=memory is not allowed when service.mode=cluster")
	}
	if cfg.Digest.Backend == BackendMemory {
		return errors.New("digest.backend=memory is not allowed when service.mode=cluster")
	}
	return nil
}

func validateUser(user UserConfig) error {
	if strings.TrimSpace(user.OrgID) == "" {
		return errors.New("org_id is required")
	}
	if user.Preferences == nil {
		return nil
	}
	if quiet := user.Preferences.QuietHours; quiet != nil && quiet.Enabled {
		if err := quiet.Validate(); err != nil {
			return fmt.Errorf("preferences.quiet_hours: %w", err)
		}
	}
	if digest := user.Preferences.Digest; digest != nil && digest.Enabled {
		if err := digest.Validate(); err != nil {
			return fmt.Errorf("preferences.digest: %w", err)
		}
	}
	return nil
}

// validateNotifyTemplates parses every template and rejects duplicate ids.
// Params: configured templates.
// Returns: set of template ids or validation error.
func validateNotifyTemplates(templates []TemplateConfig) (map[string]struct{}, error) {
	ids := make(map[string]struct{}, len(templates))
	for i, tpl := range templates {
		id := strings.TrimSpace(tpl.ID)
		if id == "" {
			return nil, fmt.Errorf("notify.template[%d].id is required", i)
		}
		if _, exists := ids[id]; exists {
			return nil, fmt.Errorf("duplicate notify.template id %q", id)
		}
		ids[id] = struct{}{}
		path := fmt.Sprintf("notify.template[%s]", id)
		if err := validateMessageTemplate(path+".message", tpl.Message); err != nil {
			return nil, err
		}
		if strings.TrimSpace(tpl.Subject) != "" {
			if err := validateMessageTemplate(path+".subject", tpl.Subject); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) StringList {
	if len(urls) == 0 {
		return nil
	}
	out := make(StringList, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
