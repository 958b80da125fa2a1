package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"notifier/internal/config"
	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/store"
	"notifier/internal/templatefmt"
)

const (
	defaultSubject  = `{{ .Event.Type }}`
	defaultMessage  = `[{{ .Event.Type }}] {{ json .Event.Data }}`
	digestSubject   = `{{ .Count }} notifications`
	digestMessage   = "{{ .Count }} notifications\n{{ range .Entries }}- {{ .EventType }} ({{ .RuleID }}) at {{ fmtTime .EnqueuedAt }}\n{{ end }}"
	digestTemplate  = "digest"
	fallbackTplName = "default"
)

// Message is one rendered outbound notification.
type Message struct {
	RecipientID string         `json:"recipient_id"`
	Channel     string         `json:"channel"`
	TemplateID  string         `json:"template_id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Text        string         `json:"text"`
	EventType   string         `json:"event_type,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	DigestSize  int            `json:"digest_size,omitempty"`
}

// TemplateData is the value passed to notification templates.
type TemplateData struct {
	RecipientID string
	Event       domain.Event
	Entries     []domain.DigestEntry
	Count       int
}

// ChannelSender sends one rendered message to one contact.
// Params: context, recipient contact and rendered message.
// Returns: transport error; fault.Permanent marks errors that retries cannot fix.
type ChannelSender interface {
	Channel() string
	Accepts(contact store.Contact) bool
	Send(ctx context.Context, contact store.Contact, message Message) error
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Dispatcher renders templates and delivers through the first channel the contact supports.
// Params: contact book, channel senders in preference order, retry policies and templates.
// Returns: sender consumed by the dispatch coordinator.
type Dispatcher struct {
	contacts  store.ContactBook
	senders   []ChannelSender
	retries   map[string]config.NotifyRetry
	templates map[string]compiledTemplate
	logger    *slog.Logger
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: notify config, contact book and logger.
// Returns: configured dispatcher or template compile error.
func NewDispatcher(cfg config.NotifyConfig, contacts store.ContactBook, logger *slog.Logger) (*Dispatcher, error) {
	var senders []ChannelSender
	retries := make(map[string]config.NotifyRetry)
	if cfg.Telegram.Enabled {
		sender, err := NewTelegramSender(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		senders = append(senders, sender)
		retries[config.NotifyChannelTelegram] = cfg.Telegram.Retry
	}
	if cfg.HTTP.Enabled {
		senders = append(senders, NewHTTPSender(cfg.HTTP))
		retries[config.NotifyChannelHTTP] = cfg.HTTP.Retry
	}
	senders = preferChannel(senders, cfg.DefaultChannel)

	templates, err := compileTemplates(cfg.Template)
	if err != nil {
		return nil, err
	}
	return newDispatcher(contacts, senders, retries, templates, logger), nil
}

func newDispatcher(
	contacts store.ContactBook,
	senders []ChannelSender,
	retries map[string]config.NotifyRetry,
	templates map[string]compiledTemplate,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if templates == nil {
		templates = make(map[string]compiledTemplate)
	}
	if _, ok := templates[fallbackTplName]; !ok {
		templates[fallbackTplName] = mustCompile(fallbackTplName, defaultSubject, defaultMessage)
	}
	if _, ok := templates[digestTemplate]; !ok {
		templates[digestTemplate] = mustCompile(digestTemplate, digestSubject, digestMessage)
	}
	return &Dispatcher{
		contacts:  contacts,
		senders:   senders,
		retries:   retries,
		templates: templates,
		logger:    logger,
	}
}

// Channels returns configured channels in preference order.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.senders))
	for _, sender := range d.senders {
		out = append(out, sender.Channel())
	}
	return out
}

// Send renders and delivers one immediate notification.
// Params: context, recipient, rule template id and triggering event.
// Returns: delivery verdict; never panics on transport errors.
func (d *Dispatcher) Send(ctx context.Context, recipientID, templateID string, event domain.Event) domain.DeliveryResult {
	data := TemplateData{RecipientID: recipientID, Event: event, Count: 1}
	message := Message{
		RecipientID: recipientID,
		TemplateID:  templateID,
		EventType:   event.Type,
		EventID:     event.Identity(),
		OrgID:       event.OrgID,
		Data:        event.Data,
	}
	return d.deliver(ctx, recipientID, templateID, data, message)
}

// SendDigest renders and delivers one batched digest notification.
// Params: context, recipient and queued digest entries.
// Returns: delivery verdict for the whole batch.
func (d *Dispatcher) SendDigest(ctx context.Context, recipientID string, entries []domain.DigestEntry) domain.DeliveryResult {
	data := TemplateData{RecipientID: recipientID, Entries: entries, Count: len(entries)}
	if len(entries) > 0 {
		data.Event = domain.Event{
			Type:  entries[0].EventType,
			OrgID: entries[0].OrgID,
			Data:  entries[0].Data,
		}
	}
	message := Message{
		RecipientID: recipientID,
		TemplateID:  digestTemplate,
		OrgID:       data.Event.OrgID,
		DigestSize:  len(entries),
	}
	return d.deliver(ctx, recipientID, digestTemplate, data, message)
}

func (d *Dispatcher) deliver(ctx context.Context, recipientID, templateID string, data TemplateData, message Message) domain.DeliveryResult {
	contact, err := d.contacts.Contact(ctx, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure("", fmt.Errorf("no contact for recipient %q", recipientID))
		}
		return failure("", fault.Collaborator("lookup contact", err))
	}

	sender := d.pickSender(contact)
	if sender == nil {
		return failure("", fmt.Errorf("no configured channel can reach recipient %q", recipientID))
	}

	subject, text, err := d.render(templateID, data)
	if err != nil {
		return failure(sender.Channel(), err)
	}
	message.Channel = sender.Channel()
	message.Subject = subject
	message.Text = text

	if err := d.sendWithRetry(ctx, sender, contact, message, d.retries[sender.Channel()]); err != nil {
		return failure(sender.Channel(), err)
	}
	return domain.DeliveryResult{Success: true, Channel: sender.Channel()}
}

// pickSender returns the first sender in preference order that can reach contact.
func (d *Dispatcher) pickSender(contact store.Contact) ChannelSender {
	for _, sender := range d.senders {
		if sender.Accepts(contact) {
			return sender
		}
	}
	return nil
}

// render resolves template by id with fallback to the default template.
// Params: template id and template data.
// Returns: rendered subject and body.
func (d *Dispatcher) render(templateID string, data TemplateData) (string, string, error) {
	compiled, ok := d.templates[strings.TrimSpace(templateID)]
	if !ok {
		compiled = d.templates[fallbackTplName]
	}
	var subject string
	if compiled.subject != nil {
		rendered, err := templatefmt.Execute(compiled.subject, data)
		if err != nil {
			return "", "", fault.Configuration("render subject "+templateID, err)
		}
		subject = strings.TrimSpace(rendered)
	}
	text, err := templatefmt.Execute(compiled.body, data)
	if err != nil {
		return "", "", fault.Configuration("render template "+templateID, err)
	}
	return subject, text, nil
}

// sendWithRetry sends one message with channel-specific retry policy.
// Params: sender, contact, payload, and retry policy for the sender channel.
// Returns: final error after retries; permanent errors stop immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, contact store.Contact, message Message, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, contact, message)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := sender.Send(ctx, contact, message)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "recipient_id", message.RecipientID, "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "recipient_id", message.RecipientID, "attempt", attempt, "error", err.Error())
		}
		if fault.IsPermanent(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("channel %s gave up after %d attempts: %w", sender.Channel(), attempt, ctx.Err())
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func failure(channel string, err error) domain.DeliveryResult {
	return domain.DeliveryResult{Success: false, Channel: channel, Error: err.Error()}
}

// preferChannel moves the default channel to the front keeping the rest in order.
func preferChannel(senders []ChannelSender, channel string) []ChannelSender {
	out := make([]ChannelSender, 0, len(senders))
	for _, sender := range senders {
		if sender.Channel() == channel {
			out = append(out, sender)
		}
	}
	for _, sender := range senders {
		if sender.Channel() != channel {
			out = append(out, sender)
		}
	}
	return out
}

// compileTemplates parses configured templates keyed by id.
// Params: template configs.
// Returns: compiled lookup or first parse error.
func compileTemplates(templates []config.TemplateConfig) (map[string]compiledTemplate, error) {
	compiled := make(map[string]compiledTemplate, len(templates))
	for _, tpl := range templates {
		id := strings.TrimSpace(tpl.ID)
		entry := compiledTemplate{}
		body, err := templatefmt.ParseNotificationTemplate("notify.template."+id+".message", tpl.Message)
		if err != nil {
			return nil, fmt.Errorf("parse notify template %q: %w", id, err)
		}
		entry.body = body
		if strings.TrimSpace(tpl.Subject) != "" {
			subject, err := templatefmt.ParseNotificationTemplate("notify.template."+id+".subject", tpl.Subject)
			if err != nil {
				return nil, fmt.Errorf("parse notify template %q subject: %w", id, err)
			}
			entry.subject = subject
		}
		compiled[id] = entry
	}
	return compiled, nil
}

func mustCompile(name, subject, body string) compiledTemplate {
	return compiledTemplate{
		subject: template.Must(templatefmt.ParseNotificationTemplate(name+".subject", subject)),
		body:    template.Must(templatefmt.ParseNotificationTemplate(name+".message", body)),
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status error; client errors other than 408/429 are permanent.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if response.StatusCode >= 400 && response.StatusCode < 500 &&
		response.StatusCode != http.StatusRequestTimeout && response.StatusCode != http.StatusTooManyRequests {
		return fault.Permanent(err)
	}
	return err
}
