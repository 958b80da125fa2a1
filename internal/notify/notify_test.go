package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notifier/internal/config"
	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/store"
)

type scriptedSender struct {
	channel string
	accepts func(store.Contact) bool
	errs    []error

	mu    sync.Mutex
	calls int
	items []Message
}

func (s *scriptedSender) Channel() string { return s.channel }

func (s *scriptedSender) Accepts(contact store.Contact) bool {
	if s.accepts == nil {
		return true
	}
	return s.accepts(contact)
}

func (s *scriptedSender) Send(_ context.Context, _ store.Contact, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.items = append(s.items, message)
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func contacts() *store.MemoryStore {
	return store.NewMemoryStore(store.Snapshot{Users: []store.User{
		{ID: "u1", OrgID: "org1", Active: true, TelegramChatID: 42},
		{ID: "u2", OrgID: "org1", Active: true, WebhookURL: "http://hooks.local/u2"},
		{ID: "u3", OrgID: "org1", Active: true},
	}})
}

func fastRetry(maxAttempts int) config.NotifyRetry {
	return config.NotifyRetry{Enabled: true, Backoff: "exponential", InitialMS: 1, MaxMS: 2, MaxAttempts: maxAttempts}
}

func sampleEvent() domain.Event {
	return domain.Event{
		ID:    "evt-1",
		Type:  "ticket.created",
		OrgID: "org1",
		Data:  map[string]any{"title": "Printer <down>", "priority": "high"},
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{channel: "http", errs: []error{errors.New("temporary"), errors.New("temporary")}}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, map[string]config.NotifyRetry{"http": fastRetry(0)}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := dispatcher.Send(ctx, "u2", "", sampleEvent())
	if !result.Success || result.Channel != "http" {
		t.Fatalf("unexpected result %+v", result)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{channel: "http", errs: []error{fault.Permanent(errors.New("bad request"))}}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, map[string]config.NotifyRetry{"http": fastRetry(0)}, nil, nil)

	result := dispatcher.Send(context.Background(), "u2", "", sampleEvent())
	if result.Success || !strings.Contains(result.Error, "bad request") {
		t.Fatalf("unexpected result %+v", result)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one attempt, got %d", sender.calls)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	failing := []error{errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4")}
	sender := &scriptedSender{channel: "http", errs: failing}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, map[string]config.NotifyRetry{"http": fastRetry(3)}, nil, nil)

	result := dispatcher.Send(context.Background(), "u2", "", sampleEvent())
	if result.Success || !strings.Contains(result.Error, "after 3 attempts") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestDispatcherWithoutRetrySendsOnce(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{channel: "http", errs: []error{errors.New("down")}}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, nil, nil, nil)

	result := dispatcher.Send(context.Background(), "u2", "", sampleEvent())
	if result.Success || sender.calls != 1 {
		t.Fatalf("unexpected result %+v after %d calls", result, sender.calls)
	}
}

func TestDispatcherPicksFirstReachableChannel(t *testing.T) {
	t.Parallel()

	telegram := &scriptedSender{channel: "telegram", accepts: func(c store.Contact) bool { return c.TelegramChatID != 0 }}
	webhook := &scriptedSender{channel: "http", accepts: func(c store.Contact) bool { return c.WebhookURL != "" }}
	dispatcher := newDispatcher(contacts(), []ChannelSender{telegram, webhook}, nil, nil, nil)

	if result := dispatcher.Send(context.Background(), "u1", "", sampleEvent()); result.Channel != "telegram" {
		t.Fatalf("expected telegram for u1, got %+v", result)
	}
	if result := dispatcher.Send(context.Background(), "u2", "", sampleEvent()); result.Channel != "http" {
		t.Fatalf("expected http for u2, got %+v", result)
	}
	result := dispatcher.Send(context.Background(), "u3", "", sampleEvent())
	if result.Success || !strings.Contains(result.Error, "no configured channel") {
		t.Fatalf("expected unreachable failure, got %+v", result)
	}
	result = dispatcher.Send(context.Background(), "ghost", "", sampleEvent())
	if result.Success || !strings.Contains(result.Error, "no contact") {
		t.Fatalf("expected missing contact failure, got %+v", result)
	}
}

func TestDispatcherRendersTemplates(t *testing.T) {
	t.Parallel()

	templates, err := compileTemplates([]config.TemplateConfig{{
		ID:      "ticket_created",
		Subject: "New ticket: {{ field .Event.Data \"title\" }}",
		Message: "Priority {{ field .Event.Data \"priority\" }} for {{ .RecipientID }}",
	}})
	if err != nil {
		t.Fatalf("compile templates: %v", err)
	}
	sender := &scriptedSender{channel: "http"}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, nil, templates, nil)

	if result := dispatcher.Send(context.Background(), "u2", "ticket_created", sampleEvent()); !result.Success {
		t.Fatalf("send failed: %+v", result)
	}
	if result := dispatcher.Send(context.Background(), "u2", "unknown", sampleEvent()); !result.Success {
		t.Fatalf("send with fallback failed: %+v", result)
	}

	first := sender.items[0]
	if first.Subject != "New ticket: Printer <down>" || first.Text != "Priority high for u2" {
		t.Fatalf("unexpected rendered message %+v", first)
	}
	if first.EventID != "evt-1" || first.TemplateID != "ticket_created" || first.Channel != "http" {
		t.Fatalf("unexpected message metadata %+v", first)
	}
	fallback := sender.items[1]
	if fallback.Subject != "ticket.created" || !strings.HasPrefix(fallback.Text, "[ticket.created] ") {
		t.Fatalf("unexpected fallback message %+v", fallback)
	}
}

func TestDispatcherSendDigest(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{channel: "http"}
	dispatcher := newDispatcher(contacts(), []ChannelSender{sender}, nil, nil, nil)
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	entries := []domain.DigestEntry{
		{UserID: "u2", OrgID: "org1", EventType: "ticket.created", RuleID: "r1", EnqueuedAt: at},
		{UserID: "u2", OrgID: "org1", EventType: "ticket.updated", RuleID: "r2", EnqueuedAt: at},
	}

	result := dispatcher.SendDigest(context.Background(), "u2", entries)
	if !result.Success {
		t.Fatalf("digest failed: %+v", result)
	}
	message := sender.items[0]
	if message.DigestSize != 2 || message.Subject != "2 notifications" {
		t.Fatalf("unexpected digest message %+v", message)
	}
	if !strings.Contains(message.Text, "- ticket.created (r1) at 2026-03-10T09:00:00Z") ||
		!strings.Contains(message.Text, "- ticket.updated (r2)") {
		t.Fatalf("unexpected digest text %q", message.Text)
	}
}

func TestNewDispatcherOrdersDefaultChannelFirst(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(config.NotifyConfig{
		DefaultChannel: config.NotifyChannelHTTP,
		Telegram:       config.TelegramNotifier{Enabled: true, BotToken: "token", APIBase: "http://127.0.0.1:1"},
		HTTP:           config.HTTPNotifier{Enabled: true, URL: "http://127.0.0.1:1/hook"},
	}, contacts(), nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	channels := dispatcher.Channels()
	if len(channels) != 2 || channels[0] != "http" || channels[1] != "telegram" {
		t.Fatalf("unexpected channel order %v", channels)
	}

	if _, err := NewDispatcher(config.NotifyConfig{Telegram: config.TelegramNotifier{Enabled: true}}, contacts(), nil); err == nil {
		t.Fatalf("expected error for telegram without token")
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	type sendMessagePayload struct {
		ChatID    string
		Text      string
		ParseMode string
	}

	var (
		mu       sync.Mutex
		received []sendMessagePayload
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		received = append(received, sendMessagePayload{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		messageID := 100 + len(received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":42,"type":"private"}}}`, messageID)
	}))
	defer server.Close()

	sender, err := NewTelegramSender(config.TelegramNotifier{Enabled: true, BotToken: "token", APIBase: server.URL})
	if err != nil {
		t.Fatalf("new telegram sender: %v", err)
	}
	contact := store.Contact{UserID: "u1", TelegramChatID: 42}
	if !sender.Accepts(contact) || sender.Accepts(store.Contact{UserID: "u3"}) {
		t.Fatalf("unexpected accepts result")
	}
	err = sender.Send(context.Background(), contact, Message{Subject: "New ticket", Text: "Printer <down>"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 request, got %d", len(received))
	}
	if received[0].ChatID != "42" || received[0].ParseMode != "HTML" {
		t.Fatalf("unexpected request %+v", received[0])
	}
	if received[0].Text != "<b>New ticket</b>\nPrinter &lt;down&gt;" {
		t.Fatalf("text=%s", received[0].Text)
	}
}

func TestTelegramSenderRejectsContactWithoutChat(t *testing.T) {
	t.Parallel()

	sender, err := NewTelegramSender(config.TelegramNotifier{BotToken: "token", APIBase: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new telegram sender: %v", err)
	}
	err = sender.Send(context.Background(), store.Contact{UserID: "u3"}, Message{Text: "x"})
	if !fault.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHTTPSenderSend(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload Message
		header  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Get("X-Token")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{
		Enabled:    true,
		URL:        "http://127.0.0.1:1/unused",
		Method:     "put",
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Token": "secret"},
	})
	contact := store.Contact{UserID: "u2", WebhookURL: server.URL}
	err := sender.Send(context.Background(), contact, Message{RecipientID: "u2", Channel: "http", Text: "hello", EventType: "ticket.created"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if header != "secret" {
		t.Fatalf("missing static header")
	}
	if payload.RecipientID != "u2" || payload.Text != "hello" || payload.EventType != "ticket.created" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHTTPSenderStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		status := tt.status
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("nope"))
		}))
		sender := NewHTTPSender(config.HTTPNotifier{URL: server.URL, TimeoutSec: 2})
		err := sender.Send(context.Background(), store.Contact{UserID: "u3"}, Message{Text: "x"})
		server.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if fault.IsPermanent(err) != tt.permanent {
			t.Fatalf("status %d: permanent=%v, err=%v", status, fault.IsPermanent(err), err)
		}
		if !strings.Contains(err.Error(), "body=nope") {
			t.Fatalf("status %d: expected body in error, got %v", status, err)
		}
	}
}

func TestHTTPSenderAcceptsFallbackURL(t *testing.T) {
	t.Parallel()

	withFallback := NewHTTPSender(config.HTTPNotifier{URL: "http://hooks.local/all"})
	withoutFallback := NewHTTPSender(config.HTTPNotifier{})
	if !withFallback.Accepts(store.Contact{UserID: "u3"}) {
		t.Fatalf("expected fallback url to accept any contact")
	}
	if withoutFallback.Accepts(store.Contact{UserID: "u3"}) {
		t.Fatalf("expected contact without webhook to be rejected")
	}
	if !withoutFallback.Accepts(store.Contact{UserID: "u2", WebhookURL: "http://hooks.local/u2"}) {
		t.Fatalf("expected contact webhook to be accepted")
	}
}
