package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notifier/internal/config"
	"notifier/internal/fault"
	"notifier/internal/store"
)

// HTTPSender posts notification payload to the recipient webhook.
// Params: fallback URL, method, timeout, and headers.
// Returns: webhook sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates webhook sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
func (s *HTTPSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Accepts reports whether a webhook URL is known for contact.
func (s *HTTPSender) Accepts(contact store.Contact) bool {
	return s.endpoint(contact) != ""
}

// Send delivers JSON payload to the contact webhook or the configured fallback URL.
// Params: context, contact and rendered message.
// Returns: transport or HTTP status error.
func (s *HTTPSender) Send(ctx context.Context, contact store.Contact, message Message) error {
	endpoint := s.endpoint(contact)
	if endpoint == "" {
		return fault.Permanent(fmt.Errorf("recipient %q has no webhook url", contact.UserID))
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fault.Permanent(fmt.Errorf("encode http notify payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.Permanent(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("http notify", response)
	}
	return nil
}

func (s *HTTPSender) endpoint(contact store.Contact) string {
	if url := strings.TrimSpace(contact.WebhookURL); url != "" {
		return url
	}
	return strings.TrimSpace(s.cfg.URL)
}
