package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifier/internal/clock"
	"notifier/internal/config"
	"notifier/internal/domain"
)

type webhookRecorder struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(request.Body).Decode(&payload)
		r.mu.Lock()
		r.messages = append(r.messages, payload)
		r.mu.Unlock()
		writer.WriteHeader(http.StatusOK)
	}
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *webhookRecorder) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

func serviceConfig(webhookURL, priority, userExtras string) string {
	return fmt.Sprintf(`
[service]
name = "notifier"
mode = "single"

[log.console]
enabled = true
level = "error"

[ingest.http]
listen = "127.0.0.1:0"

[notify.http]
enabled = true
timeout_sec = 2

[notify.http.retry]
enabled = false

[rule.high]
org_id = "org1"
event_type = "ticket.created"

[[rule.high.condition]]
field = "priority"
operator = "equals"
value = "%s"

[rule.high.recipient]
type = "role"
roles = ["technician"]

[user.t1]
org_id = "org1"
roles = ["technician"]
webhook_url = "%s"
%s
`, priority, webhookURL, userExtras)
}

func newTestService(t *testing.T, content string) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	source, err := config.FromCLI(path, "")
	require.NoError(t, err)
	service, err := NewService(source, clock.RealClock{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return service, path
}

func ticketEvent(id, priority string) domain.Event {
	return domain.Event{
		ID:        id,
		Type:      "ticket.created",
		OrgID:     "org1",
		Data:      map[string]any{"priority": priority},
		Timestamp: time.Now().UTC(),
	}
}

func TestServiceHTTPRoutes(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	service, _ := newTestService(t, serviceConfig(server.URL, "high", ""))
	handler := service.httpSrv.Handler

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK, want: "ok"},
		{name: "not ready before run", method: http.MethodGet, path: "/readyz", status: http.StatusServiceUnavailable, want: "not-ready"},
		{name: "ingest one", method: http.MethodPost, path: "/ingest", body: `{"type":"ticket.created","org_id":"org1","data":{"priority":"high"}}`, status: http.StatusAccepted},
		{name: "ingest batch", method: http.MethodPost, path: "/ingest/batch", body: `[{"type":"ticket.created","org_id":"org1"}]`, status: http.StatusAccepted},
		{name: "ingest invalid", method: http.MethodPost, path: "/ingest", body: `{"org_id":"org1"}`, status: http.StatusBadRequest},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK, want: "notifier_events_total"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			response := httptest.NewRecorder()
			handler.ServeHTTP(response, request)
			assert.Equal(t, tc.status, response.Code)
			if tc.want != "" {
				body, _ := io.ReadAll(response.Body)
				assert.Contains(t, string(body), tc.want)
			}
		})
	}

	service.readyFlag.Store(true)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, response.Code)
}

func TestServiceDeliversMatchingEvent(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	service, _ := newTestService(t, serviceConfig(server.URL, "high", ""))

	ctx := context.Background()
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e1", "high")))
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e1", "high")))
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e2", "low")))

	require.Equal(t, 1, recorder.count())
	last := recorder.last()
	assert.Equal(t, "t1", last["recipient_id"])
	assert.Equal(t, "e1", last["event_id"])
}

func TestServiceReloadSwapsRules(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	service, path := newTestService(t, serviceConfig(server.URL, "high", ""))

	require.NoError(t, os.WriteFile(path, []byte(serviceConfig(server.URL, "low", "")), 0o644))
	require.NoError(t, service.reloadConfig())

	ctx := context.Background()
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e1", "high")))
	assert.Equal(t, 0, recorder.count())
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e2", "low")))
	assert.Equal(t, 1, recorder.count())
}

func TestServiceReloadRejectsModeChange(t *testing.T) {
	service, path := newTestService(t, serviceConfig("http://127.0.0.1:1/hook", "high", ""))

	next := strings.Replace(serviceConfig("http://127.0.0.1:1/hook", "low", ""), `mode = "single"`, `mode = "cluster"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(next), 0o644))

	err := service.reloadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires restart")
	assert.Equal(t, config.ServiceModeSingle, service.cfg.Service.Mode)
}

func TestServiceFlushDigests(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	service, _ := newTestService(t, serviceConfig(server.URL, "high", `
[user.t1.preferences.digest]
enabled = true
frequency = "daily"
time = "09:00"
`))

	ctx := context.Background()
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e1", "high")))
	require.NoError(t, service.coordinator.ProcessEvent(ctx, ticketEvent("e2", "high")))
	assert.Equal(t, 0, recorder.count())

	delivered, err := service.FlushDigests(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	require.Equal(t, 1, recorder.count())
	assert.EqualValues(t, 2, recorder.last()["digest_size"])

	delivered, err = service.FlushDigests(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	service, _ := newTestService(t, serviceConfig("http://127.0.0.1:1/hook", "high", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	require.Eventually(t, service.readyFlag.Load, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop after cancel")
	}
	assert.False(t, service.readyFlag.Load())
}
