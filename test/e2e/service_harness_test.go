package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"notifier/internal/app"
	"notifier/internal/clock"
	"notifier/internal/config"
	"notifier/test/testutil"
)

// newServiceFromConfig creates Service from file config path for e2e scenarios.
// Params: test handle and absolute config path.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		if strings.Contains(err.Error(), "per-message ttl") {
			t.Skipf("nats-server without per-message ttl support: %v", err)
		}
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
// Params: test handle and HTTP port.
// Returns: service is ready or test fails on timeout.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	if !waitUntil(timeout, check) {
		t.Fatalf("condition was not met within %s", timeout)
	}
}

func waitUntil(timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return check()
}

func freePort() (int, error) {
	return testutil.FreePort()
}

// deliveredMessage is the webhook payload fields asserted by e2e tests.
type deliveredMessage struct {
	RecipientID string `json:"recipient_id"`
	EventType   string `json:"event_type"`
	EventID     string `json:"event_id"`
	DigestSize  int    `json:"digest_size"`
}

type notificationCollector struct {
	mu    sync.Mutex
	items []deliveredMessage
}

func (c *notificationCollector) Handle(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer request.Body.Close()

	var payload deliveredMessage
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.items = append(c.items, payload)
	c.mu.Unlock()

	writer.WriteHeader(http.StatusOK)
}

// Count returns deliveries for one recipient.
func (c *notificationCollector) Count(recipientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, item := range c.items {
		if item.RecipientID == recipientID {
			count++
		}
	}
	return count
}

func (c *notificationCollector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *notificationCollector) Snapshot() []deliveredMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]deliveredMessage(nil), c.items...)
}
