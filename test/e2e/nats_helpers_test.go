package e2e

import (
	"testing"

	"github.com/nats-io/nats.go"

	"notifier/test/testutil"
)

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
// Params: testing handle for lifecycle/error reporting.
// Returns: server URL and stop callback.
func startLocalNATSServer(tb testing.TB) (string, func()) {
	return testutil.StartLocalNATSServer(tb)
}

// publishNATSEvent publishes one raw event body through JetStream.
// Params: server URL, subject and JSON payload.
// Returns: connect or publish error.
func publishNATSEvent(url, subject, payload string) error {
	nc, err := nats.Connect(url)
	if err != nil {
		return err
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	_, err = js.Publish(subject, []byte(payload))
	return err
}

// streamMessageCount returns the number of stored messages in a stream.
// Params: test handle, server URL and stream name.
// Returns: message count or test failure.
func streamMessageCount(tb testing.TB, url, stream string) uint64 {
	tb.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		tb.Fatalf("jetstream init: %v", err)
	}
	info, err := js.StreamInfo(stream)
	if err != nil {
		return 0
	}
	return info.State.Msgs
}
