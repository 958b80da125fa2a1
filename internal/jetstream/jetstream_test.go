package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"notifier/test/testutil"
)

func TestTTLHeader(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		5 * time.Minute:         "300000ms",
		1500 * time.Millisecond: "1500ms",
		0:                       "1ms",
	}
	for ttl, want := range cases {
		if got := TTLHeader(ttl); got != want {
			t.Fatalf("ttl %s: expected %q, got %q", ttl, want, got)
		}
	}
}

func TestKeySubject(t *testing.T) {
	t.Parallel()

	if got := KeySubject("notifier_dedup", "abc"); got != "$KV.notifier_dedup.abc" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	natsURL, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	nc, js, err := Connect([]string{natsURL}, "jetstream-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	for i := 0; i < 2; i++ {
		if err := EnsureStream(js, "TEST_STREAM", "test.subject", nats.LimitsPolicy, time.Hour); err != nil {
			t.Fatalf("ensure stream pass %d: %v", i, err)
		}
	}
	info, err := js.StreamInfo("TEST_STREAM")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Config.MaxAge != time.Hour || info.Config.Storage != nats.FileStorage {
		t.Fatalf("unexpected stream config %+v", info.Config)
	}
}
