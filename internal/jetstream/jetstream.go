package jetstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// defaultDeleteMarkerTTL keeps KV delete markers long enough for watchers to observe them.
const defaultDeleteMarkerTTL = 5 * time.Minute

// Connect opens one NATS connection with JetStream context.
// Params: server URL list and client connection name.
// Returns: connection, JetStream context, or connect error.
func Connect(urls []string, name string) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{}
	if strings.TrimSpace(name) != "" {
		opts = append(opts, nats.Name(name))
	}
	nc, err := nats.Connect(strings.Join(urls, ","), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	return nc, js, nil
}

// EnsureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func EnsureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !isStreamNotFound(err) {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// EnsureKeyValue opens or creates a KV bucket that accepts per-message TTL headers.
// Params: JetStream context and bucket name.
// Returns: bucket handle or setup error.
func EnsureKeyValue(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
		}
	}
	if err := enableBucketPerMessageTTL(js, bucket); err != nil {
		return nil, fmt.Errorf("enable per-message ttl on bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// KeySubject returns the raw stream subject backing one KV key.
// Params: bucket and key.
// Returns: "$KV.<bucket>.<key>".
func KeySubject(bucket, key string) string {
	return "$KV." + bucket + "." + key
}

// TTLHeader formats a per-message TTL header value.
// Params: positive duration.
// Returns: "<ms>ms" accepted by the Nats-TTL header.
func TTLHeader(ttl time.Duration) string {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	info, err := js.StreamInfo("KV_" + bucket)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = defaultDeleteMarkerTTL
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

func isStreamNotFound(err error) bool {
	if errors.Is(err, nats.ErrStreamNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "stream not found")
}
