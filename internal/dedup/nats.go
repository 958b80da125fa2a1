package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"notifier/internal/domain"
	"notifier/internal/fault"
	"notifier/internal/jetstream"
)

const expectedLastSubjectSeqHeader = "Nats-Expected-Last-Subject-Sequence"

// NATSCache records dispatch decisions in a JetStream KV bucket with per-key TTL.
type NATSCache struct {
	js     nats.JetStreamContext
	bucket string
	window time.Duration
}

// NewNATSCache opens dedup bucket on an existing JetStream context.
// Params: JetStream context, bucket name and suppression window.
// Returns: initialized cache or bucket setup error.
func NewNATSCache(js nats.JetStreamContext, bucket string, window time.Duration) (*NATSCache, error) {
	if _, err := jetstream.EnsureKeyValue(js, bucket); err != nil {
		return nil, err
	}
	return &NATSCache{js: js, bucket: bucket, window: window}, nil
}

// ShouldDispatch publishes the key only when the subject has no live value.
// Params: context and dedup key.
// Returns: true when the key was newly recorded; collaborator error when JetStream fails.
func (c *NATSCache) ShouldDispatch(ctx context.Context, key domain.DedupKey) (bool, error) {
	subject := jetstream.KeySubject(c.bucket, natsKey(key))
	expected := uint64(0)
	for attempt := 0; attempt < 3; attempt++ {
		err := c.publish(ctx, subject, expected)
		if err == nil {
			return true, nil
		}
		if !isWrongLastSequence(err) {
			return false, fault.Collaborator("dedup check", err)
		}
		last, err := c.js.GetLastMsg("KV_"+c.bucket, subject, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				expected = 0
				continue
			}
			return false, fault.Collaborator("dedup check", err)
		}
		if !isTombstone(last.Header) {
			return false, nil
		}
		expected = last.Sequence
	}
	return false, nil
}

func (c *NATSCache) publish(ctx context.Context, subject string, expected uint64) error {
	msg := nats.NewMsg(subject)
	msg.Data = []byte("1")
	msg.Header.Set(expectedLastSubjectSeqHeader, strconv.FormatUint(expected, 10))
	msg.Header.Set("Nats-TTL", jetstream.TTLHeader(c.window))
	_, err := c.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// natsKey hashes the key into one valid KV token.
// Params: dedup key.
// Returns: hex sha256 of the key string.
func natsKey(key domain.DedupKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// isTombstone reports delete, purge and TTL expiry markers.
func isTombstone(header nats.Header) bool {
	if header == nil {
		return false
	}
	switch header.Get("KV-Operation") {
	case "DEL", "PURGE":
		return true
	}
	return header.Get("Nats-Marker-Reason") != ""
}
