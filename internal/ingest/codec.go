package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"notifier/internal/domain"
)

// batchEventSink is implemented by sinks that accept a whole batch at once.
type batchEventSink interface {
	PushBatch(events []domain.Event) error
}

// decodeEventPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated events slice.
func decodeEventPayload(raw []byte) ([]domain.Event, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		events, err := domain.DecodeEventsReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return events, nil
	}
	event, err := domain.DecodeEventReader(decoder)
	if err != nil {
		return nil, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return []domain.Event{event}, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushEvents sends events to sink with optional batch support.
// Params: event sink and event slice.
// Returns: first push error or nil.
func pushEvents(sink EventSink, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if batchSink, ok := sink.(batchEventSink); ok {
		return batchSink.PushBatch(events)
	}
	for _, event := range events {
		if err := sink.Push(event); err != nil {
			return err
		}
	}
	return nil
}
