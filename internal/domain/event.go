package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one immutable domain event entering the engine.
// Params: type, owning organization, payload, optional triggering user, and timestamp.
// Returns: validated event payload for rule processing.
type Event struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	OrgID       string         `json:"org_id"`
	Data        map[string]any `json:"data,omitempty"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventReader decodes and validates one event payload from stream.
// Params: reader with one JSON object.
// Returns: validated event or decode/validation error.
func DecodeEventReader(reader *json.Decoder) (Event, error) {
	var event Event
	if err := reader.Decode(&event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventsReader decodes and validates one batch of events from stream.
// Params: reader with one JSON array of events.
// Returns: validated events slice or decode/validation error.
func DecodeEventsReader(reader *json.Decoder) ([]Event, error) {
	var events []Event
	if err := reader.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// Validate checks required event fields.
// Params: event fields parsed from transport.
// Returns: validation error when required fields are missing.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("type is required")
	}
	if strings.TrimSpace(e.OrgID) == "" {
		return errors.New("org_id is required")
	}
	return nil
}

// Identity returns the deduplication identity of the event.
// Params: none.
// Returns: explicit ID when supplied, otherwise "evt/" followed by a content hash.
func (e Event) Identity() string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return id
	}

	var canonical []byte
	for _, field := range [...]string{e.OrgID, e.Type, e.TriggeredBy} {
		canonical = appendCanonical(canonical, Value{Kind: KindString, Str: field})
		canonical = append(canonical, '\n')
	}
	canonical = appendCanonical(canonical, ValueOf(e.Data))

	digest := sha256.Sum256(canonical)
	var hashValue [sha256.Size * 2]byte
	hex.Encode(hashValue[:], digest[:])

	var builder strings.Builder
	builder.Grow(len("evt/") + len(hashValue))
	builder.WriteString("evt/")
	builder.Write(hashValue[:])
	return builder.String()
}

// appendCanonical writes a deterministic encoding of one value.
// Params: destination buffer and tagged value.
// Returns: extended buffer; object keys are sorted and numbers use shortest float form.
func appendCanonical(dst []byte, value Value) []byte {
	switch value.Kind {
	case KindAbsent, KindNull:
		return append(dst, "null"...)
	case KindBool:
		if value.Bool {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case KindNumber:
		return append(dst, formatNumber(value.Num)...)
	case KindString:
		encoded, _ := json.Marshal(value.Str)
		return append(dst, encoded...)
	case KindList:
		dst = append(dst, '[')
		for i, item := range value.List {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCanonical(dst, item)
		}
		return append(dst, ']')
	case KindObject:
		dst = append(dst, '{')
		for i, key := range value.Keys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			encoded, _ := json.Marshal(key)
			dst = append(dst, encoded...)
			dst = append(dst, ':')
			dst = appendCanonical(dst, value.Object[key])
		}
		return append(dst, '}')
	}
	return dst
}
