// Package envelope defines the wire representation of a bridge event and
// its JSON codec.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"
)

// SchemaVersion is the current envelope schema. Consumers tolerate unknown
// fields; the integer exists so a future incompatible change can be detected.
const SchemaVersion = 1

// timeLayout is RFC3339 with millisecond precision, e.g.
// "2025-01-29T10:00:00.000Z".
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrEmptyEventID   = errors.New("envelope: event_id is empty")
	ErrEventIDCharset = errors.New("envelope: event_id must be printable ASCII")
	ErrEmptyEventType = errors.New("envelope: event_type is empty")
)

// Time marshals as UTC RFC3339 with milliseconds and accepts any RFC3339
// timestamp on decode.
type Time struct {
	time.Time
}

// NewTime truncates t to millisecond precision in UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timeLayout))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("envelope: occurred_at: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("envelope: occurred_at: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Envelope is the canonical JSON document carried on every bridge subject.
// event_id doubles as the broker deduplication key and the inbox primary
// key, so two envelopes with the same event_id are the same logical event.
type Envelope struct {
	EventID       string         `json:"event_id"`
	SchemaVersion int            `json:"schema_version"`
	EventType     string         `json:"event_type"`
	Producer      string         `json:"producer"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	OccurredAt    Time           `json:"occurred_at"`
	TraceID       string         `json:"trace_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// Validate checks the identity fields the bridge depends on. Payload
// contents are the host's business.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return ErrEmptyEventID
	}
	for _, r := range e.EventID {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return ErrEventIDCharset
		}
	}
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	return nil
}

// Marshal encodes the envelope as compact JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into an Envelope. On failure it returns a zero
// envelope alongside the error so callers always hold a well-defined value.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return e, nil
}
