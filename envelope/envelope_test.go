package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEnvelope() Envelope {
	return Envelope{
		EventID:       "11111111-2222-4333-8444-555555555555",
		SchemaVersion: SchemaVersion,
		EventType:     "user.created",
		Producer:      "system_a",
		ResourceType:  "user",
		ResourceID:    "42",
		OccurredAt:    NewTime(time.Date(2025, 1, 29, 10, 0, 0, 0, time.UTC)),
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		Payload:       map[string]any{"id": "42", "name": "Ada"},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := buildEnvelope()

	data, err := original.Marshal()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestEnvelopeWireFormat(t *testing.T) {
	data, err := buildEnvelope().Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "user.created", raw["event_type"])
	assert.Equal(t, "system_a", raw["producer"])
	assert.Equal(t, float64(1), raw["schema_version"])
	// Millisecond RFC3339 with a trailing Z for UTC.
	assert.Equal(t, "2025-01-29T10:00:00.000Z", raw["occurred_at"])
}

func TestTimeTruncatesToMilliseconds(t *testing.T) {
	in := time.Date(2025, 1, 29, 10, 0, 0, 123456789, time.UTC)
	data, err := json.Marshal(NewTime(in))
	require.NoError(t, err)
	assert.Equal(t, `"2025-01-29T10:00:00.123Z"`, string(data))
}

func TestTimeAcceptsOffsets(t *testing.T) {
	var ts Time
	require.NoError(t, json.Unmarshal([]byte(`"2025-01-29T12:30:00.500+02:30"`), &ts))
	assert.Equal(t, time.Date(2025, 1, 29, 10, 0, 0, 500000000, time.UTC), ts.Time)
}

func TestDecodeFailureReturnsZeroEnvelope(t *testing.T) {
	decoded, err := Decode([]byte(`{"event_id": 42`))
	assert.Error(t, err)
	assert.Equal(t, Envelope{}, decoded)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	decoded, err := Decode([]byte(`{"event_id":"x","event_type":"a.b","future_field":true,"payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "x", decoded.EventID)
	assert.Equal(t, "a.b", decoded.EventType)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"missing event_id", func(e *Envelope) { e.EventID = "" }, ErrEmptyEventID},
		{"non-ascii event_id", func(e *Envelope) { e.EventID = "идентификатор" }, ErrEventIDCharset},
		{"control char event_id", func(e *Envelope) { e.EventID = "a\x01b" }, ErrEventIDCharset},
		{"missing event_type", func(e *Envelope) { e.EventType = "" }, ErrEmptyEventType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := buildEnvelope()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
