package consumer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/attaradev/jetstream-bridge/envelope"
	"github.com/attaradev/jetstream-bridge/natsclient"
)

// DeliveryMeta is the broker metadata exposed per message. It is not
// persisted beyond the attempts count on the inbox row.
type DeliveryMeta struct {
	Stream     string
	StreamSeq  uint64
	Deliveries uint64
	Consumer   string
}

// InboxMessage is one received delivery, normalized for the processing
// protocol: raw bytes, the parsed envelope (zero on parse failure, with the
// error kept alongside), lowercased headers, and a derived event id.
type InboxMessage struct {
	Raw      []byte
	Envelope envelope.Envelope
	ParseErr error
	Headers  map[string]string
	EventID  string
	Meta     DeliveryMeta
}

// Event is the stable view handed to the host's handler.
type Event struct {
	Type         string
	EventID      string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
	OccurredAt   time.Time
	TraceID      string
	Producer     string
	Deliveries   uint64
}

// Handler applies one event. A returned error triggers redelivery with
// backoff; wrap it in Term to go straight to the dead-letter path.
type Handler func(ctx context.Context, ev Event) error

// newInboxMessage normalizes a delivery. The event id is taken from the
// nats-msg-id header, then the envelope, then falls back to the stream
// sequence so even an unidentifiable message dedupes consistently.
func newInboxMessage(d natsclient.Delivery) InboxMessage {
	msg := InboxMessage{Raw: d.Data(), Headers: lowerHeaders(d.Header())}

	if meta, err := d.Metadata(); err == nil {
		msg.Meta = DeliveryMeta{
			Stream:     meta.Stream,
			StreamSeq:  meta.Sequence.Stream,
			Deliveries: meta.NumDelivered,
			Consumer:   meta.Consumer,
		}
	}
	if msg.Meta.Deliveries == 0 {
		msg.Meta.Deliveries = 1
	}

	env, err := envelope.Decode(d.Data())
	if err != nil {
		msg.ParseErr = err
	} else {
		msg.Envelope = env
	}

	switch {
	case msg.Headers[strings.ToLower(nats.MsgIdHdr)] != "":
		msg.EventID = msg.Headers[strings.ToLower(nats.MsgIdHdr)]
	case msg.Envelope.EventID != "":
		msg.EventID = msg.Envelope.EventID
	default:
		msg.EventID = fmt.Sprintf("seq:%d", msg.Meta.StreamSeq)
	}
	return msg
}

// event builds the handler view from the parsed envelope.
func (m InboxMessage) event() Event {
	return Event{
		Type:         m.Envelope.EventType,
		EventID:      m.EventID,
		ResourceType: m.Envelope.ResourceType,
		ResourceID:   m.Envelope.ResourceID,
		Payload:      m.Envelope.Payload,
		OccurredAt:   m.Envelope.OccurredAt.Time,
		TraceID:      m.Envelope.TraceID,
		Producer:     m.Envelope.Producer,
		Deliveries:   m.Meta.Deliveries,
	}
}

func lowerHeaders(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}
