// Package natsclient owns the bridge's NATS connection: lifecycle states,
// lazy dialing, and the JetStream surface the other packages consume. The
// Broker interface exists so producer, consumer, and topology code can run
// against an in-memory double in tests.
package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// State is the connection lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	Connected   bool
	State       State
	ConnectedAt time.Time
	LastError   error
	LastErrorAt time.Time
}

// StreamNamesPage is one page of the $JS.API.STREAM.NAMES listing.
type StreamNamesPage struct {
	Streams []string `json:"streams"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// ConsumerSpec describes the durable consumer a subscription binds to.
type ConsumerSpec struct {
	Stream     string
	Durable    string
	Subject    string
	AckWait    time.Duration
	MaxDeliver int
	Backoff    []time.Duration
}

// Delivery is one received message together with its acknowledgment
// controls. It wraps *nats.Msg in production; test doubles implement it
// directly because a bare *nats.Msg cannot be acked outside a subscription.
type Delivery interface {
	Subject() string
	Data() []byte
	Header() nats.Header
	Metadata() (*nats.MsgMetadata, error)
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// PullSubscription fetches message batches from a durable pull consumer.
type PullSubscription interface {
	Fetch(batch int, maxWait time.Duration) ([]Delivery, error)
	Drain() error
}

// PushSubscription receives messages through a callback until drained.
type PushSubscription interface {
	Drain() error
}

// Broker is the JetStream surface the bridge uses. *Client implements it
// over a live connection; brokertest.Broker implements it in memory.
type Broker interface {
	// Connect establishes the connection if needed. It is idempotent and
	// safe to call before every operation, which is how lazy connect works.
	Connect(ctx context.Context) error
	// Status reports the connection snapshot.
	Status() Status

	PublishMsg(msg *nats.Msg) (*nats.PubAck, error)
	PullSubscribe(spec ConsumerSpec) (PullSubscription, error)
	PushSubscribe(spec ConsumerSpec, cb func(Delivery)) (PushSubscription, error)

	StreamInfo(name string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	// StreamNames returns one page of stream names starting at offset.
	StreamNames(ctx context.Context, offset int) (*StreamNamesPage, error)
}
