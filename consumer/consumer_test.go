package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/attaradev/jetstream-bridge/brokertest"
	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/envelope"
	"github.com/attaradev/jetstream-bridge/inbox"
)

// testConfig configures the worker side: it consumes api.sync.worker and
// dead-letters on worker.sync.api.dlq.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.AppName = "worker"
	cfg.DestinationApp = "api"
	cfg.UseInbox = true
	cfg.Backoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	cfg.FetchTimeout = 20 * time.Millisecond
	cfg.BatchSize = 4
	return cfg
}

func newBroker(t *testing.T, cfg config.Config) *brokertest.Broker {
	t.Helper()
	b := brokertest.New()
	subjects := append(cfg.DesiredSubjects(), "api.sync.worker", "api.sync.worker.dlq")
	_, err := b.AddStream(&nats.StreamConfig{
		Name:       cfg.StreamName(),
		Subjects:   subjects,
		Duplicates: cfg.DuplicateWindow,
	})
	require.NoError(t, err)
	return b
}

func publish(t *testing.T, b *brokertest.Broker, eventID string, withMsgID bool) envelope.Envelope {
	t.Helper()
	env := envelope.Envelope{
		EventID:       eventID,
		SchemaVersion: envelope.SchemaVersion,
		EventType:     "user.created",
		Producer:      "api",
		ResourceType:  "user",
		ResourceID:    "42",
		OccurredAt:    envelope.NewTime(time.Now()),
		Payload:       map[string]any{"name": "Ada"},
	}
	data, err := env.Marshal()
	require.NoError(t, err)
	msg := &nats.Msg{Subject: "api.sync.worker", Data: data, Header: nats.Header{}}
	if withMsgID {
		msg.Header.Set(nats.MsgIdHdr, eventID)
	}
	_, err = b.PublishMsg(msg)
	require.NoError(t, err)
	return env
}

// recorder counts handler invocations per event_id.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ev Event) error
}

func newRecorder(fn func(ev Event) error) *recorder {
	return &recorder{calls: make(map[string]int), fn: fn}
}

func (r *recorder) handle(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.calls[ev.EventID]++
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ev)
	}
	return nil
}

func (r *recorder) count(eventID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[eventID]
}

// runSubscription starts Run in the background and returns a stop function
// that blocks until the loop exits.
func runSubscription(t *testing.T, cfg config.Config, b *brokertest.Broker, store inbox.Store, h Handler) func() {
	t.Helper()
	c := New(cfg, b, store, zaptest.NewLogger(t))
	sub, err := c.Subscribe(h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sub.Run(ctx); err != nil {
			t.Errorf("subscription run: %v", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscription did not stop")
		}
	}
}

func TestHandlerSuccessMarksProcessed(t *testing.T) {
	cfg := testConfig()
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(nil)
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), "ev-1")
		return err == nil && row.Status == inbox.StatusProcessed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.count("ev-1"))
	row, err := store.Get(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "api", row.SourceApp)
	require.NotNil(t, row.ProcessedAt)
}

func TestInboxIdempotency(t *testing.T) {
	cfg := testConfig()
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(nil)
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	// The same logical event stored twice: once with the msg-id header and
	// once without, sidestepping the broker's own publish dedup.
	publish(t, b, "ev-1", true)
	publish(t, b, "ev-1", false)
	require.Len(t, b.Messages(cfg.StreamName()), 2)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), "ev-1")
		return err == nil && row.Status == inbox.StatusProcessed
	}, 2*time.Second, 5*time.Millisecond)

	// Give the duplicate time to flow through; the handler count must hold.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count("ev-1"))
}

func TestRetryThenDLQ(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeliver = 3
	b := newBroker(t, cfg)
	store := inbox.NewMemory()

	var deliveries []uint64
	var mu sync.Mutex
	rec := newRecorder(func(ev Event) error {
		mu.Lock()
		deliveries = append(deliveries, ev.Deliveries)
		mu.Unlock()
		return errors.New("boom")
	})
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	env := publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		return len(b.MessagesOn(cfg.StreamName(), "worker.sync.api.dlq")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, deliveries)
	mu.Unlock()

	row, err := store.Get(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusFailed, row.Status)
	assert.Equal(t, 3, row.Attempts)
	assert.Contains(t, row.ErrorMessage, "boom")

	dlq := b.MessagesOn(cfg.StreamName(), "worker.sync.api.dlq")
	var parked envelope.Envelope
	require.NoError(t, dlq[0].DecodeJSON(&parked))
	assert.Equal(t, env.EventID, parked.EventID)

	// Terminal: no further deliveries arrive.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, rec.count("ev-1"))
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	cfg := testConfig()
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(func(ev Event) error {
		return Term(errors.New("unprocessable"))
	})
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		return len(b.MessagesOn(cfg.StreamName(), "worker.sync.api.dlq")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count("ev-1"))

	row, err := store.Get(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusFailed, row.Status)
}

func TestUnparseableMessageGoesToDLQWithoutHandler(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeliver = 1
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(nil)
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	msg := &nats.Msg{Subject: "api.sync.worker", Data: []byte("not json"), Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, "ev-bad")
	_, err := b.PublishMsg(msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.MessagesOn(cfg.StreamName(), "worker.sync.api.dlq")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, rec.count("ev-bad"), "handler never sees an unparseable message")
	row, err := store.Get(context.Background(), "ev-bad")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "deserialization")
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	cfg := testConfig()
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(func(ev Event) error {
		if ev.Deliveries == 1 {
			panic("first delivery panics")
		}
		return nil
	})
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), "ev-1")
		return err == nil && row.Status == inbox.StatusProcessed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.count("ev-1"))
}

func TestStaleEventStillMarkedProcessed(t *testing.T) {
	cfg := testConfig()
	b := newBroker(t, cfg)
	store := inbox.NewMemory()

	// The host's apply path detects staleness and returns early without
	// writing; from the bridge's side that is a processed message.
	rec := newRecorder(func(ev Event) error { return nil })
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	publish(t, b, "ev-stale", true)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), "ev-stale")
		return err == nil && row.Status == inbox.StatusProcessed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count("ev-stale"))
}

func TestInboxDisabledInvokesHandlerDirectly(t *testing.T) {
	cfg := testConfig()
	cfg.UseInbox = false
	b := newBroker(t, cfg)
	rec := newRecorder(nil)
	stop := runSubscription(t, cfg, b, nil, rec.handle)
	defer stop()

	publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		return rec.count("ev-1") == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count("ev-1"))
}

func TestDLQDisabledDropsExhaustedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.UseDLQ = false
	cfg.MaxDeliver = 1
	b := newBroker(t, cfg)
	store := inbox.NewMemory()
	rec := newRecorder(func(ev Event) error { return errors.New("boom") })
	stop := runSubscription(t, cfg, b, store, rec.handle)
	defer stop()

	publish(t, b, "ev-1", true)

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), "ev-1")
		return err == nil && row.Status == inbox.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.MessagesOn(cfg.StreamName(), "worker.sync.api.dlq"))
	assert.Equal(t, 1, rec.count("ev-1"))
}

func TestSubscribeRequiresHandler(t *testing.T) {
	cfg := testConfig()
	c := New(cfg, newBroker(t, cfg), nil, zaptest.NewLogger(t))
	_, err := c.Subscribe(nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
