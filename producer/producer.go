// Package producer converts host publish calls into durable envelopes on the
// bridge stream. Two modes: direct publish with retry and broker msg-id
// deduplication, or a transactional outbox insert drained by the Dispatcher.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/envelope"
	"github.com/attaradev/jetstream-bridge/natsclient"
	"github.com/attaradev/jetstream-bridge/outbox"
)

// ErrInvalidEvent is wrapped when a publish call misses required fields.
var ErrInvalidEvent = errors.New("producer: invalid event")

// Event is the host's publish input. EventID, TraceID, and OccurredAt are
// optional; absent values are filled in at publish time.
type Event struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
	EventID      string
	TraceID      string
	OccurredAt   time.Time
}

// Result reports the outcome of one publish call. Duplicate means the
// broker's msg-id window rejected the publish as a repeat, which is success
// from the caller's point of view.
type Result struct {
	EventID   string
	Subject   string
	Success   bool
	Duplicate bool
	Err       error
}

// Producer builds envelopes and gets them onto the wire.
type Producer struct {
	cfg    config.Config
	broker natsclient.Broker
	store  outbox.Store
	log    *zap.Logger
}

// New builds a producer. store may be nil when the outbox is disabled.
func New(cfg config.Config, broker natsclient.Broker, store outbox.Store, log *zap.Logger) *Producer {
	return &Producer{cfg: cfg, broker: broker, store: store, log: log}
}

// Publish delivers one event toward the destination app. In outbox mode the
// event is staged on the producer's own store and the call returns as soon
// as the row is written; in direct mode the call blocks on the broker ack,
// retrying per the backoff schedule up to the delivery cap.
func (p *Producer) Publish(ctx context.Context, ev Event) (*Result, error) {
	env, err := p.buildEnvelope(ctx, ev)
	if err != nil {
		return nil, err
	}
	if p.cfg.UseOutbox && p.store != nil {
		return p.stage(ctx, p.store, env)
	}
	return p.publishDirect(ctx, env)
}

// PublishTx stages the event through a store the caller bound to its open
// transaction, so the outbox row commits or rolls back with the domain
// change. Only valid in outbox mode.
func (p *Producer) PublishTx(ctx context.Context, store outbox.Store, ev Event) (*Result, error) {
	if !p.cfg.UseOutbox {
		return nil, fmt.Errorf("%w: outbox is disabled", ErrInvalidEvent)
	}
	env, err := p.buildEnvelope(ctx, ev)
	if err != nil {
		return nil, err
	}
	return p.stage(ctx, store, env)
}

func (p *Producer) buildEnvelope(ctx context.Context, ev Event) (envelope.Envelope, error) {
	if ev.EventType == "" {
		return envelope.Envelope{}, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if ev.ResourceType == "" {
		return envelope.Envelope{}, fmt.Errorf("%w: resource_type is required", ErrInvalidEvent)
	}

	eventID := ev.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	traceID := ev.TraceID
	if traceID == "" {
		// Pick up the active span so consumers can stitch the trace together.
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	env := envelope.Envelope{
		EventID:       eventID,
		SchemaVersion: envelope.SchemaVersion,
		EventType:     ev.EventType,
		Producer:      p.cfg.AppName,
		ResourceType:  ev.ResourceType,
		ResourceID:    ev.ResourceID,
		OccurredAt:    envelope.NewTime(occurred),
		TraceID:       traceID,
		Payload:       ev.Payload,
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return env, nil
}

// stage writes the pending outbox row; delivery becomes the Dispatcher's job.
func (p *Producer) stage(ctx context.Context, store outbox.Store, env envelope.Envelope) (*Result, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	row := &outbox.Row{
		ID:             uuid.NewString(),
		EventID:        env.EventID,
		ResourceType:   env.ResourceType,
		ResourceID:     env.ResourceID,
		EventType:      env.EventType,
		DestinationApp: p.cfg.DestinationApp,
		Payload:        data,
		CreatedAt:      time.Now().UTC(),
	}
	res := &Result{EventID: env.EventID, Subject: p.cfg.EventSubject()}
	if err := store.Insert(ctx, row); err != nil {
		if errors.Is(err, outbox.ErrDuplicate) {
			// Already staged; the dispatcher owns it from here.
			res.Success = true
			res.Duplicate = true
			return res, nil
		}
		res.Err = err
		return res, err
	}
	res.Success = true
	p.log.Debug("event staged in outbox",
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
	)
	return res, nil
}

// publishDirect blocks on the broker ack, retrying per the backoff schedule.
// The total attempt count is bounded by MaxDeliver; the last error is
// surfaced on the result.
func (p *Producer) publishDirect(ctx context.Context, env envelope.Envelope) (*Result, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	subject := p.cfg.EventSubject()
	res := &Result{EventID: env.EventID, Subject: subject}

	if err := p.broker.Connect(ctx); err != nil {
		res.Err = err
		return res, err
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxDeliver; attempt++ {
		if attempt > 0 {
			delay := p.cfg.BackoffAt(attempt - 1)
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}

		ack, err := PublishEnvelope(p.broker, subject, env.EventID, data)
		if err == nil {
			res.Success = true
			res.Duplicate = ack.Duplicate
			return res, nil
		}
		lastErr = err
		p.log.Warn("publish attempt failed",
			zap.String("event_id", env.EventID),
			zap.String("subject", subject),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	res.Err = fmt.Errorf("publish %s after %d attempts: %w", env.EventID, p.cfg.MaxDeliver, lastErr)
	return res, res.Err
}

// PublishEnvelope performs one publish with the msg-id header the broker
// deduplicates on. Shared by the direct path, the dispatcher, and the
// consumer's DLQ routing.
func PublishEnvelope(broker natsclient.Broker, subject, eventID string, data []byte) (*nats.PubAck, error) {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, eventID)
	return broker.PublishMsg(msg)
}
