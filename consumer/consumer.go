// Package consumer pulls the counterpart's events off the bridge stream and
// applies each one exactly once per event_id: the inbox table records
// receipt, enforces idempotency across duplicate deliveries and worker
// races, and failures flow through NAK backoff to the dead-letter subject.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/inbox"
	"github.com/attaradev/jetstream-bridge/natsclient"
)

// ErrTerminal marks a handler failure that must never be retried. Wrap with
// Term; errors.Is(err, ErrTerminal) routes the message straight to the DLQ.
var ErrTerminal = errors.New("terminal handler failure")

// Term wraps a handler error so the message skips redelivery and goes to the
// dead-letter path immediately.
func Term(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// errDeserialization tags an envelope parse failure; it follows the same
// retry-then-DLQ path as a handler error.
var errDeserialization = errors.New("envelope deserialization failed")

// Consumer builds subscriptions against the counterpart's publish subject.
type Consumer struct {
	cfg    config.Config
	broker natsclient.Broker
	store  inbox.Store
	log    *zap.Logger
}

// New builds a consumer. store may be nil when the inbox is disabled, in
// which case idempotency rests on the broker's delivery semantics alone.
func New(cfg config.Config, broker natsclient.Broker, store inbox.Store, log *zap.Logger) *Consumer {
	return &Consumer{cfg: cfg, broker: broker, store: store, log: log}
}

// Subscribe binds the durable consumer and returns a Subscription ready to
// Run. The subscription is pull-based unless the config selects push.
func (c *Consumer) Subscribe(handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", config.ErrInvalid)
	}
	return &Subscription{c: c, handler: handler}, nil
}

// Subscription is one durable cursor with its worker pool.
type Subscription struct {
	c       *Consumer
	handler Handler
}

// Run blocks until the context ends. Each worker finishes its current
// message (ACK or NAK) before returning.
func (s *Subscription) Run(ctx context.Context) error {
	c := s.c
	if err := c.broker.Connect(ctx); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	spec := natsclient.ConsumerSpec{
		Stream:     c.cfg.StreamName(),
		Durable:    c.cfg.DurableName(),
		Subject:    c.cfg.FilterSubject(),
		AckWait:    c.cfg.AckWait,
		MaxDeliver: c.cfg.MaxDeliver,
		Backoff:    c.cfg.Backoff,
	}
	c.log.Info("consumer starting",
		zap.String("stream", spec.Stream),
		zap.String("durable", spec.Durable),
		zap.String("subject", spec.Subject),
		zap.String("mode", c.cfg.ConsumerMode),
		zap.Int("workers", c.cfg.Workers),
	)

	if c.cfg.ConsumerMode == config.ModePush {
		return s.runPush(ctx, spec)
	}
	return s.runPull(ctx, spec)
}

// runPull fetches batches on one goroutine and fans deliveries out to
// Workers goroutines over a bounded queue. Ordering is per-worker only.
func (s *Subscription) runPull(ctx context.Context, spec natsclient.ConsumerSpec) error {
	c := s.c
	sub, err := c.broker.PullSubscribe(spec)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer sub.Drain()

	queue := make(chan natsclient.Delivery, c.cfg.BatchSize)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range queue {
				s.process(ctx, d)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			c.log.Info("consumer stopped")
			return nil
		default:
		}

		deliveries, err := sub.Fetch(c.cfg.BatchSize, c.cfg.FetchTimeout)
		if err != nil {
			// Timeout just means an empty queue.
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			c.log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			queue <- d
		}
	}
}

func (s *Subscription) runPush(ctx context.Context, spec natsclient.ConsumerSpec) error {
	sub, err := s.c.broker.PushSubscribe(spec, func(d natsclient.Delivery) {
		s.process(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.c.log.Warn("push drain failed", zap.Error(err))
	}
	s.c.log.Info("consumer stopped")
	return nil
}

// process runs the full protocol for one delivery. Every failure is caught
// here so a worker never dies from a bad message.
func (s *Subscription) process(ctx context.Context, d natsclient.Delivery) {
	c := s.c
	msg := newInboxMessage(d)
	log := c.log.With(
		zap.String("event_id", msg.EventID),
		zap.String("event_type", msg.Envelope.EventType),
		zap.Uint64("deliveries", msg.Meta.Deliveries),
	)

	if c.store != nil {
		if done := s.reserve(ctx, d, msg, log); done {
			return
		}
	}

	var err error
	if msg.ParseErr != nil {
		err = fmt.Errorf("%w: %w", errDeserialization, msg.ParseErr)
	} else {
		err = s.callHandler(ctx, msg.event())
	}

	now := time.Now().UTC()
	if err == nil {
		if c.store != nil {
			if markErr := c.store.MarkProcessed(ctx, msg.EventID, now); markErr != nil {
				// Leave the row in processing and let redelivery settle it
				// rather than acking an unrecorded success.
				log.Error("inbox mark processed failed", zap.Error(markErr))
				s.nak(d, msg, log)
				return
			}
		}
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		log.Debug("event processed")
		return
	}

	if c.store != nil {
		if markErr := c.store.MarkFailed(ctx, msg.EventID, int(msg.Meta.Deliveries), err.Error(), now); markErr != nil {
			log.Error("inbox mark failed failed", zap.Error(markErr))
		}
	}

	if errors.Is(err, ErrTerminal) || msg.Meta.Deliveries >= uint64(c.cfg.MaxDeliver) {
		s.deadLetter(d, msg, err, log)
		return
	}
	log.Warn("handler failed; message will be redelivered", zap.Error(err))
	s.nak(d, msg, log)
}

// reserve applies the inbox protocol up to the handler call. It reports true
// when the message is already settled (idempotent replay or racing worker)
// and the caller must stop.
func (s *Subscription) reserve(ctx context.Context, d natsclient.Delivery, msg InboxMessage, log *zap.Logger) bool {
	c := s.c
	now := time.Now().UTC()

	row, err := c.store.Get(ctx, msg.EventID)
	if err == nil && row.Status == inbox.StatusProcessed {
		// Idempotent replay of a settled event.
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		log.Debug("duplicate delivery of processed event acked")
		return true
	}
	if err != nil && !errors.Is(err, inbox.ErrNotFound) {
		log.Error("inbox lookup failed", zap.Error(err))
		s.nak(d, msg, log)
		return true
	}

	insertErr := c.store.Insert(ctx, &inbox.Row{
		ID:           uuid.NewString(),
		EventID:      msg.EventID,
		ResourceType: msg.Envelope.ResourceType,
		ResourceID:   msg.Envelope.ResourceID,
		EventType:    msg.Envelope.EventType,
		SourceApp:    msg.Envelope.Producer,
		Payload:      msg.Raw,
		Headers:      msg.Headers,
		Attempts:     int(msg.Meta.Deliveries),
		StreamSeq:    msg.Meta.StreamSeq,
		ReceivedAt:   now,
		CreatedAt:    now,
	})
	if insertErr == nil {
		return false
	}
	if !errors.Is(insertErr, inbox.ErrDuplicate) {
		log.Error("inbox insert failed", zap.Error(insertErr))
		s.nak(d, msg, log)
		return true
	}

	// The unique index arbitrated: the row exists. A genuine redelivery
	// carries a delivery count ahead of the recorded attempts and takes the
	// row over; otherwise a concurrent worker owns it and this copy is a
	// duplicate.
	ok, toErr := c.store.TakeOver(ctx, msg.EventID, int(msg.Meta.Deliveries), now)
	if toErr != nil {
		log.Error("inbox take over failed", zap.Error(toErr))
		s.nak(d, msg, log)
		return true
	}
	if !ok {
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		log.Debug("duplicate delivery acked")
		return true
	}
	return false
}

// callHandler invokes the host handler, converting a panic into an error so
// it never crosses a worker boundary.
func (s *Subscription) callHandler(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// nak schedules redelivery after the backoff step for this delivery count.
func (s *Subscription) nak(d natsclient.Delivery, msg InboxMessage, log *zap.Logger) {
	delay := s.c.cfg.BackoffAt(int(msg.Meta.Deliveries) - 1)
	if err := d.NakWithDelay(delay); err != nil {
		log.Warn("nak failed", zap.Error(err))
	}
}

// deadLetter republishes the envelope on the DLQ subject (when enabled) and
// permanently acks the original.
func (s *Subscription) deadLetter(d natsclient.Delivery, msg InboxMessage, cause error, log *zap.Logger) {
	c := s.c
	if c.cfg.UseDLQ {
		dlqMsg := &nats.Msg{
			Subject: c.cfg.DLQSubject(),
			Data:    msg.Raw,
			Header:  nats.Header{},
		}
		// The DLQ shares the stream with domain traffic, so the msg-id is
		// namespaced to stay clear of the original publish's dedup entry
		// while still deduplicating racing dead-letter attempts.
		dlqMsg.Header.Set(nats.MsgIdHdr, "dlq."+msg.EventID)
		if _, err := c.broker.PublishMsg(dlqMsg); err != nil {
			// Keep the original alive so the event is not lost.
			log.Error("DLQ publish failed; message will be redelivered", zap.Error(err))
			s.nak(d, msg, log)
			return
		}
		log.Warn("event routed to DLQ",
			zap.String("dlq_subject", c.cfg.DLQSubject()),
			zap.Error(cause),
		)
	} else {
		log.Error("event dropped after exhausting deliveries", zap.Error(cause))
	}
	if err := d.Term(); err != nil {
		log.Warn("term failed", zap.Error(err))
	}
}
