// Package bridge is the facade a host wires in: it owns the broker client,
// reconciles stream topology at startup, and hands out the producer and
// consumer paths configured from one Config value.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/consumer"
	"github.com/attaradev/jetstream-bridge/inbox"
	"github.com/attaradev/jetstream-bridge/natsclient"
	"github.com/attaradev/jetstream-bridge/outbox"
	"github.com/attaradev/jetstream-bridge/producer"
	"github.com/attaradev/jetstream-bridge/topology"
)

// Version is reported by the health document.
const Version = "1.0.0"

// Source tags a host-side write with its origin, so the apply path for
// imported events can suppress re-emission and break the replication cycle.
type Source int

const (
	// SourceLocal writes originate in this application and are published.
	SourceLocal Source = iota
	// SourceImported writes replay a counterpart event and are not
	// re-published.
	SourceImported
)

func (s Source) String() string {
	if s == SourceImported {
		return "imported"
	}
	return "local"
}

// Option customizes construction.
type Option func(*Bridge)

// WithLogger replaces the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithBroker injects a broker, typically the brokertest double.
func WithBroker(broker natsclient.Broker) Option {
	return func(b *Bridge) { b.broker = broker }
}

// WithOutboxStore injects the outbox persistence, typically outbox.NewPG
// over the host's pool.
func WithOutboxStore(store outbox.Store) Option {
	return func(b *Bridge) { b.outboxStore = store }
}

// WithInboxStore injects the inbox persistence.
func WithInboxStore(store inbox.Store) Option {
	return func(b *Bridge) { b.inboxStore = store }
}

// Bridge glues the subsystems together behind one lifecycle.
type Bridge struct {
	cfg config.Config
	log *zap.Logger

	broker      natsclient.Broker
	ownClient   *natsclient.Client
	outboxStore outbox.Store
	inboxStore  inbox.Store

	prod       *producer.Producer
	cons       *consumer.Consumer
	dispatcher *producer.Dispatcher
	sweeper    *producer.Sweeper
	reconciler *topology.Reconciler

	mu      sync.Mutex
	started bool
	topoOK  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the config and assembles the bridge. Enabled outbox/inbox
// default to in-memory stores unless the host injects persistent ones.
func New(cfg config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.broker == nil {
		b.ownClient = natsclient.New(cfg, b.log)
		b.broker = b.ownClient
	}
	if cfg.UseOutbox && b.outboxStore == nil {
		b.log.Warn("outbox enabled without a store; staged rows will not survive restarts")
		b.outboxStore = outbox.NewMemory()
	}
	if cfg.UseInbox && b.inboxStore == nil {
		b.log.Warn("inbox enabled without a store; deduplication will not survive restarts")
		b.inboxStore = inbox.NewMemory()
	}

	b.prod = producer.New(cfg, b.broker, b.outboxStore, b.log)
	var ibs inbox.Store
	if cfg.UseInbox {
		ibs = b.inboxStore
	}
	b.cons = consumer.New(cfg, b.broker, ibs, b.log)
	b.reconciler = topology.New(b.broker, b.log, cfg.DuplicateWindow)
	if cfg.UseOutbox {
		b.dispatcher = producer.NewDispatcher(cfg, b.broker, b.outboxStore, b.log)
	}
	b.sweeper = producer.NewSweeper(cfg, b.outboxStore, b.inboxStore, b.log)
	return b, nil
}

// Start connects, reconciles topology, and launches the background workers.
// The auto-start policy can turn it into a no-op, in which case the first
// publish or subscribe still connects lazily.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	if !b.cfg.AutoStart.ShouldStart(b.cfg.Interactive) {
		b.mu.Unlock()
		b.log.Info("bridge auto-start skipped", zap.String("policy", b.cfg.AutoStart.String()))
		return nil
	}
	b.started = true
	workerCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	if !b.cfg.LazyConnect {
		if err := b.broker.Connect(ctx); err != nil {
			return fmt.Errorf("bridge start: %w", err)
		}
	}
	if err := b.EnsureTopology(ctx); err != nil {
		return err
	}

	if b.dispatcher != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.dispatcher.Run(workerCtx)
		}()
	}
	if err := b.sweeper.Start(); err != nil {
		return fmt.Errorf("bridge start: sweeper: %w", err)
	}
	b.log.Info("bridge started",
		zap.String("app", b.cfg.AppName),
		zap.String("destination", b.cfg.DestinationApp),
		zap.String("stream", b.cfg.StreamName()),
	)
	return nil
}

// EnsureTopology reconciles the shared stream unless the JetStream admin
// API is disabled by configuration. Under lazy connect it is deferred to
// the first publish or subscribe.
func (b *Bridge) EnsureTopology(ctx context.Context) error {
	if b.cfg.DisableJSAPI {
		b.log.Info("topology reconciliation disabled; stream must already exist",
			zap.String("stream", b.cfg.StreamName()))
		return nil
	}
	if b.cfg.LazyConnect && !b.broker.Status().Connected {
		return nil
	}
	if err := b.reconciler.Ensure(ctx, b.cfg.StreamName(), b.cfg.DesiredSubjects()); err != nil {
		return err
	}
	b.mu.Lock()
	b.topoOK = true
	b.mu.Unlock()
	return nil
}

// ensureLazy runs the deferred connect-and-reconcile before the first real
// operation. Failures are logged, not returned; the operation itself will
// surface the broker error.
func (b *Bridge) ensureLazy(ctx context.Context) {
	if b.cfg.DisableJSAPI {
		return
	}
	b.mu.Lock()
	done := b.topoOK
	b.mu.Unlock()
	if done {
		return
	}
	if err := b.broker.Connect(ctx); err != nil {
		b.log.Warn("lazy connect failed", zap.Error(err))
		return
	}
	if err := b.EnsureTopology(ctx); err != nil {
		b.log.Warn("lazy topology reconcile failed", zap.Error(err))
	}
}

// Publish sends one event toward the destination app.
func (b *Bridge) Publish(ctx context.Context, ev producer.Event) (*producer.Result, error) {
	b.ensureLazy(ctx)
	return b.prod.Publish(ctx, ev)
}

// PublishTx stages one event through the caller's transaction-bound store.
func (b *Bridge) PublishTx(ctx context.Context, store outbox.Store, ev producer.Event) (*producer.Result, error) {
	return b.prod.PublishTx(ctx, store, ev)
}

// Subscribe binds the durable consumer for the counterpart's events. The
// returned subscription blocks in Run until its context ends. Under lazy
// connect the connection and topology are established here, bounded by the
// configured connect timeout.
func (b *Bridge) Subscribe(handler consumer.Handler) (*consumer.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
	defer cancel()
	b.ensureLazy(ctx)
	return b.cons.Subscribe(handler)
}

// OutboxStore exposes the producer-side store for status endpoints.
func (b *Bridge) OutboxStore() outbox.Store { return b.outboxStore }

// InboxStore exposes the consumer-side store for status endpoints.
func (b *Bridge) InboxStore() inbox.Store { return b.inboxStore }

// Shutdown stops the background workers, waiting out in-flight messages up
// to the configured hard deadline, then closes the connection.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.started = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.sweeper.Stop()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	deadline := b.cfg.ShutdownTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("shutdown context ended before workers finished")
	case <-timer.C:
		b.log.Warn("shutdown hard deadline reached; abandoning workers",
			zap.Duration("deadline", deadline))
	}

	if b.ownClient != nil {
		b.ownClient.Close()
	}
	b.log.Info("bridge shut down")
	return nil
}
