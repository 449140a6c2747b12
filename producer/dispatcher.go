package producer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/natsclient"
	"github.com/attaradev/jetstream-bridge/outbox"
	"github.com/attaradev/jetstream-bridge/subjects"
)

// Dispatcher drains pending outbox rows to the broker. Each cycle it loads
// due rows oldest-first, reserves them one at a time with a compare-and-swap
// on (id, attempts), and publishes with the msg-id header. No row lock is
// held across the network call, so several dispatchers can share a table.
type Dispatcher struct {
	cfg    config.Config
	broker natsclient.Broker
	store  outbox.Store
	log    *zap.Logger
}

// NewDispatcher builds a dispatcher over the producer's outbox store.
func NewDispatcher(cfg config.Config, broker natsclient.Broker, store outbox.Store, log *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, broker: broker, store: store, log: log}
}

// Run polls the outbox until the context ends. The current row is always
// finished before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("outbox dispatcher started",
		zap.Duration("interval", d.cfg.DispatchInterval),
		zap.Int("batch", d.cfg.DispatchBatch),
		zap.Int("workers", d.cfg.DispatchWorkers),
	)
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		d.cycle(ctx)
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// cycle drains one batch. Rows are fanned out to DispatchWorkers goroutines;
// the CAS reservation keeps a row with exactly one of them.
func (d *Dispatcher) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rows, err := d.store.DuePending(ctx, d.cfg.DispatchBatch, time.Now().UTC())
	if err != nil {
		d.log.Error("outbox scan failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	if err := d.broker.Connect(ctx); err != nil {
		d.log.Warn("dispatcher cannot reach broker; rows stay pending", zap.Error(err))
		return
	}

	workers := d.cfg.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	work := make(chan outbox.Row)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				d.dispatch(ctx, row)
			}
		}()
	}
	for _, row := range rows {
		work <- row
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
}

// dispatch publishes one reserved row and records the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, row outbox.Row) {
	ok, err := d.store.Reserve(ctx, row.ID, row.Attempts)
	if err != nil {
		d.log.Error("outbox reservation failed",
			zap.String("event_id", row.EventID),
			zap.Error(err),
		)
		return
	}
	if !ok {
		// Another dispatcher got there first.
		return
	}

	subject := subjects.Event(d.cfg.AppName, row.DestinationApp)
	_, pubErr := PublishEnvelope(d.broker, subject, row.EventID, row.Payload)
	now := time.Now().UTC()
	if pubErr == nil {
		if err := d.store.MarkSent(ctx, row.ID, now); err != nil {
			d.log.Error("outbox mark sent failed",
				zap.String("event_id", row.EventID),
				zap.Error(err),
			)
		}
		d.log.Debug("outbox row dispatched",
			zap.String("event_id", row.EventID),
			zap.String("event_type", row.EventType),
		)
		return
	}

	attempts := row.Attempts + 1
	if attempts < d.cfg.MaxDeliver {
		notBefore := now.Add(d.cfg.BackoffAt(attempts - 1))
		if err := d.store.RetryLater(ctx, row.ID, attempts, pubErr.Error(), notBefore); err != nil {
			d.log.Error("outbox retry scheduling failed",
				zap.String("event_id", row.EventID),
				zap.Error(err),
			)
			return
		}
		d.log.Warn("outbox publish failed; will retry",
			zap.String("event_id", row.EventID),
			zap.Int("attempts", attempts),
			zap.Time("not_before", notBefore),
			zap.Error(pubErr),
		)
		return
	}

	if err := d.store.MarkFailed(ctx, row.ID, attempts, pubErr.Error(), now); err != nil {
		d.log.Error("outbox mark failed failed",
			zap.String("event_id", row.EventID),
			zap.Error(err),
		)
		return
	}
	d.log.Error("outbox row exhausted its attempts",
		zap.String("event_id", row.EventID),
		zap.Int("attempts", attempts),
		zap.Error(pubErr),
	)
}
