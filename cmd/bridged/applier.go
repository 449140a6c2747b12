package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/bridge"
	"github.com/attaradev/jetstream-bridge/consumer"
)

// applier is the demo apply path for counterpart events. It keeps a
// replicated view of the last write per resource and drops events older
// than what it already holds, so out-of-order deliveries settle on the
// newest state. Returning nil for a stale event marks it processed.
type applier struct {
	log *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time // resource_type/resource_id -> occurred_at
}

func newApplier(log *zap.Logger) *applier {
	return &applier{log: log, seen: make(map[string]time.Time)}
}

// Apply is the consumer handler. Writes triggered here are imported, not
// local, so a real host would thread bridge.SourceImported into its write
// API to suppress re-emission.
func (a *applier) Apply(ctx context.Context, ev consumer.Event) error {
	key := ev.ResourceType + "/" + ev.ResourceID

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.seen[key]; ok && !ev.OccurredAt.After(last) {
		a.log.Debug("stale event skipped",
			zap.String("resource", key),
			zap.String("event_id", ev.EventID),
			zap.Time("occurred_at", ev.OccurredAt),
			zap.Time("current", last),
		)
		return nil
	}
	a.seen[key] = ev.OccurredAt

	a.log.Info("event applied",
		zap.String("event_type", ev.Type),
		zap.String("resource", key),
		zap.String("event_id", ev.EventID),
		zap.String("producer", ev.Producer),
		zap.String("source", bridge.SourceImported.String()),
	)
	return nil
}
