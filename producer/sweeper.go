package producer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/inbox"
	"github.com/attaradev/jetstream-bridge/outbox"
)

// Sweeper purges terminal rows on a cron schedule: sent outbox rows and
// processed inbox rows older than the retention window. The dispatcher and
// consumer never delete rows themselves, so without a sweeper both tables
// grow without bound.
type Sweeper struct {
	cfg    config.Config
	outbox outbox.Store
	inbox  inbox.Store
	log    *zap.Logger
	cron   *cron.Cron
}

// NewSweeper builds a sweeper. Either store may be nil when the matching
// table is disabled.
func NewSweeper(cfg config.Config, ob outbox.Store, ib inbox.Store, log *zap.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, outbox: ob, inbox: ib, log: log, cron: cron.New()}
}

// Start registers the sweep job and launches the scheduler. A missing
// schedule disables the sweeper.
func (s *Sweeper) Start() error {
	if s.cfg.SweepSchedule == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("retention sweeper started",
		zap.String("schedule", s.cfg.SweepSchedule),
		zap.Duration("retention", s.cfg.SweepRetention),
	)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.cfg.SweepRetention)

	if s.outbox != nil {
		n, err := s.outbox.PurgeSent(ctx, cutoff)
		if err != nil {
			s.log.Error("outbox sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("outbox rows purged", zap.Int64("rows", n))
		}
	}
	if s.inbox != nil {
		n, err := s.inbox.PurgeProcessed(ctx, cutoff)
		if err != nil {
			s.log.Error("inbox sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("inbox rows purged", zap.Int64("rows", n))
		}
	}
}
