// Package topology reconciles the shared bridge stream: it makes sure the
// stream exists and carries exactly the subjects this application claims,
// without clobbering subjects owned by other streams. Both sides of a
// bridge run the same reconcile against the same stream name, so the
// update path always unions subjects and never removes the counterpart's.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
	"github.com/attaradev/jetstream-bridge/natsclient"
	"github.com/attaradev/jetstream-bridge/subjects"
)

// errCodeSubjectOverlap is the server's err_code for subject collisions
// across streams.
const errCodeSubjectOverlap nats.ErrorCode = 10065

// maxNamePages caps the $JS.API.STREAM.NAMES paging loop.
const maxNamePages = 100

// overlapRetryDelay is the pause before the single retry after a concurrent
// claim rejection.
const overlapRetryDelay = 50 * time.Millisecond

// Reconciler ensures the bridge stream's configuration.
type Reconciler struct {
	broker natsclient.Broker
	log    *zap.Logger
	window time.Duration
}

// New builds a reconciler. window sizes the duplicate-detection window on
// streams it creates.
func New(broker natsclient.Broker, log *zap.Logger, window time.Duration) *Reconciler {
	return &Reconciler{broker: broker, log: log, window: window}
}

// Ensure makes the named stream carry at least the desired subjects. It is
// idempotent and safe under concurrent provisioners: a racing claim is
// retried once after a short pause and then logged and skipped, because a
// benign race must never crash boot. Only unrecoverable broker errors are
// returned.
func (r *Reconciler) Ensure(ctx context.Context, stream string, desired []string) error {
	if stream == "" {
		return fmt.Errorf("%w: stream name is empty", config.ErrInvalid)
	}
	desired = subjects.Normalize(desired)
	if len(desired) == 0 {
		return fmt.Errorf("%w: no subjects to reconcile", config.ErrInvalid)
	}

	if err := r.broker.Connect(ctx); err != nil {
		return fmt.Errorf("reconcile %s: %w", stream, err)
	}

	err := r.ensureOnce(ctx, stream, desired)
	if err == nil || !isOverlapErr(err) {
		return err
	}

	r.log.Warn("stream claim raced a concurrent provisioner, retrying once",
		zap.String("stream", stream),
		zap.Error(err),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(overlapRetryDelay):
	}

	err = r.ensureOnce(ctx, stream, desired)
	if err != nil && isOverlapErr(err) {
		r.log.Warn("stream subjects still conflict after retry; leaving stream untouched",
			zap.String("stream", stream),
			zap.Strings("desired", desired),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (r *Reconciler) ensureOnce(ctx context.Context, stream string, desired []string) error {
	info, err := r.broker.StreamInfo(stream)
	switch {
	case err == nil:
		return r.update(ctx, info, stream, desired)
	case isNotFoundErr(err):
		return r.create(ctx, stream, desired)
	default:
		return fmt.Errorf("stream info %s: %w", stream, err)
	}
}

// update adds the desired subjects the stream does not already cover.
func (r *Reconciler) update(ctx context.Context, info *nats.StreamInfo, stream string, desired []string) error {
	existing := info.Config.Subjects
	var missing []string
	for _, d := range desired {
		if !subjects.Covered(existing, d) {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		r.log.Debug("stream already covers desired subjects",
			zap.String("stream", stream),
			zap.Strings("subjects", desired),
		)
		return nil
	}

	allowed, blocked, err := r.partition(ctx, stream, missing)
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		r.log.Warn("skipping subjects claimed by other streams",
			zap.String("stream", stream),
			zap.Strings("blocked", blocked),
		)
	}
	if len(allowed) == 0 {
		return nil
	}

	cfg := info.Config
	cfg.Subjects = append(append([]string(nil), existing...), allowed...)
	if _, err := r.broker.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", stream, err)
	}
	r.log.Info("stream subjects updated",
		zap.String("stream", stream),
		zap.Strings("added", allowed),
	)
	return nil
}

// create provisions the stream with whatever subset of desired subjects no
// other stream claims.
func (r *Reconciler) create(ctx context.Context, stream string, desired []string) error {
	allowed, blocked, err := r.partition(ctx, stream, desired)
	if err != nil {
		return err
	}
	if len(blocked) > 0 {
		r.log.Warn("skipping subjects claimed by other streams",
			zap.String("stream", stream),
			zap.Strings("blocked", blocked),
		)
	}
	if len(allowed) == 0 {
		r.log.Warn("every desired subject is claimed elsewhere; stream not created",
			zap.String("stream", stream),
			zap.Strings("desired", desired),
		)
		return nil
	}

	if _, err := r.broker.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   allowed,
		Retention:  nats.InterestPolicy,
		Storage:    nats.FileStorage,
		Duplicates: r.window,
	}); err != nil {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	r.log.Info("stream created",
		zap.String("stream", stream),
		zap.Strings("subjects", allowed),
	)
	return nil
}

// partition splits wanted into subjects free to claim and subjects that
// overlap a foreign stream. Foreign configurations are fetched once per
// call.
func (r *Reconciler) partition(ctx context.Context, exclude string, wanted []string) (allowed, blocked []string, err error) {
	foreign, err := r.foreignSubjects(ctx, exclude)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range wanted {
		owner := ""
		for name, subs := range foreign {
			if hits := subjects.OverlapsAny(subs, w); len(hits) > 0 {
				r.log.Warn("subject overlaps a foreign stream",
					zap.String("subject", w),
					zap.String("foreign_stream", name),
					zap.Strings("foreign_patterns", hits),
				)
				owner = name
				break
			}
		}
		if owner != "" {
			blocked = append(blocked, w)
		} else {
			allowed = append(allowed, w)
		}
	}
	return allowed, blocked, nil
}

// foreignSubjects enumerates every other stream's subjects, paging the
// name listing until total is reached or the hard page cap trips.
func (r *Reconciler) foreignSubjects(ctx context.Context, exclude string) (map[string][]string, error) {
	out := make(map[string][]string)
	offset := 0
	for page := 0; page < maxNamePages; page++ {
		names, err := r.broker.StreamNames(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		for _, name := range names.Streams {
			if name == exclude {
				continue
			}
			info, err := r.broker.StreamInfo(name)
			if err != nil {
				// Streams can vanish between the listing and the lookup.
				if isNotFoundErr(err) {
					continue
				}
				return nil, fmt.Errorf("stream info %s: %w", name, err)
			}
			out[name] = info.Config.Subjects
		}
		offset += len(names.Streams)
		if len(names.Streams) == 0 || offset >= names.Total {
			break
		}
	}
	return out, nil
}

// isNotFoundErr matches the broker's stream-not-found rejection in every
// shape it arrives.
func isNotFoundErr(err error) bool {
	if errors.Is(err, nats.ErrStreamNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "stream not found") || strings.Contains(msg, "404")
}

// isOverlapErr matches a concurrent subject claim: typed err_code 10065, a
// bare 400 from the stream API, or the description text.
func isOverlapErr(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == errCodeSubjectOverlap {
			return true
		}
		if apiErr.Code == 400 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "subjects overlap")
}
