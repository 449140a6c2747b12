// Package config carries the bridge's runtime options. A Config is an
// explicit value handed to each component at construction; there is no
// process-global configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attaradev/jetstream-bridge/subjects"
)

// ErrInvalid is wrapped by every validation failure. Configuration errors
// are fatal at startup and are never retried.
var ErrInvalid = errors.New("invalid configuration")

// Consumer delivery modes.
const (
	ModePull = "pull"
	ModePush = "push"
)

// AutoStartPolicy decides whether the bridge connects and reconciles
// topology at process boot. It is derived from the FORCE_AUTOSTART and
// DISABLE_AUTOSTART flags; interactive detection is the host's call and is
// passed in explicitly rather than sniffed from the process.
type AutoStartPolicy int

const (
	// AutoStartSkipIfInteractive starts unless the host marked the process
	// interactive (consoles, one-off scripts).
	AutoStartSkipIfInteractive AutoStartPolicy = iota
	// AutoStartAlways starts regardless of interactivity.
	AutoStartAlways
	// AutoStartNever leaves startup to the first publish or subscribe.
	AutoStartNever
)

func (p AutoStartPolicy) String() string {
	switch p {
	case AutoStartAlways:
		return "always"
	case AutoStartNever:
		return "never"
	default:
		return "skip_if_interactive"
	}
}

// ShouldStart applies the policy for a process whose interactivity is known.
func (p AutoStartPolicy) ShouldStart(interactive bool) bool {
	switch p {
	case AutoStartAlways:
		return true
	case AutoStartNever:
		return false
	default:
		return !interactive
	}
}

// Config is the full option set recognized by the bridge.
type Config struct {
	// Broker addresses, comma separated in the environment.
	NatsURLs []string `env:"BRIDGE_NATS_URLS" envSeparator:"," envDefault:"nats://127.0.0.1:4222"`
	// Env is prefixed into the shared stream name.
	Env string `env:"BRIDGE_ENV" envDefault:"development"`
	// AppName is this application's logical identity on the wire.
	AppName string `env:"BRIDGE_APP_NAME"`
	// DestinationApp is the counterpart's identity.
	DestinationApp string `env:"BRIDGE_DESTINATION_APP"`

	// MaxDeliver caps producer publish retries and consumer deliveries.
	MaxDeliver int `env:"BRIDGE_MAX_DELIVER" envDefault:"5"`
	// AckWait is the broker visibility timeout per message.
	AckWait time.Duration `env:"BRIDGE_ACK_WAIT" envDefault:"30s"`
	// Backoff is the ordered delay schedule applied to retries; attempts
	// beyond its length reuse the final entry.
	Backoff []time.Duration `env:"BRIDGE_BACKOFF" envSeparator:"," envDefault:"1s,5s,15s,30s,60s"`

	UseOutbox bool `env:"BRIDGE_USE_OUTBOX" envDefault:"false"`
	UseInbox  bool `env:"BRIDGE_USE_INBOX" envDefault:"false"`
	UseDLQ    bool `env:"BRIDGE_USE_DLQ" envDefault:"true"`

	// ConsumerMode selects pull (default) or push delivery.
	ConsumerMode string `env:"BRIDGE_CONSUMER_MODE" envDefault:"pull"`
	// LazyConnect defers dialing until the first publish or subscribe.
	LazyConnect bool `env:"BRIDGE_LAZY_CONNECT" envDefault:"false"`
	// DisableJSAPI skips topology reconciliation at boot; the stream must
	// already exist.
	DisableJSAPI bool `env:"BRIDGE_DISABLE_JS_API" envDefault:"false"`

	// BatchSize is the consumer fetch batch.
	BatchSize int `env:"BRIDGE_BATCH_SIZE" envDefault:"10"`
	// FetchTimeout bounds one consumer fetch round trip.
	FetchTimeout time.Duration `env:"BRIDGE_FETCH_TIMEOUT" envDefault:"5s"`
	// Workers is the number of consumer workers sharing one subscription.
	Workers int `env:"BRIDGE_WORKERS" envDefault:"1"`

	// DispatchInterval is the outbox poll cadence.
	DispatchInterval time.Duration `env:"BRIDGE_DISPATCH_INTERVAL" envDefault:"1s"`
	// DispatchBatch is the number of due rows drained per cycle.
	DispatchBatch int `env:"BRIDGE_DISPATCH_BATCH" envDefault:"100"`
	// DispatchWorkers is the number of dispatcher tasks. Row reservation is
	// a compare-and-swap, so more than one is safe.
	DispatchWorkers int `env:"BRIDGE_DISPATCH_WORKERS" envDefault:"1"`

	// ConnectTimeout bounds the wait for the initial broker connection.
	ConnectTimeout time.Duration `env:"BRIDGE_CONNECT_TIMEOUT" envDefault:"10s"`
	// ShutdownTimeout is the hard deadline for cooperative shutdown.
	ShutdownTimeout time.Duration `env:"BRIDGE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// DuplicateWindow sizes the stream's publish deduplication window.
	DuplicateWindow time.Duration `env:"BRIDGE_DUPLICATE_WINDOW" envDefault:"2m"`

	// SweepSchedule is a cron expression for purging terminal outbox/inbox
	// rows. Empty disables the sweeper.
	SweepSchedule string `env:"BRIDGE_SWEEP_SCHEDULE"`
	// SweepRetention is how long terminal rows are kept before purging.
	SweepRetention time.Duration `env:"BRIDGE_SWEEP_RETENTION" envDefault:"336h"`

	// AutoStart and Interactive govern boot behavior; both are set by
	// FromEnv or directly by the host.
	AutoStart   AutoStartPolicy `env:"-"`
	Interactive bool            `env:"-"`
	// Verbose enables longer backtraces on failure.
	Verbose bool `env:"-"`
}

// Default returns a Config with every optional field at its documented
// default. AppName and DestinationApp must still be filled in.
func Default() Config {
	return Config{
		NatsURLs:         []string{"nats://127.0.0.1:4222"},
		Env:              "development",
		MaxDeliver:       5,
		AckWait:          30 * time.Second,
		Backoff:          DefaultBackoff(),
		UseDLQ:           true,
		ConsumerMode:     ModePull,
		BatchSize:        10,
		FetchTimeout:     5 * time.Second,
		Workers:          1,
		DispatchInterval: time.Second,
		DispatchBatch:    100,
		DispatchWorkers:  1,
		ConnectTimeout:   10 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		DuplicateWindow:  2 * time.Minute,
		SweepRetention:   14 * 24 * time.Hour,
	}
}

// DefaultBackoff is the stock retry schedule.
func DefaultBackoff() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
		30 * time.Second,
		60 * time.Second,
	}
}

// ParseBackoff parses a comma separated delay list such as "1s,5s,15s".
func ParseBackoff(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("%w: backoff entry %q: %v", ErrInvalid, p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%w: backoff entry %q must be positive", ErrInvalid, p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: backoff list is empty", ErrInvalid)
	}
	return out, nil
}

// Validate checks the configuration. The error wraps ErrInvalid.
func (c Config) Validate() error {
	if len(c.NatsURLs) == 0 {
		return fmt.Errorf("%w: nats_urls is empty", ErrInvalid)
	}
	if !subjects.ValidToken(c.Env) {
		return fmt.Errorf("%w: env %q is not a valid subject token", ErrInvalid, c.Env)
	}
	if !subjects.ValidToken(c.AppName) {
		return fmt.Errorf("%w: app_name %q is not a valid subject token", ErrInvalid, c.AppName)
	}
	if !subjects.ValidToken(c.DestinationApp) {
		return fmt.Errorf("%w: destination_app %q is not a valid subject token", ErrInvalid, c.DestinationApp)
	}
	if c.AppName == c.DestinationApp {
		return fmt.Errorf("%w: app_name and destination_app must differ", ErrInvalid)
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("%w: max_deliver must be at least 1, got %d", ErrInvalid, c.MaxDeliver)
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("%w: ack_wait must be positive", ErrInvalid)
	}
	if len(c.Backoff) == 0 {
		return fmt.Errorf("%w: backoff schedule is empty", ErrInvalid)
	}
	for i, d := range c.Backoff {
		if d <= 0 {
			return fmt.Errorf("%w: backoff[%d] must be positive", ErrInvalid, i)
		}
	}
	if c.ConsumerMode != ModePull && c.ConsumerMode != ModePush {
		return fmt.Errorf("%w: consumer_mode must be %q or %q, got %q", ErrInvalid, ModePull, ModePush, c.ConsumerMode)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1", ErrInvalid)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch_timeout must be positive", ErrInvalid)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("%w: dispatch_interval must be positive", ErrInvalid)
	}
	if c.DispatchBatch < 1 {
		return fmt.Errorf("%w: dispatch_batch must be at least 1", ErrInvalid)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("%w: dispatch_workers must be at least 1", ErrInvalid)
	}
	return nil
}

// ── derived names ─────────────────────────────────────────────────────────

// StreamName returns the shared stream for this environment.
func (c Config) StreamName() string { return subjects.Stream(c.Env) }

// EventSubject is where this app publishes domain events.
func (c Config) EventSubject() string { return subjects.Event(c.AppName, c.DestinationApp) }

// DLQSubject is where this app parks events it failed to consume.
func (c Config) DLQSubject() string { return subjects.DLQ(c.AppName, c.DestinationApp) }

// FilterSubject is the counterpart subject this app consumes.
func (c Config) FilterSubject() string { return subjects.Filter(c.AppName, c.DestinationApp) }

// DurableName identifies this app's consumer cursor on the stream.
func (c Config) DurableName() string { return subjects.Durable(c.AppName, c.DestinationApp) }

// DesiredSubjects is the full subject claim this app reconciles into the
// shared stream.
func (c Config) DesiredSubjects() []string {
	return []string{c.EventSubject(), c.DLQSubject()}
}

// BackoffAt returns the delay for the nth retry (zero-based); attempts past
// the end of the schedule reuse the final entry.
func (c Config) BackoffAt(n int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n >= len(c.Backoff) {
		n = len(c.Backoff) - 1
	}
	return c.Backoff[n]
}
