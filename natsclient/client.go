package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/attaradev/jetstream-bridge/config"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("nats client is closed")
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("nats client is not connected")
)

// streamNamesAPI is the JetStream admin subject for listing stream names.
const streamNamesAPI = "$JS.API.STREAM.NAMES"

// Client manages one NATS connection per process. It dials lazily, tracks
// the lifecycle state machine idle -> connecting -> connected ->
// reconnecting -> closed, and exposes the JetStream surface as a Broker.
type Client struct {
	cfg config.Config
	log *zap.Logger

	mu          sync.Mutex
	state       State
	conn        *nats.Conn
	js          nats.JetStreamContext
	connectedAt time.Time
	lastErr     error
	lastErrAt   time.Time
}

// New builds an unconnected client. Dialing happens on Connect.
func New(cfg config.Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, log: log, state: StateIdle}
}

// Connect dials the broker once and then keeps the connection alive through
// the nats client's own reconnect loop. It is idempotent: a connected client
// returns immediately, a connecting one waits for the outcome. The wait is
// bounded by ConnectTimeout; on timeout the background retry keeps going and
// a later Connect call can still succeed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return c.waitConnected(ctx)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	urls := strings.Join(c.cfg.NatsURLs, ",")
	opts := []nats.Option{
		nats.Name(c.cfg.AppName + "-jetstream-bridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(nc *nats.Conn) { c.onConnected(nc) }),
		nats.ReconnectHandler(func(nc *nats.Conn) { c.onReconnected(nc) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.onDisconnected(err) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) { c.recordError(err) }),
	}

	nc, err := nats.Connect(urls, opts...)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("connect to NATS %s: %w", urls, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		c.fail(err)
		return fmt.Errorf("initialize JetStream: %w", err)
	}

	c.mu.Lock()
	c.conn = nc
	c.js = js
	c.mu.Unlock()

	return c.waitConnected(ctx)
}

// waitConnected polls until the connection is live, the context ends, or
// ConnectTimeout elapses.
func (c *Client) waitConnected(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.conn != nil && c.conn.IsConnected() {
			c.markConnectedLocked()
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to NATS: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("connect to NATS: no connection after %s: %w", timeout, ErrNotConnected)
		case <-tick.C:
		}
	}
}

// Conn returns the raw NATS connection for callers that need it, such as
// request/reply against admin subjects.
func (c *Client) Conn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// JetStream returns the JetStream handle. It fails when the client never
// connected or was closed; during a reconnect the existing handle is
// returned and individual calls surface their own errors.
func (c *Client) JetStream() (nats.JetStreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// Status reports the connection snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:   c.state == StateConnected,
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastErr,
		LastErrorAt: c.lastErrAt,
	}
}

// Close drains and closes the underlying connection. Drain flushes pending
// publish acknowledgments and in-flight subscription deliveries before
// closing; fall back to Close if Drain itself errors.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	c.log.Info("NATS connection closed")
}

// ── Broker surface ────────────────────────────────────────────────────────

func (c *Client) PublishMsg(msg *nats.Msg) (*nats.PubAck, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	return js.PublishMsg(msg)
}

func (c *Client) PullSubscribe(spec ConsumerSpec) (PullSubscription, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(spec.Subject, spec.Durable, consumerOpts(spec)...)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s on %s: %w", spec.Durable, spec.Subject, err)
	}
	return &natsPullSubscription{sub: sub}, nil
}

func (c *Client) PushSubscribe(spec ConsumerSpec, cb func(Delivery)) (PushSubscription, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	opts := append(consumerOpts(spec), nats.Durable(spec.Durable))
	sub, err := js.Subscribe(spec.Subject, func(m *nats.Msg) { cb(&natsDelivery{msg: m}) }, opts...)
	if err != nil {
		return nil, fmt.Errorf("push subscribe %s on %s: %w", spec.Durable, spec.Subject, err)
	}
	return &natsPushSubscription{sub: sub}, nil
}

func (c *Client) StreamInfo(name string) (*nats.StreamInfo, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	return js.StreamInfo(name)
}

func (c *Client) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	return js.AddStream(cfg)
}

func (c *Client) UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	return js.UpdateStream(cfg)
}

func (c *Client) StreamNames(ctx context.Context, offset int) (*StreamNamesPage, error) {
	conn, err := c.Conn()
	if err != nil {
		return nil, err
	}
	req, err := json.Marshal(struct {
		Offset int `json:"offset"`
	}{Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("stream names request: %w", err)
	}
	resp, err := conn.RequestWithContext(ctx, streamNamesAPI, req)
	if err != nil {
		return nil, fmt.Errorf("stream names at offset %d: %w", offset, err)
	}
	var page StreamNamesPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return nil, fmt.Errorf("stream names response: %w", err)
	}
	return &page, nil
}

// ── state transitions ─────────────────────────────────────────────────────

func (c *Client) onConnected(nc *nats.Conn) {
	c.mu.Lock()
	c.markConnectedLocked()
	c.mu.Unlock()
	c.log.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))
}

func (c *Client) onReconnected(nc *nats.Conn) {
	c.mu.Lock()
	c.markConnectedLocked()
	c.mu.Unlock()
	c.log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (c *Client) onDisconnected(err error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateReconnecting
	}
	if err != nil {
		c.lastErr = err
		c.lastErrAt = time.Now().UTC()
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("NATS disconnected", zap.Error(err))
	}
}

func (c *Client) markConnectedLocked() {
	if c.state == StateClosed {
		return
	}
	if c.state != StateConnected {
		c.state = StateConnected
		c.connectedAt = time.Now().UTC()
	}
}

func (c *Client) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now().UTC()
	c.mu.Unlock()
	c.log.Warn("NATS async error", zap.Error(err))
}

// fail records an error from a failed dial and resets to idle so a later
// Connect can retry from scratch.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now().UTC()
	if c.state != StateClosed {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// consumerOpts translates a ConsumerSpec into subscription options. The
// backoff list is truncated because the server requires max_deliver to be
// strictly greater than the number of backoff entries.
func consumerOpts(spec ConsumerSpec) []nats.SubOpt {
	opts := []nats.SubOpt{
		nats.BindStream(spec.Stream),
		nats.AckExplicit(),
		nats.ManualAck(),
	}
	if spec.AckWait > 0 {
		opts = append(opts, nats.AckWait(spec.AckWait))
	}
	if spec.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(spec.MaxDeliver))
	}
	backoff := spec.Backoff
	if spec.MaxDeliver > 0 && len(backoff) >= spec.MaxDeliver {
		backoff = backoff[:spec.MaxDeliver-1]
	}
	if len(backoff) > 0 {
		opts = append(opts, nats.BackOff(backoff))
	}
	return opts
}
