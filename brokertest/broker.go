// Package brokertest provides an in-memory JetStream double implementing
// natsclient.Broker, so producer, consumer, and topology code can be tested
// without a server.
//
// The double is faithful where the bridge depends on broker behavior:
// publish deduplication by the nats-msg-id header within the stream's
// duplicate window, subject overlap rejection across streams, per-durable
// cursors with delivery counting, NAK delays, TERM, and max_deliver
// suppression. It does not age messages out, enforce ack_wait redelivery,
// or support multi-filter consumers.
package brokertest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/attaradev/jetstream-bridge/natsclient"
	"github.com/attaradev/jetstream-bridge/subjects"
)

// apiErrCodeSubjectOverlap mirrors the server's err_code for stream subject
// collisions.
const apiErrCodeSubjectOverlap nats.ErrorCode = 10065

// apiErrCodeNameInUse mirrors the server's err_code when a stream name is
// already taken with a different configuration.
const apiErrCodeNameInUse nats.ErrorCode = 10058

// StoredMsg is a message persisted in a stream, exposed for assertions.
type StoredMsg struct {
	Subject     string
	Data        []byte
	Header      nats.Header
	Seq         uint64
	PublishedAt time.Time
}

type pendingDelivery struct {
	deliveries int
	notBefore  time.Time
	acked      bool
	termed     bool
}

type memConsumer struct {
	spec    natsclient.ConsumerSpec
	nextSeq uint64
	pending map[uint64]*pendingDelivery
}

type memStream struct {
	cfg   nats.StreamConfig
	msgs  []StoredMsg
	dedup map[string]dedupEntry
}

type dedupEntry struct {
	seq uint64
	at  time.Time
}

// Broker is the in-memory double. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	consumers map[string]map[string]*memConsumer // stream -> durable
	waiters   []chan struct{}
	connected bool

	// PageLimit caps StreamNames pages; tests lower it to exercise paging.
	PageLimit int
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		streams:   make(map[string]*memStream),
		consumers: make(map[string]map[string]*memConsumer),
		PageLimit: 256,
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Broker) Status() natsclient.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := natsclient.StateIdle
	if b.connected {
		state = natsclient.StateConnected
	}
	return natsclient.Status{Connected: b.connected, State: state}
}

// wake releases every blocked Fetch so it can re-scan for eligible messages.
func (b *Broker) wake() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

func (b *Broker) waiter() chan struct{} {
	w := make(chan struct{})
	b.waiters = append(b.waiters, w)
	return w
}

// ── publishing ────────────────────────────────────────────────────────────

func (b *Broker) PublishMsg(msg *nats.Msg) (*nats.PubAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, name := b.streamForSubject(msg.Subject)
	if st == nil {
		return nil, nats.ErrNoStreamResponse
	}

	now := time.Now()
	if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
		if e, ok := st.dedup[id]; ok {
			window := st.cfg.Duplicates
			if window <= 0 || now.Sub(e.at) < window {
				return &nats.PubAck{Stream: name, Sequence: e.seq, Duplicate: true}, nil
			}
		}
	}

	seq := uint64(len(st.msgs) + 1)
	st.msgs = append(st.msgs, StoredMsg{
		Subject:     msg.Subject,
		Data:        append([]byte(nil), msg.Data...),
		Header:      cloneHeader(msg.Header),
		Seq:         seq,
		PublishedAt: now,
	})
	if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
		st.dedup[id] = dedupEntry{seq: seq, at: now}
	}
	b.wake()
	return &nats.PubAck{Stream: name, Sequence: seq}, nil
}

func (b *Broker) streamForSubject(subject string) (*memStream, string) {
	for _, name := range b.streamNamesLocked() {
		st := b.streams[name]
		if subjects.Covered(st.cfg.Subjects, subject) {
			return st, name
		}
	}
	return nil, ""
}

// ── stream management ─────────────────────────────────────────────────────

func (b *Broker) StreamInfo(name string) (*nats.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[name]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return b.infoLocked(name, st), nil
}

func (b *Broker) infoLocked(name string, st *memStream) *nats.StreamInfo {
	info := &nats.StreamInfo{Config: st.cfg}
	info.State.Msgs = uint64(len(st.msgs))
	if n := len(st.msgs); n > 0 {
		info.State.FirstSeq = st.msgs[0].Seq
		info.State.LastSeq = st.msgs[n-1].Seq
	}
	return info
}

func (b *Broker) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[cfg.Name]; ok {
		return nil, &nats.APIError{
			Code:        400,
			ErrorCode:   apiErrCodeNameInUse,
			Description: "stream name already in use with a different configuration",
		}
	}
	if err := b.checkOverlapLocked(cfg.Name, cfg.Subjects); err != nil {
		return nil, err
	}
	st := &memStream{cfg: *cfg, dedup: make(map[string]dedupEntry)}
	b.streams[cfg.Name] = st
	return b.infoLocked(cfg.Name, st), nil
}

func (b *Broker) UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[cfg.Name]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	if err := b.checkOverlapLocked(cfg.Name, cfg.Subjects); err != nil {
		return nil, err
	}
	st.cfg = *cfg
	b.wake()
	return b.infoLocked(cfg.Name, st), nil
}

func (b *Broker) checkOverlapLocked(name string, subs []string) error {
	for otherName, other := range b.streams {
		if otherName == name {
			continue
		}
		for _, s := range subs {
			if len(subjects.OverlapsAny(other.cfg.Subjects, s)) > 0 {
				return &nats.APIError{
					Code:        400,
					ErrorCode:   apiErrCodeSubjectOverlap,
					Description: "subjects overlap with an existing stream",
				}
			}
		}
	}
	return nil
}

func (b *Broker) StreamNames(ctx context.Context, offset int) (*natsclient.StreamNamesPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := b.streamNamesLocked()
	page := &natsclient.StreamNamesPage{
		Total:  len(names),
		Offset: offset,
		Limit:  b.PageLimit,
	}
	if offset < len(names) {
		end := offset + b.PageLimit
		if end > len(names) {
			end = len(names)
		}
		page.Streams = names[offset:end]
	}
	return page, nil
}

func (b *Broker) streamNamesLocked() []string {
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── consuming ─────────────────────────────────────────────────────────────

func (b *Broker) PullSubscribe(spec natsclient.ConsumerSpec) (natsclient.PullSubscription, error) {
	cs, err := b.bindConsumer(spec)
	if err != nil {
		return nil, err
	}
	return &pullSub{b: b, stream: spec.Stream, cs: cs}, nil
}

func (b *Broker) PushSubscribe(spec natsclient.ConsumerSpec, cb func(natsclient.Delivery)) (natsclient.PushSubscription, error) {
	cs, err := b.bindConsumer(spec)
	if err != nil {
		return nil, err
	}
	ps := &pushSub{stop: make(chan struct{})}
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			select {
			case <-ps.stop:
				return
			default:
			}
			ds := b.collect(spec.Stream, cs, 16, time.Time{})
			if len(ds) == 0 {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			for _, d := range ds {
				cb(d)
			}
		}
	}()
	return ps, nil
}

func (b *Broker) bindConsumer(spec natsclient.ConsumerSpec) (*memConsumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[spec.Stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	byDurable, ok := b.consumers[spec.Stream]
	if !ok {
		byDurable = make(map[string]*memConsumer)
		b.consumers[spec.Stream] = byDurable
	}
	cs, ok := byDurable[spec.Durable]
	if !ok {
		cs = &memConsumer{spec: spec, nextSeq: 1, pending: make(map[uint64]*pendingDelivery)}
		byDurable[spec.Durable] = cs
	}
	return cs, nil
}

// collect hands out up to batch eligible deliveries: NAKed messages whose
// delay elapsed first, then unseen messages matching the filter subject.
// now may be zero to mean time.Now().
func (b *Broker) collect(stream string, cs *memConsumer, batch int, now time.Time) []natsclient.Delivery {
	if now.IsZero() {
		now = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[stream]
	if !ok {
		return nil
	}

	var out []natsclient.Delivery
	deliver := func(seq uint64) {
		p := cs.pending[seq]
		p.deliveries++
		msg := st.msgs[seq-1]
		out = append(out, &memDelivery{
			b: b, stream: stream, cs: cs,
			msg: msg, deliveries: p.deliveries,
		})
	}

	// Redeliveries in sequence order.
	seqs := make([]uint64, 0, len(cs.pending))
	for seq := range cs.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if len(out) >= batch {
			return out
		}
		p := cs.pending[seq]
		if p.acked || p.termed || p.deliveries == 0 {
			continue
		}
		if p.notBefore.After(now) {
			continue
		}
		if cs.spec.MaxDeliver > 0 && p.deliveries >= cs.spec.MaxDeliver {
			continue
		}
		if p.notBefore.IsZero() {
			// Delivered and neither acked nor naked; the double does not
			// enforce ack_wait, so leave it with its worker.
			continue
		}
		p.notBefore = time.Time{}
		deliver(seq)
	}

	// New messages from the cursor.
	for ; cs.nextSeq <= uint64(len(st.msgs)); cs.nextSeq++ {
		if len(out) >= batch {
			return out
		}
		msg := st.msgs[cs.nextSeq-1]
		if !subjects.Matches(cs.spec.Subject, msg.Subject) {
			continue
		}
		cs.pending[cs.nextSeq] = &pendingDelivery{}
		deliver(cs.nextSeq)
	}
	return out
}

// nextWake reports the soonest notBefore among redeliverable messages, or
// zero when nothing is scheduled.
func (b *Broker) nextWake(stream string, cs *memConsumer) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	var soonest time.Time
	for _, p := range cs.pending {
		if p.acked || p.termed || p.notBefore.IsZero() {
			continue
		}
		if cs.spec.MaxDeliver > 0 && p.deliveries >= cs.spec.MaxDeliver {
			continue
		}
		if soonest.IsZero() || p.notBefore.Before(soonest) {
			soonest = p.notBefore
		}
	}
	return soonest
}

type pullSub struct {
	b      *Broker
	stream string
	cs     *memConsumer
}

func (s *pullSub) Fetch(batch int, maxWait time.Duration) ([]natsclient.Delivery, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if ds := s.b.collect(s.stream, s.cs, batch, time.Time{}); len(ds) > 0 {
			return ds, nil
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, nats.ErrTimeout
		}
		wait := deadline.Sub(now)
		if wake := s.b.nextWake(s.stream, s.cs); !wake.IsZero() {
			if d := wake.Sub(now); d > 0 && d < wait {
				wait = d
			} else if d <= 0 {
				continue
			}
		}

		s.b.mu.Lock()
		w := s.b.waiter()
		s.b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-w:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *pullSub) Drain() error { return nil }

type pushSub struct {
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (s *pushSub) Drain() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

// ── deliveries ────────────────────────────────────────────────────────────

type memDelivery struct {
	b          *Broker
	stream     string
	cs         *memConsumer
	msg        StoredMsg
	deliveries int
}

func (d *memDelivery) Subject() string { return d.msg.Subject }

func (d *memDelivery) Data() []byte { return d.msg.Data }

func (d *memDelivery) Header() nats.Header { return d.msg.Header }

func (d *memDelivery) Metadata() (*nats.MsgMetadata, error) {
	return &nats.MsgMetadata{
		Stream:       d.stream,
		Consumer:     d.cs.spec.Durable,
		NumDelivered: uint64(d.deliveries),
		Timestamp:    d.msg.PublishedAt,
		Sequence:     nats.SequencePair{Stream: d.msg.Seq, Consumer: d.msg.Seq},
	}, nil
}

func (d *memDelivery) Ack() error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if p, ok := d.cs.pending[d.msg.Seq]; ok {
		p.acked = true
	}
	return nil
}

func (d *memDelivery) Nak() error { return d.NakWithDelay(0) }

func (d *memDelivery) NakWithDelay(delay time.Duration) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if p, ok := d.cs.pending[d.msg.Seq]; ok && !p.acked && !p.termed {
		p.notBefore = time.Now().Add(delay)
	}
	d.b.wake()
	return nil
}

func (d *memDelivery) Term() error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if p, ok := d.cs.pending[d.msg.Seq]; ok {
		p.termed = true
	}
	return nil
}

// ── assertion helpers ─────────────────────────────────────────────────────

// Messages returns every message stored in a stream, in sequence order.
func (b *Broker) Messages(stream string) []StoredMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[stream]
	if !ok {
		return nil
	}
	return append([]StoredMsg(nil), st.msgs...)
}

// MessagesOn returns the stored messages published on an exact subject.
func (b *Broker) MessagesOn(stream, subject string) []StoredMsg {
	var out []StoredMsg
	for _, m := range b.Messages(stream) {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// DecodeJSON unmarshals a stored message body for assertions.
func (m StoredMsg) DecodeJSON(v any) error {
	return json.Unmarshal(m.Data, v)
}

func cloneHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Subjects returns the configured subjects of a stream.
func (b *Broker) Subjects(stream string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[stream]
	if !ok {
		return nil
	}
	return append([]string(nil), st.cfg.Subjects...)
}
