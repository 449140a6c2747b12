package natsclient

import (
	"time"

	"github.com/nats-io/nats.go"
)

// natsDelivery adapts *nats.Msg to the Delivery interface.
type natsDelivery struct {
	msg *nats.Msg
}

func (d *natsDelivery) Subject() string { return d.msg.Subject }

func (d *natsDelivery) Data() []byte { return d.msg.Data }

func (d *natsDelivery) Header() nats.Header { return d.msg.Header }

func (d *natsDelivery) Metadata() (*nats.MsgMetadata, error) { return d.msg.Metadata() }

func (d *natsDelivery) Ack() error { return d.msg.Ack() }

func (d *natsDelivery) Nak() error { return d.msg.Nak() }

func (d *natsDelivery) NakWithDelay(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *natsDelivery) Term() error { return d.msg.Term() }

// natsPullSubscription adapts *nats.Subscription for pull consumers.
type natsPullSubscription struct {
	sub *nats.Subscription
}

func (s *natsPullSubscription) Fetch(batch int, maxWait time.Duration) ([]Delivery, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &natsDelivery{msg: m})
	}
	return out, nil
}

func (s *natsPullSubscription) Drain() error { return s.sub.Drain() }

// natsPushSubscription adapts *nats.Subscription for push consumers.
type natsPushSubscription struct {
	sub *nats.Subscription
}

func (s *natsPushSubscription) Drain() error { return s.sub.Drain() }
