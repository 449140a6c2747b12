package bridge

import (
	"context"
	"time"
)

// Health is the document served by the jetstream health endpoint.
type Health struct {
	Connected   bool         `json:"connected"`
	State       string       `json:"state"`
	ConnectedAt *time.Time   `json:"connected_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	LastErrorAt *time.Time   `json:"last_error_at,omitempty"`
	Stream      StreamHealth `json:"stream"`
	Config      ConfigHealth `json:"config"`
	Version     string       `json:"version"`
}

// StreamHealth reports the shared stream as the broker sees it.
type StreamHealth struct {
	Exists   bool     `json:"exists"`
	Name     string   `json:"name"`
	Subjects []string `json:"subjects,omitempty"`
	Messages uint64   `json:"messages"`
}

// ConfigHealth echoes the non-sensitive configuration for operators.
type ConfigHealth struct {
	Env            string `json:"env"`
	AppName        string `json:"app_name"`
	DestinationApp string `json:"destination_app"`
	UseOutbox      bool   `json:"use_outbox"`
	UseInbox       bool   `json:"use_inbox"`
	UseDLQ         bool   `json:"use_dlq"`
}

// HealthCheck snapshots the connection and stream state. It never errors;
// an unreachable broker shows up as connected=false with the stream absent.
func (b *Bridge) HealthCheck(ctx context.Context) Health {
	st := b.broker.Status()
	h := Health{
		Connected: st.Connected,
		State:     string(st.State),
		Stream:    StreamHealth{Name: b.cfg.StreamName()},
		Config: ConfigHealth{
			Env:            b.cfg.Env,
			AppName:        b.cfg.AppName,
			DestinationApp: b.cfg.DestinationApp,
			UseOutbox:      b.cfg.UseOutbox,
			UseInbox:       b.cfg.UseInbox,
			UseDLQ:         b.cfg.UseDLQ,
		},
		Version: Version,
	}
	if !st.ConnectedAt.IsZero() {
		at := st.ConnectedAt
		h.ConnectedAt = &at
	}
	if st.LastError != nil {
		h.LastError = st.LastError.Error()
		if !st.LastErrorAt.IsZero() {
			at := st.LastErrorAt
			h.LastErrorAt = &at
		}
	}
	if st.Connected {
		if info, err := b.broker.StreamInfo(b.cfg.StreamName()); err == nil {
			h.Stream.Exists = true
			h.Stream.Subjects = info.Config.Subjects
			h.Stream.Messages = info.State.Msgs
		}
	}
	return h
}
