// Package outbox implements the producer-side transactional outbox: events
// are staged as rows in the host's database inside the same transaction as
// the domain change, then drained to the broker by a background dispatcher.
// Rows are never deleted by the dispatcher, only transitioned.
package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by Insert when the event_id is already staged.
	ErrDuplicate = errors.New("outbox: duplicate event_id")
	// ErrNotFound is returned when a row lookup misses.
	ErrNotFound = errors.New("outbox: row not found")
)

// Status is the lifecycle phase of an outbox row.
type Status string

const (
	// StatusPending rows are waiting for the dispatcher.
	StatusPending Status = "pending"
	// StatusProcessing is a transient reservation held by one dispatcher
	// worker across its publish call.
	StatusProcessing Status = "processing"
	// StatusSent is terminal: the broker acknowledged the publish.
	StatusSent Status = "sent"
	// StatusFailed is terminal: the attempt cap was exhausted.
	StatusFailed Status = "failed"
)

// Row is one staged event. event_id is unique; a row transitions
// pending -> sent on success, or oscillates pending -> failed attempts until
// the cap, where failed becomes terminal.
type Row struct {
	ID             string
	EventID        string
	ResourceType   string
	ResourceID     string
	EventType      string
	DestinationApp string
	Payload        []byte
	Status         Status
	Attempts       int
	ErrorMessage   string
	NotBefore      *time.Time
	PublishedAt    *time.Time
	FailedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the persistence surface the producer and dispatcher need. PGStore
// implements it on Postgres; MemoryStore implements it for tests and hosts
// without a database.
type Store interface {
	// Insert stages a new pending row. ErrDuplicate when event_id exists.
	Insert(ctx context.Context, row *Row) error

	// DuePending returns up to limit pending rows whose not_before has
	// passed, oldest created_at first.
	DuePending(ctx context.Context, limit int, now time.Time) ([]Row, error)

	// Reserve moves a row from pending to processing iff its attempts count
	// still equals the observed value. The compare-and-swap makes retry
	// reservation safe with multiple dispatchers.
	Reserve(ctx context.Context, id string, attempts int) (bool, error)

	// MarkSent finalizes a successful publish.
	MarkSent(ctx context.Context, id string, at time.Time) error

	// RetryLater returns a reserved row to pending with the failure recorded
	// and a not_before delay before the next attempt.
	RetryLater(ctx context.Context, id string, attempts int, errMsg string, notBefore time.Time) error

	// MarkFailed finalizes a row whose attempt cap is exhausted.
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, at time.Time) error

	// Get returns a row by event_id.
	Get(ctx context.Context, eventID string) (Row, error)

	// CountByStatus reports row counts for the sync status endpoint.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// PurgeSent deletes sent rows older than the cutoff and reports how many.
	PurgeSent(ctx context.Context, olderThan time.Time) (int64, error)
}
