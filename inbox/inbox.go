// Package inbox implements the consumer-side deduplication table: every
// received event is recorded once, keyed by event_id, so duplicate broker
// deliveries and worker races resolve to exactly one handler application.
package inbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by Insert when the event_id is already
	// recorded. The unique index is the arbiter between racing workers.
	ErrDuplicate = errors.New("inbox: duplicate event_id")
	// ErrNotFound is returned when a row lookup misses.
	ErrNotFound = errors.New("inbox: row not found")
)

// Status is the lifecycle phase of an inbox row.
type Status string

const (
	// StatusPending rows were recorded but not yet picked up by a worker.
	StatusPending Status = "pending"
	// StatusProcessing is a transient reservation held across the handler
	// call.
	StatusProcessing Status = "processing"
	// StatusProcessed is terminal: the handler succeeded once.
	StatusProcessed Status = "processed"
	// StatusFailed records a handler failure; the row returns to processing
	// on redelivery until the delivery cap makes failed terminal.
	StatusFailed Status = "failed"
)

// Row is one recorded delivery. Writes always set UpdatedAt.
type Row struct {
	ID           string
	EventID      string
	ResourceType string
	ResourceID   string
	EventType    string
	SourceApp    string
	Payload      []byte
	Headers      map[string]string
	Status       Status
	Attempts     int
	ErrorMessage string
	StreamSeq    uint64
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
	FailedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence surface the consumer needs.
type Store interface {
	// Get returns the row recorded for an event_id, or ErrNotFound.
	Get(ctx context.Context, eventID string) (Row, error)

	// Insert records a fresh delivery with status processing. ErrDuplicate
	// when another delivery of the same event_id got there first.
	Insert(ctx context.Context, row *Row) error

	// TakeOver re-reserves an existing non-processed row for a genuine
	// redelivery, identified by a delivery count higher than the recorded
	// attempts. Returns false when the row is processed or the count is not
	// ahead, which marks the incoming message a duplicate.
	TakeOver(ctx context.Context, eventID string, attempts int, receivedAt time.Time) (bool, error)

	// MarkProcessed finalizes a handler success.
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error

	// MarkFailed records a handler failure with the attempt count.
	MarkFailed(ctx context.Context, eventID string, attempts int, errMsg string, at time.Time) error

	// CountByStatus reports row counts for the sync status endpoint.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// PurgeProcessed deletes processed rows older than the cutoff.
	PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error)
}
