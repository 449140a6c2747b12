package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(eventID string, createdAt time.Time) *Row {
	return &Row{
		ID:             uuid.NewString(),
		EventID:        eventID,
		ResourceType:   "user",
		ResourceID:     "42",
		EventType:      "user.created",
		DestinationApp: "worker",
		Payload:        []byte(`{"event_id":"` + eventID + `"}`),
		CreatedAt:      createdAt,
	}
}

func TestInsertRejectsDuplicateEventID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newRow("ev-1", now)))
	err := s.Insert(ctx, newRow("ev-1", now))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDuePendingOrdersByCreatedAtAndHonorsNotBefore(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newRow("ev-b", base.Add(2*time.Second))))
	require.NoError(t, s.Insert(ctx, newRow("ev-a", base)))
	require.NoError(t, s.Insert(ctx, newRow("ev-c", base.Add(time.Second))))

	due, err := s.DuePending(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "ev-a", due[0].EventID)
	assert.Equal(t, "ev-c", due[1].EventID)
	assert.Equal(t, "ev-b", due[2].EventID)

	// A retry delay keeps the row out of the batch until it elapses.
	require.NoError(t, s.RetryLater(ctx, due[0].ID, 1, "broker down", base.Add(time.Hour)))
	due, err = s.DuePending(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "ev-c", due[0].EventID)

	due, err = s.DuePending(ctx, 1, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestReserveIsCompareAndSwap(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, newRow("ev-1", time.Now().UTC())))
	row, err := s.Get(ctx, "ev-1")
	require.NoError(t, err)

	ok, err := s.Reserve(ctx, row.ID, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second dispatcher observing the same attempts count loses.
	ok, err = s.Reserve(ctx, row.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale attempts observation loses too.
	require.NoError(t, s.RetryLater(ctx, row.ID, 1, "x", time.Now().UTC()))
	ok, err = s.Reserve(ctx, row.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Reserve(ctx, row.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLifecycleTransitions(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newRow("ev-1", now)))
	row, err := s.Get(ctx, "ev-1")
	require.NoError(t, err)

	require.NoError(t, s.RetryLater(ctx, row.ID, 1, "no responders", now.Add(time.Second)))
	got, err := s.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "no responders", got.ErrorMessage)

	require.NoError(t, s.MarkSent(ctx, row.ID, now))
	got, err = s.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.PublishedAt)
	assert.Empty(t, got.ErrorMessage)
}

func TestMarkFailedRecordsTerminalState(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newRow("ev-1", now)))
	row, err := s.Get(ctx, "ev-1")
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, row.ID, 5, "stream not found", now))
	got, err := s.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)
	require.NotNil(t, got.FailedAt)
}

func TestCountByStatus(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newRow("ev-1", now)))
	require.NoError(t, s.Insert(ctx, newRow("ev-2", now)))
	row, err := s.Get(ctx, "ev-2")
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, row.ID, now))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusSent: 1}, counts)
}

func TestPurgeSentKeepsRecentAndNonTerminalRows(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, newRow("ev-old", now)))
	require.NoError(t, s.Insert(ctx, newRow("ev-new", now)))
	require.NoError(t, s.Insert(ctx, newRow("ev-pending", now)))

	old, err := s.Get(ctx, "ev-old")
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, old.ID, now.Add(-48*time.Hour)))
	fresh, err := s.Get(ctx, "ev-new")
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, fresh.ID, now))

	n, err := s.PurgeSent(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "ev-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "ev-new")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "ev-pending")
	assert.NoError(t, err)
}
