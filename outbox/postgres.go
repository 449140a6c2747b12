package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the outbox table. Hosts own their migrations; this
// is the shape the store expects, including the required indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS bridge_outbox (
    id              UUID PRIMARY KEY,
    event_id        TEXT NOT NULL,
    resource_type   TEXT NOT NULL,
    resource_id     TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    destination_app TEXT NOT NULL,
    payload         JSONB NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INT NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    not_before      TIMESTAMPTZ,
    published_at    TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS bridge_outbox_event_id_idx ON bridge_outbox (event_id);
CREATE INDEX IF NOT EXISTS bridge_outbox_status_created_idx ON bridge_outbox (status, created_at);
CREATE INDEX IF NOT EXISTS bridge_outbox_resource_idx ON bridge_outbox (resource_type, resource_id);
`

// uniqueViolation is the Postgres error code raised by the event_id index.
const uniqueViolation = "23505"

// DBTX is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy, so one
// store implementation serves pooled reads and the host's open transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists outbox rows in Postgres.
type PGStore struct {
	db DBTX
}

// NewPG builds a store over a pool or transaction.
func NewPG(db DBTX) *PGStore {
	return &PGStore{db: db}
}

// WithTx returns a store bound to the given transaction, so an Insert
// commits or rolls back with the host's domain write.
func (s *PGStore) WithTx(tx pgx.Tx) *PGStore {
	return &PGStore{db: tx}
}

const rowColumns = `id, event_id, resource_type, resource_id, event_type,
	destination_app, payload, status, attempts, error_message,
	not_before, published_at, failed_at, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, row *Row) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_outbox
			(id, event_id, resource_type, resource_id, event_type,
			 destination_app, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		row.ID, row.EventID, row.ResourceType, row.ResourceID, row.EventType,
		row.DestinationApp, row.Payload, StatusPending, 0, row.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, row.EventID)
		}
		return fmt.Errorf("outbox: insert %s: %w", row.EventID, err)
	}
	return nil
}

func (s *PGStore) DuePending(ctx context.Context, limit int, now time.Time) ([]Row, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rowColumns+`
		FROM bridge_outbox
		WHERE status = $1 AND (not_before IS NULL OR not_before <= $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		StatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: due pending: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *PGStore) Reserve(ctx context.Context, id string, attempts int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bridge_outbox
		SET status = $1, updated_at = now()
		WHERE id = $2 AND attempts = $3 AND status = $4`,
		StatusProcessing, id, attempts, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: reserve %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bridge_outbox
		SET status = $1, published_at = $2, error_message = '', updated_at = $2
		WHERE id = $3`,
		StatusSent, at, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark sent %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) RetryLater(ctx context.Context, id string, attempts int, errMsg string, notBefore time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bridge_outbox
		SET status = $1, attempts = $2, error_message = $3,
		    not_before = $4, updated_at = now()
		WHERE id = $5`,
		StatusPending, attempts, errMsg, notBefore, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: retry later %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bridge_outbox
		SET status = $1, attempts = $2, error_message = $3,
		    failed_at = $4, updated_at = $4
		WHERE id = $5`,
		StatusFailed, attempts, errMsg, at, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, eventID string) (Row, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rowColumns+`
		FROM bridge_outbox
		WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return Row{}, fmt.Errorf("outbox: get %s: %w", eventID, err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return Row{}, err
	}
	if len(out) == 0 {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return out[0], nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, count(*) FROM bridge_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("outbox: count by status: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *PGStore) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM bridge_outbox
		WHERE status = $1 AND published_at < $2`,
		StatusSent, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: purge sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(
			&r.ID, &r.EventID, &r.ResourceType, &r.ResourceID, &r.EventType,
			&r.DestinationApp, &r.Payload, &r.Status, &r.Attempts, &r.ErrorMessage,
			&r.NotBefore, &r.PublishedAt, &r.FailedAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("outbox: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
