package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the inbox table. Hosts own their migrations; this is
// the shape the store expects, including the required indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS bridge_inbox (
    id            UUID PRIMARY KEY,
    event_id      TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    source_app    TEXT NOT NULL,
    payload       JSONB NOT NULL DEFAULT '{}',
    headers       JSONB NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INT NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    stream_seq    BIGINT NOT NULL DEFAULT 0,
    received_at   TIMESTAMPTZ NOT NULL,
    processed_at  TIMESTAMPTZ,
    failed_at     TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS bridge_inbox_event_id_idx ON bridge_inbox (event_id);
CREATE INDEX IF NOT EXISTS bridge_inbox_status_created_idx ON bridge_inbox (status, created_at);
CREATE INDEX IF NOT EXISTS bridge_inbox_resource_idx ON bridge_inbox (resource_type, resource_id);
`

const uniqueViolation = "23505"

// DBTX is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists inbox rows in Postgres.
type PGStore struct {
	db DBTX
}

// NewPG builds a store over a pool or transaction.
func NewPG(db DBTX) *PGStore {
	return &PGStore{db: db}
}

const rowColumns = `id, event_id, resource_type, resource_id, event_type,
	source_app, payload, headers, status, attempts, error_message,
	stream_seq, received_at, processed_at, failed_at, created_at, updated_at`

func (s *PGStore) Get(ctx context.Context, eventID string) (Row, error) {
	var r Row
	var headers []byte
	err := s.db.QueryRow(ctx, `
		SELECT `+rowColumns+`
		FROM bridge_inbox
		WHERE event_id = $1`,
		eventID,
	).Scan(
		&r.ID, &r.EventID, &r.ResourceType, &r.ResourceID, &r.EventType,
		&r.SourceApp, &r.Payload, &headers, &r.Status, &r.Attempts, &r.ErrorMessage,
		&r.StreamSeq, &r.ReceivedAt, &r.ProcessedAt, &r.FailedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Row{}, fmt.Errorf("inbox: get %s: %w", eventID, err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.Headers); err != nil {
			return Row{}, fmt.Errorf("inbox: get %s: headers: %w", eventID, err)
		}
	}
	return r, nil
}

func (s *PGStore) Insert(ctx context.Context, row *Row) error {
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("inbox: insert %s: headers: %w", row.EventID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO bridge_inbox
			(id, event_id, resource_type, resource_id, event_type, source_app,
			 payload, headers, status, attempts, stream_seq, received_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		row.ID, row.EventID, row.ResourceType, row.ResourceID, row.EventType,
		row.SourceApp, row.Payload, headers, StatusProcessing, row.Attempts,
		int64(row.StreamSeq), row.ReceivedAt, row.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, row.EventID)
		}
		return fmt.Errorf("inbox: insert %s: %w", row.EventID, err)
	}
	return nil
}

func (s *PGStore) TakeOver(ctx context.Context, eventID string, attempts int, receivedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bridge_inbox
		SET status = $1, attempts = $2, received_at = $3, updated_at = now()
		WHERE event_id = $4 AND status <> $5 AND attempts < $2`,
		StatusProcessing, attempts, receivedAt, eventID, StatusProcessed,
	)
	if err != nil {
		return false, fmt.Errorf("inbox: take over %s: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bridge_inbox
		SET status = $1, processed_at = $2, error_message = '', updated_at = $2
		WHERE event_id = $3`,
		StatusProcessed, at, eventID,
	)
	if err != nil {
		return fmt.Errorf("inbox: mark processed %s: %w", eventID, err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, eventID string, attempts int, errMsg string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE bridge_inbox
		SET status = $1, attempts = $2, error_message = $3,
		    failed_at = $4, updated_at = $4
		WHERE event_id = $5 AND status <> $6`,
		StatusFailed, attempts, errMsg, at, eventID, StatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("inbox: mark failed %s: %w", eventID, err)
	}
	return nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, count(*) FROM bridge_inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inbox: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("inbox: count by status: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *PGStore) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM bridge_inbox
		WHERE status = $1 AND processed_at < $2`,
		StatusProcessed, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox: purge processed: %w", err)
	}
	return tag.RowsAffected(), nil
}
