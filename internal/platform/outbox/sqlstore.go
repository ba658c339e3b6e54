package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// SQLStore is a Store backed by database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore wraps pool in a database/sql handle. Closing the returned
// *sql.DB does not close pool.
func OpenSQLStore(pool *pgxpool.Pool) (*SQLStore, *sql.DB) {
	db := stdlib.OpenDBFromPool(pool)
	return NewSQLStore(db), db
}

func (s *SQLStore) Pending(ctx context.Context, limit, maxRetries int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       created_at, published_at, retry_count, error_message
		FROM outbox_event
		WHERE published_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.CreatedAt, &e.PublishedAt, &e.RetryCount, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_event SET published_at = $1, error_message = NULL WHERE id = $2`, at, id)
	return err
}

func (s *SQLStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_event SET retry_count = retry_count + 1, error_message = $1 WHERE id = $2`, reason, id)
	return err
}

func (s *SQLStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_event WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

func (s *SQLStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_event WHERE published_at IS NOT NULL AND published_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
