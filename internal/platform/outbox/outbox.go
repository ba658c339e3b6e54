// Package outbox implements a transactional outbox: events are inserted in
// the same database transaction as the change they describe, and a Relay
// later publishes them to a broker.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrInvalidPayload = errors.New("outbox payload must be valid JSON")

// Event is one row of the outbox_event table.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	ErrorMessage  *string
}

// Key identifies the aggregate; events sharing a key are published in order.
func (e Event) Key() string {
	return e.AggregateType + "/" + e.AggregateID.String()
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgxpool.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue inserts e using ex, which should be the transaction that carries
// the change being described.
func Enqueue(ctx context.Context, ex Execer, e Event) error {
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, string(e.Payload), e.CreatedAt,
	)
	return err
}

// Store reads and updates queued events for the relay.
type Store interface {
	// Pending returns unpublished events with fewer than maxRetries failed
	// attempts, oldest first.
	Pending(ctx context.Context, limit, maxRetries int) ([]Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	PendingCount(ctx context.Context) (int, error)
	// Purge deletes events published before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher delivers an event to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}
