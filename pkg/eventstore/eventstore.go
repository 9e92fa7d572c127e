// pkg/eventstore/eventstore.go
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrEmptyBatch = errors.New("empty event batch")

// Event is one immutable audit record. Ordering is the insertion order of the
// id column; readers must never rely on created_at for sequencing.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewEvent builds an event from a payload struct.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
	}, nil
}

// Log is an append-only audit log backed by Postgres. State-changing services
// append through AppendTx inside the transaction that mutates their records,
// so an event exists exactly when the change it describes committed.
type Log struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewLog creates an audit log on the given database handle.
func NewLog(db *sqlx.DB) *Log {
	return &Log{
		db:     db,
		tracer: otel.Tracer("libracirc/eventstore"),
	}
}

const insertEventSQL = `
	INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, created_at)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id
`

// AppendTx appends events on the caller's transaction. The caller owns commit
// and rollback.
func AppendTx(ctx context.Context, tx *sqlx.Tx, events ...Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	for i, event := range events {
		var eventID int64
		err := tx.QueryRowContext(
			ctx,
			insertEventSQL,
			event.AggregateID,
			event.AggregateType,
			event.EventType,
			event.EventData,
			time.Now().UTC(),
		).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return fmt.Errorf("insert event %d (pq %s): %w", i, pqErr.Code, err)
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	return nil
}

// Append writes events in a transaction of their own, for callers that have
// no surrounding unit of work.
func (l *Log) Append(ctx context.Context, events ...Event) error {
	ctx, span := l.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := AppendTx(ctx, tx, events...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// LoadEvents retrieves all events for an aggregate in append order.
func (l *Log) LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
		),
	)
	defer span.End()

	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// StreamEvents provides a cursor-based stream for projections and audits.
func (l *Log) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// EnsureSchema creates the events table if it does not exist. Service mains
// call this on startup; collaborator-owned schemas live with the store.
func (l *Log) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_id   UUID NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			event_data     JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, id);
	`)
	if err != nil {
		return fmt.Errorf("ensure events schema: %w", err)
	}
	return nil
}
