package eventlogger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type sqlEventLogger struct {
	db *sql.DB
}

func NewSqlEventLogger(db *sql.DB) *sqlEventLogger {
	return &sqlEventLogger{
		db: db,
	}
}

// Migrate creates the events table if it does not exist yet.
func (el *sqlEventLogger) Migrate(ctx context.Context) error {
	statement := `CREATE TABLE IF NOT EXISTS ledger_events (
		id UUID PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		aggregate_id UUID NOT NULL,
		event_data JSONB,
		event_metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := el.db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("creating ledger_events: %w", err)
	}
	_, err := el.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS ledger_events_aggregate_idx ON ledger_events (aggregate_id, created_at)`)
	return err
}

func (el *sqlEventLogger) Save(ctx context.Context, e Event) error {
	jsonData, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	jsonMetadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	statement := `INSERT INTO ledger_events (id, event_type, aggregate_id, event_data, event_metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = el.db.ExecContext(ctx, statement, e.ID, e.Type, e.AggregateID, jsonData, jsonMetadata, e.CreatedAt)
	return err
}

func (el *sqlEventLogger) GetByType(ctx context.Context, eventType string) ([]Event, error) {
	query := `SELECT id, event_type, aggregate_id, event_data, event_metadata, created_at FROM ledger_events WHERE event_type = $1 ORDER BY created_at`
	return el.query(ctx, query, eventType)
}

func (el *sqlEventLogger) GetByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	query := `SELECT id, event_type, aggregate_id, event_data, event_metadata, created_at FROM ledger_events WHERE aggregate_id = $1 ORDER BY created_at`
	return el.query(ctx, query, aggregateID)
}

func (el *sqlEventLogger) query(ctx context.Context, query string, arg any) ([]Event, error) {
	result, err := el.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	events := make([]Event, 0)
	for result.Next() {
		var event Event
		var jsonData, jsonMetadata []byte
		if err := result.Scan(&event.ID, &event.Type, &event.AggregateID, &jsonData, &jsonMetadata, &event.CreatedAt); err != nil {
			return events, err
		}
		event.Data = json.RawMessage(jsonData)
		if err := json.Unmarshal(jsonMetadata, &event.Metadata); err != nil {
			return events, fmt.Errorf("decoding metadata of event %s: %w", event.ID, err)
		}
		events = append(events, event)
	}

	return events, result.Err()
}

var _ EventLogger = (*sqlEventLogger)(nil)
