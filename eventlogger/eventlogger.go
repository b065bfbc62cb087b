package eventlogger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the audit trail. AggregateID is the expense, fund
// owner or co-space the event is about.
type Event struct {
	ID          uuid.UUID         `json:"id,omitempty"`
	Type        string            `json:"event_type,omitempty"`
	AggregateID uuid.UUID         `json:"aggregate_id,omitempty"`
	Data        any               `json:"event_data,omitempty"`
	Metadata    map[string]string `json:"event_metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type EventOption func(*Event)

func WithType(eventType string) EventOption {
	return func(e *Event) {
		e.Type = eventType
	}
}

func WithAggregate(id uuid.UUID) EventOption {
	return func(e *Event) {
		e.AggregateID = id
	}
}

func WithData(data any) EventOption {
	return func(e *Event) {
		e.Data = data
	}
}

func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

func NewEvent(opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Sink persists or forwards events.
type Sink interface {
	Save(ctx context.Context, e Event) error
}

// EventLogger is a Sink that can also be queried.
type EventLogger interface {
	Sink
	GetByType(ctx context.Context, eventType string) ([]Event, error)
	GetByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Save(context.Context, Event) error { return nil }
