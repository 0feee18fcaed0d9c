// Package notify fans recognition events out to observers: websocket clients
// connected to this process and, optionally, other replicas through Redis.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	// EventRecognition is emitted for every resolve-and-classify call.
	EventRecognition EventType = "recognition"
	// EventPersonAdded is emitted when a new identity is accepted.
	EventPersonAdded EventType = "person_added"
	// EventVisitUpdated is emitted when a sighting is accepted.
	EventVisitUpdated EventType = "visit_updated"
)

// Event is the JSON payload delivered to observers.
type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData carries the classification outcome.
type EventData struct {
	Tier       string   `json:"tier,omitempty"`
	IdentityID *int64   `json:"identity_id,omitempty"`
	DeviceID   string   `json:"device_id,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(t EventType, data EventData) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers events. Publish never blocks on slow observers and never
// fails the caller; delivery problems are logged and counted.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
