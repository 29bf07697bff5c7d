package bus

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of distribution on the bus. After Publish returns the
// event must be treated as immutable; subscribers receive copies sharing the
// same payload map and must not modify it.
type Event struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublisherID string         `json:"publisher_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(topic, publisherID string, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublisherID: publisherID,
		Timestamp:   time.Now().UTC(),
	}
}

// sealed returns the event as it will be stored: id and timestamp filled in,
// payload detached from the caller's map.
func (e Event) sealed() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Payload != nil {
		e.Payload = maps.Clone(e.Payload)
	}
	return e
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
	Pattern      string    `json:"pattern"`
	CreatedAt    time.Time `json:"created_at"`
}
