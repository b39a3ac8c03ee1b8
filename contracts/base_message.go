package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseEvent provides the envelope fields shared by every event
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewBaseEvent creates an envelope with fresh event and correlation IDs and
// the current UTC time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	}
}

// GetID returns the event ID
func (e BaseEvent) GetID() string {
	return e.EventID
}

// GetType returns the event type
func (e BaseEvent) GetType() string {
	return e.EventType
}

// GetTimestamp returns the event timestamp
func (e BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetCorrelationID returns the correlation ID
func (e BaseEvent) GetCorrelationID() string {
	return e.CorrelationID
}

// SetCorrelationID propagates an upstream correlation ID
func (e *BaseEvent) SetCorrelationID(correlationID string) {
	e.CorrelationID = correlationID
}
