package contracts

import (
	"time"
)

// Event types carried in the type header and the eventType field.
const (
	PaymentCompleted         = "PAYMENT_COMPLETED"
	BookingCreationRequested = "BOOKING_CREATION_REQUESTED"
)

// Event is the base interface for all published events
type Event interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}
