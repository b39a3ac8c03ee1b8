package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is wrapped by every validation failure
	ErrInvalidEvent = errors.New("invalid event")

	ErrMissingEventID       = fmt.Errorf("%w: event id is empty", ErrInvalidEvent)
	ErrMissingEventType     = fmt.Errorf("%w: event type is empty", ErrInvalidEvent)
	ErrMissingCorrelationID = fmt.Errorf("%w: correlation id is empty", ErrInvalidEvent)
)

// Validate checks the envelope invariants that must hold at publish time.
func Validate(e Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	switch {
	case e.GetID() == "":
		return ErrMissingEventID
	case e.GetType() == "":
		return ErrMissingEventType
	case e.GetCorrelationID() == "":
		return ErrMissingCorrelationID
	}
	return nil
}
