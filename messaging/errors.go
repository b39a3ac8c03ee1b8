package messaging

import "errors"

var (
	ErrInvalidHandler   = errors.New("messaging: invalid handler registration")
	ErrDuplicateHandler = errors.New("messaging: handler already registered for event type")
	ErrDecode           = errors.New("messaging: cannot decode message body")
)
