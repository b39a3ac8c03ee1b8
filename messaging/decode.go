package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// DecodeEvent unmarshals the JSON body of msg into T
func DecodeEvent[T any](msg Message) (T, error) {
	var event T
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return event, fmt.Errorf("%w: %s: %v", ErrDecode, msg.TypeID(), err)
	}
	return event, nil
}

// TypedHandler adapts fn into a MessageHandler that decodes the body first.
// A body that cannot be decoded will never succeed, so it is rejected rather
// than retried.
func TypedHandler[T any](fn func(ctx context.Context, event T, msg Message) (bool, error)) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, msg Message) (bool, error) {
		event, err := DecodeEvent[T](msg)
		if err != nil {
			return false, nil
		}
		return fn(ctx, event, msg)
	})
}
