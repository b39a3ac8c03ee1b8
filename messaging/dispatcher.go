package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

// Message is a consumed delivery
type Message = rabbitmq.Message

// MessageHandler processes one event type. See rabbitmq.Consumer for the
// meaning of the results.
type MessageHandler interface {
	Handle(ctx context.Context, msg Message) (bool, error)
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg Message) (bool, error)

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg Message) (bool, error) {
	return f(ctx, msg)
}

// MiddlewareFunc wraps handler execution
type MiddlewareFunc func(ctx context.Context, msg Message, next MessageHandler) (bool, error)

// Dispatcher consumes one queue and routes each message to the handler
// registered for its event type.
type Dispatcher struct {
	queue    string
	patterns []string

	mu         sync.RWMutex
	handlers   map[string]MessageHandler
	middleware []MiddlewareFunc
	logger     *zap.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMiddleware adds middleware, outermost first
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a dispatcher for queue, bound with patterns
func NewDispatcher(queue string, patterns []string, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		patterns: append([]string(nil), patterns...),
		handlers: make(map[string]MessageHandler),
		logger:   zap.NewNop(),
	}

	for _, opt := range options {
		opt(d)
	}

	d.logger = d.logger.With(zap.String("component", "dispatcher"), zap.String("queue", queue))
	return d
}

// RegisterHandler registers the handler for eventType
func (d *Dispatcher) RegisterHandler(eventType string, handler MessageHandler) error {
	if eventType == "" {
		return fmt.Errorf("%w: event type cannot be empty", ErrInvalidHandler)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidHandler)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
	}
	d.handlers[eventType] = handler

	d.logger.Info("registered message handler", zap.String("event_type", eventType))
	return nil
}

// RegisterHandlerFunc registers a function as the handler for eventType
func (d *Dispatcher) RegisterHandlerFunc(eventType string, handler MessageHandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidHandler)
	}
	return d.RegisterHandler(eventType, handler)
}

// UnregisterHandler removes the handler for eventType
func (d *Dispatcher) UnregisterHandler(eventType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventType]; !exists {
		return false
	}
	delete(d.handlers, eventType)
	return true
}

// EventTypes lists the registered event types in sorted order
func (d *Dispatcher) EventTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (d *Dispatcher) QueueName() string {
	return d.queue
}

func (d *Dispatcher) RoutingPatterns() []string {
	return append([]string(nil), d.patterns...)
}

// Handle routes msg by its type tag. Messages without a type or without a
// handler are rejected so they go to the dead-letter queue without retries.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (bool, error) {
	eventType := msg.TypeID()
	if eventType == "" {
		d.logger.Warn("message has no type, rejecting", zap.String("message_id", msg.MessageID))
		return false, nil
	}

	d.mu.RLock()
	handler, ok := d.handlers[eventType]
	middleware := d.middleware
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("no handler for event type, rejecting",
			zap.String("event_type", eventType),
			zap.String("message_id", msg.MessageID),
		)
		return false, nil
	}

	return chain(handler, middleware).Handle(ctx, msg)
}

func chain(handler MessageHandler, middleware []MiddlewareFunc) MessageHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg Message) (bool, error) {
			return mw(ctx, msg, next)
		})
	}
	return handler
}

// LoggingMiddleware logs the outcome and duration of every handled message
func LoggingMiddleware(logger *zap.Logger) MiddlewareFunc {
	return func(ctx context.Context, msg Message, next MessageHandler) (bool, error) {
		start := time.Now()
		ok, err := next.Handle(ctx, msg)

		fields := []zap.Field{
			zap.String("event_type", msg.TypeID()),
			zap.String("message_id", msg.MessageID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case err != nil:
			logger.Warn("handler failed", append(fields, zap.Error(err))...)
		case !ok:
			logger.Warn("handler rejected message", fields...)
		default:
			logger.Debug("handler succeeded", fields...)
		}
		return ok, err
	}
}
