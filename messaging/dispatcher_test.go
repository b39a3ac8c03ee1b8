package messaging

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/maksmelnyk/paymentbus/contracts"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, msg Message) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

func typedMessage(eventType string, body string) Message {
	return rabbitmq.NewMessage(amqp.Delivery{
		MessageId: "msg-1",
		Headers:   amqp.Table{rabbitmq.TypeIDHeader: eventType},
		Body:      []byte(body),
	})
}

func TestDispatcherConsumerIdentity(t *testing.T) {
	patterns := []string{rabbitmq.LearningToPaymentPattern}
	d := NewDispatcher(rabbitmq.PaymentQueueName, patterns)

	var consumer rabbitmq.Consumer = d
	assert.Equal(t, rabbitmq.PaymentQueueName, consumer.QueueName())
	assert.Equal(t, patterns, consumer.RoutingPatterns())

	consumer.RoutingPatterns()[0] = "mutated"
	assert.Equal(t, rabbitmq.LearningToPaymentPattern, d.RoutingPatterns()[0])
}

func TestDispatcherRegisterHandler(t *testing.T) {
	d := NewDispatcher("q", nil)

	assert.ErrorIs(t, d.RegisterHandler("", &mockHandler{}), ErrInvalidHandler)
	assert.ErrorIs(t, d.RegisterHandler("A", nil), ErrInvalidHandler)
	assert.ErrorIs(t, d.RegisterHandlerFunc("A", nil), ErrInvalidHandler)

	require.NoError(t, d.RegisterHandler("B", &mockHandler{}))
	require.NoError(t, d.RegisterHandlerFunc("A", func(ctx context.Context, msg Message) (bool, error) {
		return true, nil
	}))
	assert.ErrorIs(t, d.RegisterHandler("A", &mockHandler{}), ErrDuplicateHandler)
	assert.Equal(t, []string{"A", "B"}, d.EventTypes())

	assert.True(t, d.UnregisterHandler("A"))
	assert.False(t, d.UnregisterHandler("A"))
	assert.Equal(t, []string{"B"}, d.EventTypes())
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher("q", nil)

	completed := &mockHandler{}
	booking := &mockHandler{}
	require.NoError(t, d.RegisterHandler(contracts.PaymentCompleted, completed))
	require.NoError(t, d.RegisterHandler(contracts.BookingCreationRequested, booking))

	msg := typedMessage(contracts.PaymentCompleted, "{}")
	completed.On("Handle", mock.Anything, msg).Return(true, nil).Once()

	ok, err := d.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)

	completed.AssertExpectations(t)
	booking.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatcherPropagatesHandlerResults(t *testing.T) {
	d := NewDispatcher("q", nil)
	handler := &mockHandler{}
	require.NoError(t, d.RegisterHandler("A", handler))

	boom := errors.New("database unavailable")
	handler.On("Handle", mock.Anything, mock.Anything).Return(false, boom).Once()
	handler.On("Handle", mock.Anything, mock.Anything).Return(false, nil).Once()

	ok, err := d.Handle(context.Background(), typedMessage("A", "{}"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)

	ok, err = d.Handle(context.Background(), typedMessage("A", "{}"))
	assert.NoError(t, err)
	assert.False(t, ok)

	handler.AssertExpectations(t)
}

func TestDispatcherRejectsUnroutableMessages(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher("q", nil, WithDispatcherLogger(zap.New(core)))
	require.NoError(t, d.RegisterHandler("A", &mockHandler{}))

	tests := []struct {
		name string
		msg  Message
		log  string
	}{
		{name: "missing type", msg: rabbitmq.NewMessage(amqp.Delivery{Body: []byte("{}")}), log: "message has no type, rejecting"},
		{name: "unknown type", msg: typedMessage("UNKNOWN", "{}"), log: "no handler for event type, rejecting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := d.Handle(context.Background(), tt.msg)
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 1, logs.FilterMessage(tt.log).Len())
		})
	}
}

func TestDispatcherMiddlewareOrder(t *testing.T) {
	var order []string
	trace := func(name string) MiddlewareFunc {
		return func(ctx context.Context, msg Message, next MessageHandler) (bool, error) {
			order = append(order, name+":before")
			ok, err := next.Handle(ctx, msg)
			order = append(order, name+":after")
			return ok, err
		}
	}

	d := NewDispatcher("q", nil, WithMiddleware(trace("outer"), trace("inner")))
	require.NoError(t, d.RegisterHandlerFunc("A", func(ctx context.Context, msg Message) (bool, error) {
		order = append(order, "handler")
		return true, nil
	}))

	ok, err := d.Handle(context.Background(), typedMessage("A", "{}"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDispatcher("q", nil, WithMiddleware(LoggingMiddleware(zap.New(core))))

	results := []struct {
		ok  bool
		err error
	}{{true, nil}, {false, nil}, {false, errors.New("boom")}}
	i := 0
	require.NoError(t, d.RegisterHandlerFunc("A", func(ctx context.Context, msg Message) (bool, error) {
		r := results[i]
		i++
		return r.ok, r.err
	}))

	for range results {
		_, _ = d.Handle(context.Background(), typedMessage("A", "{}"))
	}

	assert.Equal(t, 1, logs.FilterMessage("handler succeeded").Len())
	assert.Equal(t, 1, logs.FilterMessage("handler rejected message").Len())
	assert.Equal(t, 1, logs.FilterMessage("handler failed").Len())
}
