package rabbitmq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksmelnyk/paymentbus/contracts"
	"github.com/maksmelnyk/paymentbus/internal/metrics"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq/rabbitmqtest"
)

const learningQueue = "learning-events-queue"

// publisherFixture wires a publisher to a broker where a learning-service
// queue listens on the payment-to-learning keys.
func publisherFixture(t *testing.T, opts ...rabbitmq.PublisherOption) (*rabbitmq.Publisher, *rabbitmqtest.Broker, *recordingMetrics) {
	t.Helper()

	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := newProvider(t, broker, cfg)

	learning := &stubConsumer{queue: learningQueue, patterns: []string{rabbitmq.PaymentToLearningPattern}}
	require.NoError(t, rabbitmq.NewTopologyManager(provider, cfg).BindConsumer(context.Background(), learning))

	collector := &recordingMetrics{}
	opts = append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherMetrics(collector)}, opts...)
	return rabbitmq.NewPublisher(provider, cfg, opts...), broker, collector
}

func TestPublishEventConfirmed(t *testing.T) {
	publisher, broker, collector := publisherFixture(t)

	scheduled := int64(42)
	event := contracts.NewPaymentCompletedEvent("user-1", 7, &scheduled)

	ok := publisher.PublishEvent(context.Background(), rabbitmq.PaymentCompletedKey, event)
	require.True(t, ok)

	d, found := broker.Get(learningQueue)
	require.True(t, found)

	assert.Equal(t, "application/json", d.ContentType)
	assert.EqualValues(t, amqp.Persistent, d.DeliveryMode)
	assert.Equal(t, event.EventID, d.MessageId)
	assert.Equal(t, event.CorrelationID, d.CorrelationId)
	assert.Equal(t, contracts.PaymentCompleted, d.Type)
	assert.Equal(t, contracts.PaymentCompleted, d.Headers[rabbitmq.TypeIDHeader])
	assert.Equal(t, "payment-service", d.AppId)
	assert.False(t, d.Timestamp.IsZero())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(d.Body, &body))
	assert.Equal(t, event.EventID, body["eventId"])
	assert.Equal(t, contracts.PaymentCompleted, body["eventType"])
	assert.Equal(t, "user-1", body["userId"])
	assert.EqualValues(t, 7, body["productId"])
	assert.EqualValues(t, 42, body["scheduledEventId"])

	assert.Equal(t, []string{metrics.OutcomeConfirmed}, collector.snapshot().published)
}

func TestPublishUnroutableIsReturned(t *testing.T) {
	publisher, _, collector := publisherFixture(t)
	event := contracts.NewBookingCreationRequestedEvent("user-1", nil, []int64{1, 2})

	err := publisher.Publish(context.Background(), "nobody.listens.here", event)
	require.Error(t, err)
	assert.ErrorIs(t, err, rabbitmq.ErrMessageReturned)

	var pubErr *rabbitmq.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, event.EventID, pubErr.MessageID)
	assert.True(t, pubErr.Mandatory)

	assert.False(t, publisher.PublishEvent(context.Background(), "nobody.listens.here", event))
	assert.Equal(t, []string{metrics.OutcomeReturned, metrics.OutcomeReturned}, collector.snapshot().published)
}

func TestPublishNacked(t *testing.T) {
	publisher, broker, collector := publisherFixture(t)
	broker.SetConfirmMode(rabbitmqtest.ConfirmNack)

	event := contracts.NewPaymentCompletedEvent("user-1", 7, nil)
	err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, event)

	assert.ErrorIs(t, err, rabbitmq.ErrPublishNacked)
	assert.Equal(t, 0, broker.Ready(learningQueue))
	assert.Equal(t, []string{metrics.OutcomeNacked}, collector.snapshot().published)
}

func TestPublishConfirmTimeout(t *testing.T) {
	publisher, broker, _ := publisherFixture(t, rabbitmq.WithConfirmTimeout(30*time.Millisecond))
	broker.SetConfirmMode(rabbitmqtest.ConfirmHold)

	start := time.Now()
	err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey,
		contracts.NewPaymentCompletedEvent("user-1", 7, nil))

	assert.ErrorIs(t, err, rabbitmq.ErrPublishTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPublishIgnoresStaleConfirms(t *testing.T) {
	publisher, broker, _ := publisherFixture(t, rabbitmq.WithConfirmTimeout(30*time.Millisecond))
	broker.SetConfirmMode(rabbitmqtest.ConfirmHold)

	first := contracts.NewPaymentCompletedEvent("user-1", 7, nil)
	require.ErrorIs(t, publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, first), rabbitmq.ErrPublishTimeout)

	// The late ack for the first publish must not confirm the second one.
	broker.ReleaseHeld(true)
	second := contracts.NewPaymentCompletedEvent("user-2", 8, nil)
	assert.ErrorIs(t, publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, second), rabbitmq.ErrPublishTimeout)

	broker.SetConfirmMode(rabbitmqtest.ConfirmAck)
	broker.ReleaseHeld(true)
	third := contracts.NewPaymentCompletedEvent("user-3", 9, nil)
	assert.NoError(t, publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, third))
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	publisher, broker, _ := publisherFixture(t)

	tests := []struct {
		name  string
		event contracts.Event
	}{
		{name: "nil event", event: nil},
		{name: "missing id", event: &contracts.PaymentCompletedEvent{BaseEvent: contracts.BaseEvent{EventType: contracts.PaymentCompleted, CorrelationID: "c"}}},
		{name: "missing type", event: &contracts.PaymentCompletedEvent{BaseEvent: contracts.BaseEvent{EventID: "e", CorrelationID: "c"}}},
		{name: "missing correlation id", event: &contracts.PaymentCompletedEvent{BaseEvent: contracts.BaseEvent{EventID: "e", EventType: contracts.PaymentCompleted}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, tt.event)
			assert.ErrorIs(t, err, contracts.ErrInvalidEvent)
			assert.False(t, publisher.PublishEvent(context.Background(), rabbitmq.PaymentCompletedKey, tt.event))
		})
	}
	assert.Equal(t, 0, broker.Ready(learningQueue))
}

func TestPublishEventNeverPanics(t *testing.T) {
	publisher, _, _ := publisherFixture(t)

	var typedNil *contracts.PaymentCompletedEvent
	assert.NotPanics(t, func() {
		assert.False(t, publisher.PublishEvent(context.Background(), rabbitmq.PaymentCompletedKey, typedNil))
	})

	err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey, typedNil)
	assert.ErrorIs(t, err, rabbitmq.ErrPublishPanic)
}

func TestPublishAfterProviderClosed(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := newProvider(t, broker, cfg)
	publisher := rabbitmq.NewPublisher(provider, cfg)

	require.NoError(t, provider.Close())

	err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey,
		contracts.NewPaymentCompletedEvent("user-1", 7, nil))
	assert.ErrorIs(t, err, rabbitmq.ErrProviderClosed)
}

func TestPublishToMissingExchange(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := rabbitmq.NewConnectionProvider(cfg, rabbitmq.WithDialer(broker.Dialer()))
	defer provider.Close()

	other := cfg
	other.Exchange = "missing-exchange"
	publisher := rabbitmq.NewPublisher(provider, other)

	err := publisher.Publish(context.Background(), rabbitmq.PaymentCompletedKey,
		contracts.NewPaymentCompletedEvent("user-1", 7, nil))
	assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)
}
