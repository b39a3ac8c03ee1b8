package rabbitmq_test

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq/rabbitmqtest"
)

func TestTopologyInitialize(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := rabbitmq.NewConnectionProvider(cfg, rabbitmq.WithDialer(broker.Dialer()))
	defer provider.Close()

	topology := rabbitmq.NewTopologyManager(provider, cfg)
	require.NoError(t, topology.Initialize(context.Background()))
	require.NoError(t, topology.Initialize(context.Background()), "declarations must be idempotent")

	for _, name := range []string{cfg.Exchange, cfg.DeadLetterExchange} {
		kind, ok := broker.ExchangeKind(name)
		require.True(t, ok, name)
		assert.Equal(t, "topic", kind)
	}

	args, ok := broker.QueueArgs(rabbitmq.PaymentQueueName)
	require.True(t, ok)
	assert.Equal(t, amqp.Table{
		rabbitmq.ArgDeadLetterExchange:   cfg.DeadLetterExchange,
		rabbitmq.ArgDeadLetterRoutingKey: rabbitmq.PaymentDLQRoutingKey,
		rabbitmq.ArgMessageTTL:           int64(cfg.MessageTTLMs),
	}, args)

	dlqArgs, ok := broker.QueueArgs(rabbitmq.PaymentDLQName)
	require.True(t, ok)
	assert.Empty(t, dlqArgs)

	assert.True(t, broker.Bound(rabbitmq.PaymentQueueName, cfg.Exchange, rabbitmq.LearningToPaymentPattern))
	assert.True(t, broker.Bound(rabbitmq.PaymentDLQName, cfg.DeadLetterExchange, rabbitmq.PaymentDLQRoutingKey))
}

func TestTopologyLongMessageTTL(t *testing.T) {
	cfg := testConfig()
	cfg.MessageTTLMs = 30 * 24 * 60 * 60 * 1000
	broker := rabbitmqtest.NewBroker()
	provider := rabbitmq.NewConnectionProvider(cfg, rabbitmq.WithDialer(broker.Dialer()))
	defer provider.Close()

	require.NoError(t, rabbitmq.NewTopologyManager(provider, cfg).Initialize(context.Background()))

	args, ok := broker.QueueArgs(rabbitmq.PaymentQueueName)
	require.True(t, ok)
	assert.Equal(t, int64(2_592_000_000), args[rabbitmq.ArgMessageTTL])
}

func TestTopologyConflictingQueue(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	broker.DeclareQueue(rabbitmq.PaymentQueueName, amqp.Table{rabbitmq.ArgMessageTTL: int64(1)})

	provider := rabbitmq.NewConnectionProvider(cfg, rabbitmq.WithDialer(broker.Dialer()))
	defer provider.Close()

	err := rabbitmq.NewTopologyManager(provider, cfg).Initialize(context.Background())
	require.Error(t, err)

	var topoErr *rabbitmq.TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "queue", topoErr.Component)
	assert.Equal(t, rabbitmq.PaymentQueueName, topoErr.Name)

	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)

	// The failed channel must not go back into the pool.
	require.NoError(t, provider.Execute(context.Background(), func(ch *rabbitmq.PooledChannel) error {
		assert.False(t, ch.IsClosed())
		return nil
	}))
}

func TestTopologyQueueInfo(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := newProvider(t, broker, cfg)
	topology := rabbitmq.NewTopologyManager(provider, cfg)

	require.NoError(t, broker.Publish(cfg.Exchange, "learning.to.payment.refund", amqp.Publishing{Body: []byte("{}")}))

	q, err := topology.QueueInfo(context.Background(), rabbitmq.PaymentQueueName)
	require.NoError(t, err)
	assert.Equal(t, rabbitmq.PaymentQueueName, q.Name)
	assert.Equal(t, 1, q.Messages)

	_, err = topology.QueueInfo(context.Background(), "no-such-queue")
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.NotFound, amqpErr.Code)
}

func TestTopologyBindConsumer(t *testing.T) {
	cfg := testConfig()
	broker := rabbitmqtest.NewBroker()
	provider := newProvider(t, broker, cfg)
	topology := rabbitmq.NewTopologyManager(provider, cfg)

	assert.ErrorIs(t, topology.BindConsumer(context.Background(), nil), rabbitmq.ErrNilConsumer)

	consumer := &stubConsumer{
		queue:    "payment-refunds-queue",
		patterns: []string{"learning.to.payment.refund.*", "scheduling.to.payment.#"},
	}
	require.NoError(t, topology.BindConsumer(context.Background(), consumer))

	for _, pattern := range consumer.patterns {
		assert.True(t, broker.Bound(consumer.queue, cfg.Exchange, pattern), pattern)
	}
	args, ok := broker.QueueArgs(consumer.queue)
	require.True(t, ok)
	assert.Equal(t, cfg.DeadLetterExchange, args[rabbitmq.ArgDeadLetterExchange])
}
