package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/internal/config"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	channels ChannelSource
	cfg      config.RabbitMQ
	logger   *zap.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *zap.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		if logger != nil {
			tm.logger = logger
		}
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channels ChannelSource, cfg config.RabbitMQ, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		channels: channels,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}

	for _, opt := range options {
		opt(tm)
	}

	tm.logger = tm.logger.With(zap.String("component", "topology"))
	return tm
}

// PaymentTopology returns the exchanges, queues and bindings the payment
// service relies on.
func PaymentTopology(cfg config.RabbitMQ) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: cfg.Exchange, Type: exchangeKind, Durable: true},
			{Name: cfg.DeadLetterExchange, Type: exchangeKind, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: PaymentQueueName, Durable: true, Arguments: deadLetterArguments(cfg)},
			{Name: PaymentDLQName, Durable: true},
		},
		Bindings: []Binding{
			{Queue: PaymentQueueName, Exchange: cfg.Exchange, RoutingKey: LearningToPaymentPattern},
			{Queue: PaymentDLQName, Exchange: cfg.DeadLetterExchange, RoutingKey: PaymentDLQRoutingKey},
		},
	}
}

func deadLetterArguments(cfg config.RabbitMQ) amqp.Table {
	return amqp.Table{
		ArgDeadLetterExchange:   cfg.DeadLetterExchange,
		ArgDeadLetterRoutingKey: PaymentDLQRoutingKey,
		ArgMessageTTL:           int64(cfg.MessageTTLMs),
	}
}

// Initialize declares the payment topology. Declarations are idempotent, so
// calling it again is harmless.
func (tm *TopologyManager) Initialize(ctx context.Context) error {
	tm.logger.Info("declaring topology",
		zap.String("exchange", tm.cfg.Exchange),
		zap.String("dead_letter_exchange", tm.cfg.DeadLetterExchange),
	)

	if err := tm.DeclareTopology(ctx, PaymentTopology(tm.cfg)); err != nil {
		tm.logger.Error("topology declaration failed", zap.Error(err))
		return err
	}

	tm.logger.Info("topology declared",
		zap.String("queue", PaymentQueueName),
		zap.String("dead_letter_queue", PaymentDLQName),
	)
	return nil
}

// DeclareTopology declares the complete topology on one channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	err := withChannel(ctx, tm.channels, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := tm.declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := tm.declareQueue(ch, queue); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := tm.bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
			}
		}

		return nil
	})
	if err != nil {
		var topoErr *TopologyError
		if errors.As(err, &topoErr) {
			return err
		}
		return topologyError("channel", "topology", "acquire", err)
	}
	return nil
}

// BindConsumer declares a consumer's queue with dead-letter routing to the
// payment DLQ and binds it to the main exchange with each of its routing
// patterns.
func (tm *TopologyManager) BindConsumer(ctx context.Context, consumer Consumer) error {
	if consumer == nil {
		return ErrNilConsumer
	}

	topology := Topology{
		Queues: []QueueDeclaration{
			{Name: consumer.QueueName(), Durable: true, Arguments: deadLetterArguments(tm.cfg)},
		},
	}
	for _, pattern := range consumer.RoutingPatterns() {
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:      consumer.QueueName(),
			Exchange:   tm.cfg.Exchange,
			RoutingKey: pattern,
		})
	}

	if err := tm.DeclareTopology(ctx, topology); err != nil {
		return err
	}

	tm.logger.Info("consumer queue bound",
		zap.String("queue", consumer.QueueName()),
		zap.Strings("patterns", consumer.RoutingPatterns()),
	)
	return nil
}

// QueueInfo returns the message and consumer counts of an existing queue
func (tm *TopologyManager) QueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := withChannel(ctx, tm.channels, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return topologyError("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

// declareExchange declares an exchange on the given channel
func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
