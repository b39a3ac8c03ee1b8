package rabbitmq

import (
	"context"

	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/internal/metrics"
	"github.com/maksmelnyk/paymentbus/internal/reliability"
)

// DeadLetterConsumer drains the payment DLQ, logging why each message was
// dead-lettered. It always acknowledges; inspection never fails a message.
type DeadLetterConsumer struct {
	logger  *zap.Logger
	metrics metrics.Collector
}

// NewDeadLetterConsumer creates a consumer for PaymentDLQName
func NewDeadLetterConsumer(logger *zap.Logger, collector metrics.Collector) *DeadLetterConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &DeadLetterConsumer{
		logger:  logger.With(zap.String("component", "dead_letter_consumer")),
		metrics: collector,
	}
}

func (c *DeadLetterConsumer) QueueName() string {
	return PaymentDLQName
}

func (c *DeadLetterConsumer) RoutingPatterns() []string {
	return []string{PaymentDLQRoutingKey}
}

func (c *DeadLetterConsumer) Handle(ctx context.Context, msg Message) (bool, error) {
	logger := c.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("type", msg.TypeID()),
	)

	deaths := reliability.ExtractDeaths(msg.Headers)
	if len(deaths) == 0 {
		logger.Warn("dead-lettered message has no x-death header")
		c.metrics.RecordDeadLetter("unknown", "unknown")
	} else {
		for _, d := range deaths {
			logger.Warn("dead-lettered message",
				zap.String("source_queue", d.Queue),
				zap.String("reason", d.Reason),
				zap.Int("count", d.Count),
				zap.String("exchange", d.Exchange),
				zap.String("routing_key", d.FirstRoutingKey()),
				zap.Time("dead_lettered_at", d.Time),
			)
		}
		c.metrics.RecordDeadLetter(deaths[0].Queue, deaths[0].Reason)
	}

	envelope, err := reliability.ParseEnvelope(msg.Body)
	if err != nil {
		logger.Warn("could not parse dead-lettered body", zap.Error(err), zap.Int("size", len(msg.Body)))
		return true, nil
	}

	logger.Info("dead-lettered event",
		zap.String("event_id", envelope.EventID),
		zap.String("event_type", envelope.EventType),
		zap.String("event_correlation_id", envelope.CorrelationID),
		zap.String("event_timestamp", envelope.Timestamp),
	)
	return true, nil
}
