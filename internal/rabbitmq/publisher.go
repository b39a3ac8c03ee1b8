package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/contracts"
	"github.com/maksmelnyk/paymentbus/internal/config"
	"github.com/maksmelnyk/paymentbus/internal/metrics"
)

// Publisher handles event publishing to the main exchange
type Publisher struct {
	channels       ChannelSource
	exchange       string
	appID          string
	confirmTimeout time.Duration
	logger         *zap.Logger
	metrics        metrics.Collector
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(collector metrics.Collector) PublisherOption {
	return func(p *Publisher) {
		if collector != nil {
			p.metrics = collector
		}
	}
}

// WithAppID sets the AppId stamped on every message
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithConfirmTimeout overrides the publisher confirm timeout from config
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels ChannelSource, cfg config.RabbitMQ, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		exchange:       cfg.Exchange,
		appID:          "payment-service",
		confirmTimeout: cfg.PublisherConfirmTimeout(),
		logger:         zap.NewNop(),
		metrics:        metrics.NoOpCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	p.logger = p.logger.With(zap.String("component", "publisher"))
	return p
}

// PublishEvent publishes event and reports whether the broker confirmed it.
// Failures are logged, never retried and never panic.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, event contracts.Event) bool {
	err := p.Publish(ctx, routingKey, event)
	if err == nil {
		return true
	}

	fields := []zap.Field{zap.String("routing_key", routingKey), zap.Error(err)}
	switch {
	case errors.Is(err, ErrPublishNacked), errors.Is(err, ErrMessageReturned), errors.Is(err, ErrPublishTimeout):
		p.logger.Warn("event not confirmed by broker", fields...)
	default:
		p.logger.Error("failed to publish event", fields...)
	}
	return false
}

// Publish serializes event and publishes it with the mandatory flag, waiting
// for the broker's confirmation. It returns a *PublishError on any failure.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event contracts.Event) (err error) {
	pubErr := &PublishError{
		Exchange:   p.exchange,
		RoutingKey: routingKey,
		Mandatory:  true,
	}
	fail := func(cause error) error {
		pubErr.Err = cause
		pubErr.Timestamp = time.Now()
		return pubErr
	}

	defer func() {
		if r := recover(); r != nil {
			err = fail(fmt.Errorf("%w: %v", ErrPublishPanic, r))
		}
	}()

	if err := contracts.Validate(event); err != nil {
		return fail(err)
	}
	pubErr.MessageID = event.GetID()

	body, err := json.Marshal(event)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSerialization, err))
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.GetID(),
		CorrelationId: event.GetCorrelationID(),
		Timestamp:     time.Now().UTC(),
		Type:          event.GetType(),
		AppId:         p.appID,
		Headers:       amqp.Table{TypeIDHeader: event.GetType()},
		Body:          body,
	}

	ch, err := p.channels.AcquireChannel(ctx)
	if err != nil {
		p.metrics.RecordPublish(routingKey, event.GetType(), metrics.OutcomeError, 0)
		return fail(err)
	}
	defer ch.Release()

	start := time.Now()
	err = ch.PublishConfirmed(ctx, p.exchange, routingKey, msg, p.confirmTimeout)
	p.metrics.RecordPublish(routingKey, event.GetType(), publishOutcome(err), time.Since(start))
	if err != nil {
		return fail(err)
	}

	p.logger.Info("event published",
		zap.String("routing_key", routingKey),
		zap.String("event_type", event.GetType()),
		zap.String("event_id", event.GetID()),
		zap.String("correlation_id", event.GetCorrelationID()),
	)
	return nil
}

func publishOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeConfirmed
	case errors.Is(err, ErrPublishNacked):
		return metrics.OutcomeNacked
	case errors.Is(err, ErrMessageReturned):
		return metrics.OutcomeReturned
	case errors.Is(err, ErrPublishTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
