package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/internal/config"
	"github.com/maksmelnyk/paymentbus/internal/metrics"
	"github.com/maksmelnyk/paymentbus/internal/reliability"
)

// Consumer handles deliveries from one queue.
//
// Handle returns (true, nil) to acknowledge the message and (false, nil) to
// send it to the dead-letter exchange without retrying. A returned error, or
// a panic, is treated as transient and retried with backoff.
type Consumer interface {
	QueueName() string
	RoutingPatterns() []string
	Handle(ctx context.Context, msg Message) (bool, error)
}

// Message is a delivery handed to a Consumer.
type Message struct {
	Body          []byte
	Headers       map[string]interface{}
	MessageID     string
	CorrelationID string
	Type          string
	DeliveryTag   uint64
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	Timestamp     time.Time
}

// NewMessage converts a broker delivery
func NewMessage(d amqp.Delivery) Message {
	return Message{
		Body:          d.Body,
		Headers:       d.Headers,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		DeliveryTag:   d.DeliveryTag,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
	}
}

// TypeID returns the __TypeId__ header, falling back to the AMQP type property.
func (m Message) TypeID() string {
	if v, ok := m.Headers[TypeIDHeader].(string); ok && v != "" {
		return v
	}
	return m.Type
}

// Text returns the body as a string
func (m Message) Text() string {
	return string(m.Body)
}

// TaskState is the lifecycle state of a consumer task
type TaskState string

const (
	StateStarting  TaskState = "starting"
	StateRunning   TaskState = "running"
	StateCancelled TaskState = "cancelled"
	StateFailed    TaskState = "failed"
)

// TaskStatus is a snapshot of one consumer task
type TaskStatus struct {
	Queue    string
	State    TaskState
	Restarts int
	Err      error
}

type consumerTask struct {
	consumer Consumer
	done     chan struct{}

	mu       sync.Mutex
	state    TaskState
	err      error
	restarts int
}

func (t *consumerTask) set(state TaskState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.err = err
}

func (t *consumerTask) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		Queue:    t.consumer.QueueName(),
		State:    t.state,
		Restarts: t.restarts,
		Err:      t.err,
	}
}

// ConsumerRuntime runs one goroutine per registered consumer, each on its own
// channel, processing one message at a time.
type ConsumerRuntime struct {
	channels      ChannelSource
	backoff       *reliability.ExponentialBackoff
	maxRetries    int
	restartPolicy string
	maxRestarts   int
	logger        *zap.Logger
	metrics       metrics.Collector
	sleep         func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	consumers []Consumer
	tasks     []*consumerTask
	ctx       context.Context
	cancel    context.CancelFunc
}

// RuntimeOption configures the ConsumerRuntime
type RuntimeOption func(*ConsumerRuntime)

// WithRuntimeLogger sets the logger
func WithRuntimeLogger(logger *zap.Logger) RuntimeOption {
	return func(r *ConsumerRuntime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRuntimeMetrics sets the metrics collector
func WithRuntimeMetrics(collector metrics.Collector) RuntimeOption {
	return func(r *ConsumerRuntime) {
		if collector != nil {
			r.metrics = collector
		}
	}
}

// WithSleep replaces the backoff sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RuntimeOption {
	return func(r *ConsumerRuntime) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewConsumerRuntime creates a runtime with no registered consumers
func NewConsumerRuntime(channels ChannelSource, cfg config.RabbitMQ, options ...RuntimeOption) *ConsumerRuntime {
	r := &ConsumerRuntime{
		channels: channels,
		backoff: reliability.NewExponentialBackoff(
			cfg.InitialRetryInterval(),
			cfg.MaxRetryInterval(),
			cfg.RetryMultiplier,
			cfg.RetryCount,
		),
		maxRetries:    cfg.RetryCount,
		restartPolicy: cfg.ConsumerRestartPolicy,
		maxRestarts:   cfg.ConsumerMaxRestarts,
		logger:        zap.NewNop(),
		metrics:       metrics.NoOpCollector{},
		sleep:         reliability.Sleep,
	}

	for _, opt := range options {
		opt(r)
	}

	r.logger = r.logger.With(zap.String("component", "consumer_runtime"))
	return r
}

// Register adds a consumer. Consumers registered after Start begin
// immediately.
func (r *ConsumerRuntime) Register(consumer Consumer) error {
	if consumer == nil {
		return ErrNilConsumer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumers = append(r.consumers, consumer)
	r.logger.Info("consumer registered", zap.String("queue", consumer.QueueName()))

	if r.ctx != nil {
		r.spawnLocked(consumer)
	}
	return nil
}

// Start launches a task per registered consumer. Tasks run until ctx is
// cancelled or Stop is called. Calling Start on a running runtime is a no-op.
func (r *ConsumerRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	if len(r.consumers) == 0 {
		r.logger.Warn("no consumers registered")
	}
	for _, consumer := range r.consumers {
		r.spawnLocked(consumer)
	}

	r.logger.Info("consumers started", zap.Int("count", len(r.consumers)))
	return nil
}

func (r *ConsumerRuntime) spawnLocked(consumer Consumer) {
	task := &consumerTask{
		consumer: consumer,
		done:     make(chan struct{}),
		state:    StateStarting,
	}
	r.tasks = append(r.tasks, task)
	go r.runTask(r.ctx, task)
}

// Stop cancels every task and waits for them to finish, bounded by ctx. Task
// failures are logged, not returned. It is safe to call with no tasks.
func (r *ConsumerRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	tasks := r.tasks
	r.tasks = nil
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	for _, task := range tasks {
		select {
		case <-task.done:
			if status := task.status(); status.State == StateFailed {
				r.logger.Warn("consumer task had failed before stop",
					zap.String("queue", status.Queue),
					zap.Error(status.Err),
				)
			}
		case <-ctx.Done():
			r.logger.Warn("timed out waiting for consumers to stop", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}

	r.logger.Info("consumers stopped", zap.Int("count", len(tasks)))
	return nil
}

// States returns a snapshot of every running or finished task
func (r *ConsumerRuntime) States() []TaskStatus {
	r.mu.Lock()
	tasks := append([]*consumerTask(nil), r.tasks...)
	r.mu.Unlock()

	states := make([]TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		states = append(states, task.status())
	}
	return states
}

func (r *ConsumerRuntime) runTask(ctx context.Context, task *consumerTask) {
	defer close(task.done)

	queue := task.consumer.QueueName()
	logger := r.logger.With(zap.String("queue", queue))

	for {
		err := r.consume(ctx, task, logger)
		if ctx.Err() != nil {
			task.set(StateCancelled, nil)
			logger.Info("consumer cancelled")
			return
		}

		task.set(StateFailed, err)

		task.mu.Lock()
		restarts := task.restarts
		task.mu.Unlock()

		if r.restartPolicy != config.RestartBackoff || (r.maxRestarts > 0 && restarts >= r.maxRestarts) {
			logger.Error("consumer failed", zap.Int("restarts", restarts), zap.Error(err))
			return
		}

		restarts++
		delay := r.backoff.NextDelay(restarts)
		logger.Warn("consumer failed, restarting",
			zap.Int("restart", restarts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			task.set(StateCancelled, nil)
			return
		}

		task.mu.Lock()
		task.restarts = restarts
		task.mu.Unlock()
	}
}

// consume runs one subscription until ctx is done (nil) or it fails.
func (r *ConsumerRuntime) consume(ctx context.Context, task *consumerTask, logger *zap.Logger) error {
	task.set(StateStarting, nil)
	queue := task.consumer.QueueName()
	tag := fmt.Sprintf("%s-%s", queue, uuid.New().String())

	consumerErr := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := r.channels.AcquireChannel(ctx)
	if err != nil {
		return consumerErr("acquire channel", err)
	}
	defer ch.Release()

	if _, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		return consumerErr("declare queue", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return consumerErr("consume", err)
	}

	task.set(StateRunning, nil)
	r.metrics.AddRunningConsumers(1)
	defer r.metrics.AddRunningConsumers(-1)
	logger.Info("consumer started", zap.String("consumer_tag", tag))

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return consumerErr("consume", ErrDeliveryStreamClosed)
			}
			if err := r.process(ctx, task.consumer, d, logger); err != nil {
				return consumerErr("settle", err)
			}
		}
	}
}

// process runs the handler with retry and settles the delivery. It returns an
// error only when the delivery could not be acked or nacked.
func (r *ConsumerRuntime) process(ctx context.Context, consumer Consumer, d amqp.Delivery, logger *zap.Logger) error {
	msg := NewMessage(d)
	queue := consumer.QueueName()
	logger = logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("type", msg.TypeID()),
		zap.String("correlation_id", msg.CorrelationID),
	)

	retries := 0
	for {
		ok, err := r.invoke(ctx, consumer, msg)
		if err == nil {
			if ok {
				if err := d.Ack(false); err != nil {
					return fmt.Errorf("ack: %w", err)
				}
				r.metrics.RecordConsumed(queue, metrics.OutcomeAcked)
				logger.Debug("message processed")
				return nil
			}

			logger.Warn("message rejected by handler, dead-lettering")
			if err := d.Nack(false, false); err != nil {
				return fmt.Errorf("nack: %w", err)
			}
			r.metrics.RecordConsumed(queue, metrics.OutcomeRejected)
			return nil
		}

		retries++
		if retries > r.maxRetries {
			logger.Error("message processing failed after max retries, dead-lettering",
				zap.Int("retries", r.maxRetries),
				zap.Error(err),
			)
			if err := d.Nack(false, false); err != nil {
				return fmt.Errorf("nack: %w", err)
			}
			r.metrics.RecordConsumed(queue, metrics.OutcomeExhausted)
			return nil
		}

		delay := r.backoff.NextDelay(retries)
		logger.Warn("message processing failed, retrying",
			zap.Int("retry", retries),
			zap.Int("max_retries", r.maxRetries),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		r.metrics.RecordHandlerRetry(queue)

		if err := r.sleep(ctx, delay); err != nil {
			logger.Info("consumer cancelled during retry backoff, message left unacknowledged")
			r.metrics.RecordConsumed(queue, metrics.OutcomeAbandoned)
			return nil
		}
	}
}

func (r *ConsumerRuntime) invoke(ctx context.Context, consumer Consumer, msg Message) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return consumer.Handle(ctx, msg)
}
