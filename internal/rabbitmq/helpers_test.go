package rabbitmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/maksmelnyk/paymentbus/internal/config"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq/rabbitmqtest"
)

const waitFor = 2 * time.Second

func testConfig() config.RabbitMQ {
	cfg := config.DefaultConfig().RabbitMQ
	cfg.InitialRetryIntervalMs = 1
	cfg.MaxRetryIntervalMs = 5
	cfg.PublisherConfirmTimeoutMs = 200
	cfg.ConcurrentConsumers = 1
	cfg.PrefetchCount = 1
	return cfg
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// newProvider returns an initialized provider backed by broker and the
// declared payment topology.
func newProvider(t *testing.T, broker *rabbitmqtest.Broker, cfg config.RabbitMQ, opts ...rabbitmq.ProviderOption) *rabbitmq.ConnectionProvider {
	t.Helper()

	opts = append([]rabbitmq.ProviderOption{rabbitmq.WithDialer(broker.Dialer())}, opts...)
	provider := rabbitmq.NewConnectionProvider(cfg, opts...)
	t.Cleanup(func() { _ = provider.Close() })

	require.NoError(t, provider.Initialize(context.Background()))
	require.NoError(t, rabbitmq.NewTopologyManager(provider, cfg).Initialize(context.Background()))
	return provider
}

type stubConsumer struct {
	queue    string
	patterns []string
	handle   func(ctx context.Context, msg rabbitmq.Message) (bool, error)

	mu       sync.Mutex
	received []rabbitmq.Message
}

func (c *stubConsumer) QueueName() string         { return c.queue }
func (c *stubConsumer) RoutingPatterns() []string { return c.patterns }

func (c *stubConsumer) Handle(ctx context.Context, msg rabbitmq.Message) (bool, error) {
	c.mu.Lock()
	c.received = append(c.received, msg)
	c.mu.Unlock()
	if c.handle == nil {
		return true, nil
	}
	return c.handle(ctx, msg)
}

func (c *stubConsumer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

type metricsSnapshot struct {
	published   []string
	consumed    []string
	retries     int
	connections []string
	running     int
	deadLetters []string
}

type recordingMetrics struct {
	mu sync.Mutex
	s  metricsSnapshot
}

func (m *recordingMetrics) RecordPublish(routingKey, eventType, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.published = append(m.s.published, outcome)
}

func (m *recordingMetrics) RecordConsumed(queue, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.consumed = append(m.s.consumed, outcome)
}

func (m *recordingMetrics) RecordHandlerRetry(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.retries++
}

func (m *recordingMetrics) RecordConnectionAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.connections = append(m.s.connections, outcome)
}

func (m *recordingMetrics) AddRunningConsumers(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.running += delta
}

func (m *recordingMetrics) RecordDeadLetter(queue, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.deadLetters = append(m.s.deadLetters, queue+":"+reason)
}

func (m *recordingMetrics) snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricsSnapshot{
		published:   append([]string(nil), m.s.published...),
		consumed:    append([]string(nil), m.s.consumed...),
		retries:     m.s.retries,
		connections: append([]string(nil), m.s.connections...),
		running:     m.s.running,
		deadLetters: append([]string(nil), m.s.deadLetters...),
	}
}
