package paymentbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/maksmelnyk/paymentbus/internal/config"
	"github.com/maksmelnyk/paymentbus/internal/metrics"
	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

var (
	// ErrNotStarted is returned by accessors before a successful Startup
	ErrNotStarted = errors.New("paymentbus: messaging layer not started")
	// ErrAlreadyStarted is returned by Startup on a running manager
	ErrAlreadyStarted = errors.New("paymentbus: messaging layer already started")
)

type (
	// Consumer handles deliveries from one queue
	Consumer = rabbitmq.Consumer
	// Message is a delivery handed to a Consumer
	Message = rabbitmq.Message
	// Publisher sends events to the main exchange
	Publisher = rabbitmq.Publisher
)

// Routing keys of the events this service publishes.
const (
	PaymentCompletedKey         = rabbitmq.PaymentCompletedKey
	BookingCreationRequestedKey = rabbitmq.BookingCreationRequestedKey
)

// Manager owns the messaging layer: connection provider, topology,
// publisher and consumer runtime.
type Manager struct {
	cfg            config.RabbitMQ
	serviceName    string
	logger         *zap.Logger
	metrics        metrics.Collector
	dialer         rabbitmq.Dialer
	runtimeOptions []rabbitmq.RuntimeOption

	mu        sync.Mutex
	started   bool
	provider  *rabbitmq.ConnectionProvider
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	runtime   *rabbitmq.ConsumerRuntime
}

// Option configures the Manager
type Option func(*Manager)

// WithLogger sets the logger shared by every component
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector shared by every component
func WithMetrics(collector metrics.Collector) Option {
	return func(m *Manager) {
		if collector != nil {
			m.metrics = collector
		}
	}
}

// WithDialer replaces how broker connections are opened
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(m *Manager) {
		m.dialer = dial
	}
}

// WithServiceName sets the connection name and AppId of published messages
func WithServiceName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.serviceName = name
		}
	}
}

// WithRuntimeOptions passes options through to the consumer runtime
func WithRuntimeOptions(options ...rabbitmq.RuntimeOption) Option {
	return func(m *Manager) {
		m.runtimeOptions = append(m.runtimeOptions, options...)
	}
}

// NewManager creates a manager. Nothing touches the broker until Startup.
func NewManager(cfg config.RabbitMQ, options ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		serviceName: "payment-service",
		logger:      zap.NewNop(),
		metrics:     metrics.NoOpCollector{},
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Startup connects to the broker, declares the topology, creates the
// publisher and starts the dead-letter consumer plus the given consumers,
// binding each consumer's queue to its routing patterns. Consumers keep
// running after ctx is done; stop them with Shutdown. On failure everything
// built so far is torn down.
func (m *Manager) Startup(ctx context.Context, consumers ...Consumer) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	logger := m.logger.With(zap.String("service", m.serviceName))
	logger.Info("starting messaging layer", zap.Int("consumers", len(consumers)))

	providerOpts := []rabbitmq.ProviderOption{
		rabbitmq.WithLogger(m.logger),
		rabbitmq.WithMetrics(m.metrics),
		rabbitmq.WithServiceName(m.serviceName),
	}
	if m.dialer != nil {
		providerOpts = append(providerOpts, rabbitmq.WithDialer(m.dialer))
	}
	provider := rabbitmq.NewConnectionProvider(m.cfg, providerOpts...)

	var runtime *rabbitmq.ConsumerRuntime
	defer func() {
		if err == nil {
			return
		}
		logger.Error("messaging layer startup failed", zap.Error(err))
		if runtime != nil {
			_ = runtime.Stop(context.WithoutCancel(ctx))
		}
		_ = provider.Close()
	}()

	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize connection provider: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(provider, m.cfg, rabbitmq.WithTopologyLogger(m.logger))
	if err := topology.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize topology: %w", err)
	}

	publisher := rabbitmq.NewPublisher(provider, m.cfg,
		rabbitmq.WithPublisherLogger(m.logger),
		rabbitmq.WithPublisherMetrics(m.metrics),
		rabbitmq.WithAppID(m.serviceName),
	)

	runtimeOpts := append([]rabbitmq.RuntimeOption{
		rabbitmq.WithRuntimeLogger(m.logger),
		rabbitmq.WithRuntimeMetrics(m.metrics),
	}, m.runtimeOptions...)
	runtime = rabbitmq.NewConsumerRuntime(provider, m.cfg, runtimeOpts...)

	// The DLQ itself is part of the base topology.
	if err := runtime.Register(rabbitmq.NewDeadLetterConsumer(m.logger, m.metrics)); err != nil {
		return fmt.Errorf("register dead letter consumer: %w", err)
	}
	for _, consumer := range consumers {
		if err := topology.BindConsumer(ctx, consumer); err != nil {
			return fmt.Errorf("bind consumer: %w", err)
		}
		if err := runtime.Register(consumer); err != nil {
			return fmt.Errorf("register consumer: %w", err)
		}
	}

	if err := runtime.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	m.provider = provider
	m.topology = topology
	m.publisher = publisher
	m.runtime = runtime
	m.started = true

	logger.Info("messaging layer started")
	return nil
}

// Shutdown stops the consumers, waiting for them within ctx, then closes
// every channel and connection. It is a no-op when not started.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	m.logger.Info("stopping messaging layer")

	var errs []error
	if err := m.runtime.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumers: %w", err))
	}
	if err := m.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection provider: %w", err))
	}

	m.provider = nil
	m.topology = nil
	m.publisher = nil
	m.runtime = nil
	m.started = false

	m.logger.Info("messaging layer stopped")
	return errors.Join(errs...)
}

// Publisher returns the event publisher
func (m *Manager) Publisher() (*Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.publisher, nil
}

// Provider returns the connection provider
func (m *Manager) Provider() (*rabbitmq.ConnectionProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.provider, nil
}

// Topology returns the topology manager
func (m *Manager) Topology() (*rabbitmq.TopologyManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.topology, nil
}

// Consumers returns the consumer runtime
func (m *Manager) Consumers() (*rabbitmq.ConsumerRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.runtime, nil
}
