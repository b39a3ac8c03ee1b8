package rabbitmq

import (
	"context"
	"errors"
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

// ConnectionProvider owns the connection pool and the channel pool. Other
// components borrow channels through AcquireChannel or Execute.
type ConnectionProvider struct {
	cfg         config.RabbitMQ
	serviceName string
	dial        Dialer
	backoff     *reliability.ExponentialBackoff
	logger      *zap.Logger
	metrics     metrics.Collector

	// initSem serializes initialization so the first dial happens once and
	// outside mu.
	initSem chan struct{}

	mu          sync.Mutex
	closed      bool
	connections *Pool[Connection]
	channels    *Pool[*PooledChannel]
}

// ProviderOption configures the ConnectionProvider
type ProviderOption func(*ConnectionProvider)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(p *ConnectionProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDialer replaces how connections are opened
func WithDialer(dial Dialer) ProviderOption {
	return func(p *ConnectionProvider) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector metrics.Collector) ProviderOption {
	return func(p *ConnectionProvider) {
		if collector != nil {
			p.metrics = collector
		}
	}
}

// WithServiceName sets the name reported to the broker
func WithServiceName(name string) ProviderOption {
	return func(p *ConnectionProvider) {
		if name != "" {
			p.serviceName = name
		}
	}
}

// NewConnectionProvider creates a provider. No connection is opened until
// Initialize or the first AcquireChannel.
func NewConnectionProvider(cfg config.RabbitMQ, options ...ProviderOption) *ConnectionProvider {
	p := &ConnectionProvider{
		cfg:         cfg,
		serviceName: "payment-service",
		dial:        DialAMQP,
		logger:      zap.NewNop(),
		metrics:     metrics.NoOpCollector{},
		initSem:     make(chan struct{}, 1),
		backoff: reliability.NewExponentialBackoff(
			cfg.InitialRetryInterval(),
			cfg.MaxRetryInterval(),
			cfg.RetryMultiplier,
			cfg.RetryCount,
		),
	}

	for _, opt := range options {
		opt(p)
	}

	p.logger = p.logger.With(zap.String("component", "connection_provider"))
	return p
}

// Initialize builds both pools and opens the first connection. It is safe to
// call concurrently and more than once; only the first successful call does
// any work. Dial retries run without holding the provider lock, so Close and
// Stats stay responsive while the broker is unreachable.
func (p *ConnectionProvider) Initialize(ctx context.Context) error {
	_, err := p.channelPool(ctx)
	return err
}

// state returns the channel pool once initialized
func (p *ConnectionProvider) state() (*Pool[*PooledChannel], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.channels, nil
}

func (p *ConnectionProvider) channelPool(ctx context.Context) (*Pool[*PooledChannel], error) {
	if channels, err := p.state(); err != nil || channels != nil {
		return channels, err
	}

	select {
	case p.initSem <- struct{}{}:
		defer func() { <-p.initSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Another caller may have finished while we waited.
	if channels, err := p.state(); err != nil || channels != nil {
		return channels, err
	}

	p.logger.Info("initializing connection provider",
		zap.String("host", p.cfg.Host),
		zap.Int("port", p.cfg.Port),
		zap.String("vhost", p.cfg.VirtualHost),
		zap.Int("connection_pool_size", p.cfg.ConnectionPoolSize()),
		zap.Int("channel_pool_size", p.cfg.ChannelPoolSize()),
	)

	connections := NewPool(p.createConnection,
		WithCapacity[Connection](p.cfg.ConnectionPoolSize()),
		WithValidator(func(c Connection) bool { return !c.IsClosed() }),
		WithDestroyer(func(c Connection) {
			if !c.IsClosed() {
				_ = c.Close()
			}
		}),
	)

	conn, err := connections.Get(ctx)
	if err != nil {
		connections.Close()
		return nil, err
	}
	connections.Put(conn)

	channels := NewPool(func(ctx context.Context) (*PooledChannel, error) {
		return p.createChannel(ctx, connections)
	},
		WithCapacity[*PooledChannel](p.cfg.ChannelPoolSize()),
		WithValidator(func(c *PooledChannel) bool { return !c.IsClosed() }),
		WithDestroyer(func(c *PooledChannel) { c.close() }),
	)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		channels.Close()
		connections.Close()
		return nil, ErrProviderClosed
	}
	p.connections = connections
	p.channels = channels
	p.mu.Unlock()

	p.logger.Info("connection provider initialized")
	return channels, nil
}

// AcquireChannel leases a channel, initializing the provider if needed.
func (p *ConnectionProvider) AcquireChannel(ctx context.Context) (*PooledChannel, error) {
	channels, err := p.channelPool(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := channels.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return nil, ErrProviderClosed
		}
		return nil, &ChannelError{
			Op:        "acquire channel",
			ChannelID: "pool",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch.leased.Store(true)
	return ch, nil
}

// Execute runs fn with a leased channel. The channel is released on every
// exit path; a panic in fn is recovered and returned as an error.
func (p *ConnectionProvider) Execute(ctx context.Context, fn func(ch *PooledChannel) error) error {
	return withChannel(ctx, p, fn)
}

func withChannel(ctx context.Context, src ChannelSource, fn func(ch *PooledChannel) error) (execErr error) {
	ch, err := src.AcquireChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Release()

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch)
}

// Close shuts the channel pool and then the connection pool. Later calls to
// Initialize and AcquireChannel fail with ErrProviderClosed.
func (p *ConnectionProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.channels != nil {
		p.channels.Close()
	}
	if p.connections != nil {
		p.connections.Close()
	}

	p.logger.Info("connection provider closed")
	return nil
}

// ProviderStats reports pool occupancy
type ProviderStats struct {
	Connections        int
	ConnectionCapacity int
	Channels           int
	ChannelCapacity    int
}

// Stats returns the current pool sizes. It is zero before Initialize.
func (p *ConnectionProvider) Stats() ProviderStats {
	p.mu.Lock()
	connections, channels := p.connections, p.channels
	p.mu.Unlock()

	if connections == nil || channels == nil {
		return ProviderStats{}
	}
	return ProviderStats{
		Connections:        connections.Size(),
		ConnectionCapacity: connections.Capacity(),
		Channels:           channels.Size(),
		ChannelCapacity:    channels.Capacity(),
	}
}

// createConnection dials the broker, retrying with jittered exponential
// backoff up to RetryCount times after the first failure.
func (p *ConnectionProvider) createConnection(ctx context.Context) (Connection, error) {
	url := BrokerURL(p.cfg)
	maxAttempts := p.backoff.MaxRetries() + 1

	var conn Connection
	err := reliability.Retry(ctx, "connect", p.backoff, func(attempt int) error {
		c, err := p.dial(url, dialConfig(p.serviceName))
		if err != nil {
			p.metrics.RecordConnectionAttempt(metrics.OutcomeFailure)
			return err
		}
		p.metrics.RecordConnectionAttempt(metrics.OutcomeSuccess)
		conn = c
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("broker connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	})
	if err != nil {
		connErr := &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
		}
		var retryErr *reliability.RetryError
		if errors.As(err, &retryErr) {
			connErr.Attempts = retryErr.Attempts
			connErr.Err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, retryErr.LastError)
		}
		p.logger.Error("could not connect to broker", zap.Error(connErr))
		return nil, connErr
	}

	// Registered before anything else can close the connection, so a loss
	// right after dialling is still reported with its reason.
	go p.watchConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))

	p.logger.Info("connected to broker", zap.String("url", SanitizeURL(url)))
	return conn, nil
}

func (p *ConnectionProvider) watchConnection(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		p.logger.Warn("broker connection lost",
			zap.Int("code", err.Code),
			zap.String("reason", err.Reason),
			zap.Bool("server", err.Server),
		)
		return
	}
	p.logger.Debug("broker connection closed")
}

// createChannel opens a channel on a leased connection with QoS and publisher
// confirms enabled, then gives the connection back.
func (p *ConnectionProvider) createChannel(ctx context.Context, connections *Pool[Connection]) (*PooledChannel, error) {
	id := uuid.New().String()

	conn, err := connections.Get(ctx)
	if err != nil {
		return nil, &ChannelError{Op: "lease connection", ChannelID: id, Err: err, Timestamp: time.Now()}
	}
	defer connections.Put(conn)

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: id,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Qos(p.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "set qos", ChannelID: id, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	pc := &PooledChannel{
		Channel:  ch,
		provider: p,
		id:       id,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, returnBuffer)),
	}

	p.logger.Debug("channel opened", zap.String("channel_id", id))
	return pc, nil
}

func (p *ConnectionProvider) releaseChannel(ch *PooledChannel) {
	p.mu.Lock()
	channels := p.channels
	p.mu.Unlock()

	if ch.consuming.Load() || ch.IsClosed() {
		channels.Discard(ch)
		return
	}
	channels.Put(ch)
}
