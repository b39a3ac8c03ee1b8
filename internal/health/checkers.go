package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

// ChannelExecutor is satisfied by *rabbitmq.ConnectionProvider
type ChannelExecutor interface {
	Execute(ctx context.Context, fn func(ch *rabbitmq.PooledChannel) error) error
	Stats() rabbitmq.ProviderStats
}

// BrokerChecker leases a channel to prove the broker is reachable
type BrokerChecker struct {
	provider ChannelExecutor
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(provider ChannelExecutor) *BrokerChecker {
	return &BrokerChecker{provider: provider}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]interface{})}

	err := c.provider.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
		if ch.IsClosed() {
			return rabbitmq.ErrChannelClosed
		}
		return nil
	})

	stats := c.provider.Stats()
	result.Details["connections"] = stats.Connections
	result.Details["connection_capacity"] = stats.ConnectionCapacity
	result.Details["channels"] = stats.Channels
	result.Details["channel_capacity"] = stats.ChannelCapacity
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "cannot lease a broker channel"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker is reachable"
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector is satisfied by *rabbitmq.TopologyManager
type QueueInspector interface {
	QueueInfo(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists and is not backing up
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	backlog   int
}

// NewQueueChecker creates a checker that reports degraded once more than
// backlog messages are waiting. A backlog of 0 disables that check.
func NewQueueChecker(queue string, inspector QueueInspector, backlog int) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector, backlog: backlog}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]interface{})}

	q, err := c.inspector.QueueInfo(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	switch {
	case c.backlog > 0 && q.Messages > c.backlog:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d waiting messages", c.queue, q.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	}
	return result
}

// TaskLister is satisfied by *rabbitmq.ConsumerRuntime
type TaskLister interface {
	States() []rabbitmq.TaskStatus
}

// ConsumerChecker reports unhealthy when any consumer task has failed
type ConsumerChecker struct {
	runtime TaskLister
}

// NewConsumerChecker creates a consumer task checker
func NewConsumerChecker(runtime TaskLister) *ConsumerChecker {
	return &ConsumerChecker{runtime: runtime}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]interface{})}

	status := StatusHealthy
	var failed []string
	for _, task := range c.runtime.States() {
		result.Details[task.Queue] = string(task.State)
		switch task.State {
		case rabbitmq.StateFailed:
			status = StatusUnhealthy
			failed = append(failed, task.Queue)
		case rabbitmq.StateStarting:
			status = worst(status, StatusDegraded)
		}
	}

	result.Status = status
	result.Duration = time.Since(start)
	switch status {
	case StatusUnhealthy:
		result.Message = fmt.Sprintf("consumer tasks failed: %v", failed)
	case StatusDegraded:
		result.Message = "consumer tasks starting"
	default:
		result.Message = "consumer tasks running"
	}
	return result
}
