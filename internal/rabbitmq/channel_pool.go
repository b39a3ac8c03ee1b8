package rabbitmq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	confirmBuffer = 64
	returnBuffer  = 64
)

// ChannelSource leases pooled channels.
type ChannelSource interface {
	AcquireChannel(ctx context.Context) (*PooledChannel, error)
}

// PooledChannel wraps a broker channel with pool metadata. It is leased to
// exactly one caller at a time and must be given back with Release.
type PooledChannel struct {
	Channel
	provider *ConnectionProvider
	id       string

	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	publishSeq uint64

	leased    atomic.Bool
	consuming atomic.Bool
}

// ID identifies the channel in logs and errors
func (c *PooledChannel) ID() string {
	return c.id
}

// Release returns the channel to its pool. A channel that carried a consumer
// subscription is closed instead, so the broker requeues anything left
// unacknowledged and its slot is freed. Calling Release twice is a no-op.
func (c *PooledChannel) Release() {
	if !c.leased.CompareAndSwap(true, false) {
		return
	}
	c.provider.releaseChannel(c)
}

// Consume starts a subscription and marks the channel as not reusable.
func (c *PooledChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.consuming.Store(true)
	return c.Channel.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

// PublishConfirmed publishes msg with the mandatory flag and waits up to
// timeout for the broker's confirmation of this very message. Confirmations
// and returns left over from earlier timed-out publishes on the channel are
// skipped by delivery tag and message ID.
func (c *PooledChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing, timeout time.Duration) error {
	if err := c.Channel.PublishWithContext(ctx, exchange, key, true, false, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	c.publishSeq++
	tag := c.publishSeq

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-c.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			// basic.return precedes basic.ack for an unroutable message, but
			// both may already be buffered.
			if err := c.pendingReturn(msg.MessageId); err != nil {
				return err
			}
			return nil

		case ret, ok := <-c.returns:
			if !ok {
				return ErrChannelClosed
			}
			if ret.MessageId != msg.MessageId {
				continue
			}
			return fmt.Errorf("%w: %d %s", ErrMessageReturned, ret.ReplyCode, ret.ReplyText)

		case <-timer.C:
			return ErrPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *PooledChannel) pendingReturn(messageID string) error {
	for {
		select {
		case ret, ok := <-c.returns:
			if !ok {
				return nil
			}
			if ret.MessageId == messageID {
				return fmt.Errorf("%w: %d %s", ErrMessageReturned, ret.ReplyCode, ret.ReplyText)
			}
		default:
			return nil
		}
	}
}

func (c *PooledChannel) close() {
	if !c.Channel.IsClosed() {
		_ = c.Channel.Close()
	}
}
