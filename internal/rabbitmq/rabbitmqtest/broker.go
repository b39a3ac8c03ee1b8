// Package rabbitmqtest provides an in-memory broker that stands in for
// RabbitMQ in tests. It models exchanges, queues and bindings with topic
// routing, publisher confirms, mandatory returns, manual acknowledgement and
// dead-lettering. Prefetch and message TTL are accepted but not enforced.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/paymentbus/internal/rabbitmq"
)

// ConfirmMode selects how the broker answers publisher confirms
type ConfirmMode int

const (
	// ConfirmAck acknowledges every publish
	ConfirmAck ConfirmMode = iota
	// ConfirmNack negatively acknowledges every publish and drops the message
	ConfirmNack
	// ConfirmHold withholds confirms until ReleaseHeld is called
	ConfirmHold
)

const deliveryBuffer = 1024

// ErrDialRefused is returned by the dialer while dial failures are armed.
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type subscription struct {
	tag        string
	ch         *Channel
	deliveries chan amqp.Delivery
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []message
	consumers []*subscription
	next      int
	unacked   int
}

type binding struct {
	queue    string
	exchange string
	key      string
}

type heldConfirm struct {
	ch  *Channel
	tag uint64
}

// Broker is an in-memory message broker
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      map[string]*queue
	bindings    []binding
	conns       []*Conn
	confirmMode ConfirmMode
	held        []heldConfirm
	failDials   int
	dials       int
	lastURL     string
	lastConfig  amqp.Config
}

// NewBroker creates an empty broker with only the default exchange
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": "direct"},
		queues:    make(map[string]*queue),
	}
}

// Dialer returns a rabbitmq.Dialer that connects to this broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++
		b.lastURL = url
		b.lastConfig = cfg
		if b.failDials > 0 {
			b.failDials--
			return nil, ErrDialRefused
		}

		conn := &Conn{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// FailDials makes the next n dials fail
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastDial returns the URL and config of the most recent dial
func (b *Broker) LastDial() (string, amqp.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastURL, b.lastConfig
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// SetConfirmMode changes how later publishes are confirmed
func (b *Broker) SetConfirmMode(mode ConfirmMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmMode = mode
}

// ReleaseHeld sends every withheld confirm as an ack or a nack
func (b *Broker) ReleaseHeld(ack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.held {
		h.ch.confirmLocked(h.tag, ack)
	}
	b.held = nil
}

// CloseConnections drops every open connection as if the broker went away.
// Unacknowledged messages are requeued.
func (b *Broker) CloseConnections(reason *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked(reason)
	}
}

// Publish routes a message as if a client had published it
func (b *Broker) Publish(exchange, key string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("rabbitmqtest: no exchange %q", exchange)
	}
	b.routeLocked(exchange, key, pub)
	return nil
}

// DeclareExchange creates an exchange outside of any client
func (b *Broker) DeclareExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
}

// DeclareQueue creates a queue outside of any client
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, args: args}
	}
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// QueueArgs returns the arguments a queue was declared with
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(queueName, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchange && bd.key == key {
			return true
		}
	}
	return false
}

// Ready returns the number of messages waiting in a queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.unacked
	}
	return 0
}

// Consumers returns the number of subscriptions on a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Get removes and returns the oldest ready message of a queue
func (b *Broker) Get(name string) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, false
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	return toDelivery(m, nil, "", 0), true
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// routeLocked delivers pub to every matching queue and reports whether any
// queue received it.
func (b *Broker) routeLocked(exchange, key string, pub amqp.Publishing) bool {
	m := message{pub: pub, exchange: exchange, routingKey: key}

	if exchange == "" {
		q, ok := b.queues[key]
		if !ok {
			return false
		}
		b.enqueueLocked(q, m)
		return true
	}

	kind := b.exchanges[exchange]
	routed := false
	seen := make(map[string]bool)
	for _, bd := range b.bindings {
		if bd.exchange != exchange || seen[bd.queue] {
			continue
		}
		if !routingMatch(kind, bd.key, key) {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		seen[bd.queue] = true
		b.enqueueLocked(q, m)
		routed = true
	}
	return routed
}

func (b *Broker) enqueueLocked(q *queue, m message) {
	q.ready = append(q.ready, m)
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers round-robin
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		sub := q.consumers[q.next%len(q.consumers)]
		q.next++

		ch := sub.ch
		ch.deliveryTag++
		tag := ch.deliveryTag
		m := q.ready[0]

		select {
		case sub.deliveries <- toDelivery(m, ch, sub.tag, tag):
		default:
			ch.deliveryTag--
			return
		}

		q.ready = q.ready[1:]
		q.unacked++
		ch.unacked[tag] = pending{queue: q.name, msg: m}
	}
}

// deadLetterLocked republishes m to the queue's dead-letter exchange with an
// updated x-death header. Without a dead-letter exchange the message is
// dropped.
func (b *Broker) deadLetterLocked(q *queue, m message, reason string) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if k, ok := q.args[rabbitmq.ArgDeadLetterRoutingKey].(string); ok && k != "" {
		key = k
	}

	pub := m.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-death"] = addDeath(headers["x-death"], q.name, reason, m.exchange, m.routingKey)
	pub.Headers = headers

	b.routeLocked(dlx, key, pub)
}

// addDeath increments the entry for queueName and reason, moving it to the
// front, or prepends a new one.
func addDeath(existing interface{}, queueName, reason, exchange, key string) []interface{} {
	prior, _ := existing.([]interface{})
	rest := make([]interface{}, 0, len(prior))
	var death amqp.Table

	for _, entry := range prior {
		t, ok := entry.(amqp.Table)
		if ok && death == nil && t["queue"] == queueName && t["reason"] == reason {
			death = amqp.Table{}
			for k, v := range t {
				death[k] = v
			}
			count, _ := death["count"].(int64)
			death["count"] = count + 1
			death["time"] = time.Now()
			continue
		}
		rest = append(rest, entry)
	}

	if death == nil {
		death = amqp.Table{
			"count":        int64(1),
			"reason":       reason,
			"queue":        queueName,
			"exchange":     exchange,
			"routing-keys": []interface{}{key},
			"time":         time.Now(),
		}
	}
	return append([]interface{}{death}, rest...)
}

func toDelivery(m message, ch *Channel, consumerTag string, tag uint64) amqp.Delivery {
	d := amqp.Delivery{
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            m.pub.Body,
	}
	if ch != nil {
		d.Acknowledger = ch
	}
	return d
}

// routingMatch applies direct or topic matching of a binding key
func routingMatch(kind, pattern, key string) bool {
	if kind != "topic" {
		return pattern == key
	}
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && topicMatch(pattern[1:], words[1:])
	}
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

var _ rabbitmq.Connection = (*Conn)(nil)

func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, unacked: make(map[uint64]pending)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for _, n := range c.notify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

type pending struct {
	queue string
	msg   message
}

// Channel is an in-memory channel. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn        *Conn
	closed      bool
	confirming  bool
	prefetch    int
	publishSeq  uint64
	deliveryTag uint64
	unacked     map[uint64]pending
	confirms    []chan amqp.Confirmation
	returns     []chan amqp.Return
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (ch *Channel) lock() *Broker {
	b := ch.conn.broker
	b.mu.Lock()
	return b
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
		ch.closeLocked()
		return err
	}

	mode := b.confirmMode
	routed := false
	if !ch.confirming || mode != ConfirmNack {
		routed = b.routeLocked(exchange, key, msg)
	}

	if mandatory && !routed && mode != ConfirmNack {
		ret := amqp.Return{
			ReplyCode:     amqp.NoRoute,
			ReplyText:     "NO_ROUTE",
			Exchange:      exchange,
			RoutingKey:    key,
			ContentType:   msg.ContentType,
			MessageId:     msg.MessageId,
			CorrelationId: msg.CorrelationId,
			Type:          msg.Type,
			Headers:       msg.Headers,
			Body:          msg.Body,
		}
		for _, r := range ch.returns {
			select {
			case r <- ret:
			default:
			}
		}
	}

	if !ch.confirming {
		return nil
	}
	ch.publishSeq++
	switch mode {
	case ConfirmAck:
		ch.confirmLocked(ch.publishSeq, true)
	case ConfirmNack:
		ch.confirmLocked(ch.publishSeq, false)
	case ConfirmHold:
		b.held = append(b.held, heldConfirm{ch: ch, tag: ch.publishSeq})
	}
	return nil
}

func (ch *Channel) confirmLocked(tag uint64, ack bool) {
	if ch.closed {
		return
	}
	for _, c := range ch.confirms {
		select {
		case c <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}:
		default:
		}
	}
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if ok && !sameArgs(q.args, args) {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)}
	}
	if !ok {
		q = &queue{name: name, args: args}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		ch.closeLocked()
		return amqp.Queue{}, notFoundQueue(name)
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		ch.closeLocked()
		return notFoundQueue(name)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	for _, bd := range b.bindings {
		if bd.queue == name && bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchange, key: key})
	return nil
}

func (ch *Channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		ch.closeLocked()
		return nil, notFoundQueue(queueName)
	}
	sub := &subscription{tag: consumer, ch: ch, deliveries: make(chan amqp.Delivery, deliveryBuffer)}
	q.consumers = append(q.consumers, sub)
	b.dispatchLocked(q)
	return sub.deliveries, nil
}

func (ch *Channel) Cancel(consumer string, noWait bool) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	for _, q := range b.queues {
		q.consumers = removeSubscriptions(q.consumers, func(s *subscription) bool {
			return s.ch == ch && s.tag == consumer
		})
	}
	return nil
}

func (ch *Channel) IsClosed() bool {
	b := ch.lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// closeLocked cancels the channel's subscriptions, requeues its unacked
// messages and closes its notification channels.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker

	for _, q := range b.queues {
		q.consumers = removeSubscriptions(q.consumers, func(s *subscription) bool { return s.ch == ch })
	}

	requeued := make(map[string][]message)
	for tag := uint64(1); tag <= ch.deliveryTag; tag++ {
		p, ok := ch.unacked[tag]
		if !ok {
			continue
		}
		p.msg.redelivered = true
		requeued[p.queue] = append(requeued[p.queue], p.msg)
	}
	ch.unacked = make(map[uint64]pending)

	for name, msgs := range requeued {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		q.unacked -= len(msgs)
		q.ready = append(msgs, q.ready...)
		b.dispatchLocked(q)
	}

	held := b.held[:0]
	for _, h := range b.held {
		if h.ch != ch {
			held = append(held, h)
		}
	}
	b.held = held

	for _, c := range ch.confirms {
		close(c)
	}
	for _, r := range ch.returns {
		close(r)
	}
	ch.confirms = nil
	ch.returns = nil
}

func removeSubscriptions(subs []*subscription, match func(*subscription) bool) []*subscription {
	kept := subs[:0]
	for _, s := range subs {
		if match(s) {
			close(s.deliveries)
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, q *queue, m message) {})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, q *queue, m message) {
		if requeue {
			m.redelivered = true
			q.ready = append(q.ready, m)
			b.dispatchLocked(q)
			return
		}
		b.deadLetterLocked(q, m, "rejected")
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, fn func(b *Broker, q *queue, m message)) error {
	b := ch.lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := uint64(1); t <= tag; t++ {
			tags = append(tags, t)
		}
	}

	settled := false
	for _, t := range tags {
		p, ok := ch.unacked[t]
		if !ok {
			continue
		}
		delete(ch.unacked, t)
		settled = true
		q, ok := b.queues[p.queue]
		if !ok {
			continue
		}
		q.unacked--
		fn(b, q, p.msg)
	}

	if !settled {
		err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		ch.closeLocked()
		return err
	}
	return nil
}

func notFoundQueue(name string) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
}
