package rabbitmq

import (
	"context"
	"sync"
	"time"
)

// Pool is a capacity-bounded pool of reusable items. Items are created
// lazily by the factory, validated on checkout and return, and destroyed
// when invalid or when the pool is closed.
type Pool[T any] struct {
	factory        func(ctx context.Context) (T, error)
	validate       func(T) bool
	destroy        func(T)
	capacity       int
	acquireTimeout time.Duration

	mu      sync.Mutex
	idle    []T
	size    int
	closed  bool
	changed chan struct{}
}

// PoolOption configures a Pool
type PoolOption[T any] func(*Pool[T])

// WithCapacity bounds the number of live items
func WithCapacity[T any](capacity int) PoolOption[T] {
	return func(p *Pool[T]) {
		if capacity > 0 {
			p.capacity = capacity
		}
	}
}

// WithValidator sets the check an item must pass to be handed out or kept
func WithValidator[T any](fn func(T) bool) PoolOption[T] {
	return func(p *Pool[T]) {
		p.validate = fn
	}
}

// WithDestroyer sets how items are disposed of
func WithDestroyer[T any](fn func(T)) PoolOption[T] {
	return func(p *Pool[T]) {
		p.destroy = fn
	}
}

// WithAcquireTimeout bounds how long Get waits for a free item
func WithAcquireTimeout[T any](timeout time.Duration) PoolOption[T] {
	return func(p *Pool[T]) {
		p.acquireTimeout = timeout
	}
}

// NewPool creates a pool of capacity 1 unless configured otherwise.
func NewPool[T any](factory func(ctx context.Context) (T, error), options ...PoolOption[T]) *Pool[T] {
	p := &Pool[T]{
		factory:  factory,
		validate: func(T) bool { return true },
		destroy:  func(T) {},
		capacity: 1,
		changed:  make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Get leases an item. It reuses an idle valid item, creates one while under
// capacity, or waits until an item is returned, ctx is done, the acquire
// timeout elapses or the pool is closed.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			item := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.validate(item) {
				return item, nil
			}
			p.Discard(item)
			continue
		}

		if p.size < p.capacity {
			p.size++
			p.mu.Unlock()

			item, err := p.factory(ctx)
			if err != nil {
				p.release()
				return zero, err
			}
			return item, nil
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timeout:
			return zero, ErrPoolExhausted
		}
	}
}

// Put returns a leased item. Invalid items, and items returned after Close,
// are destroyed instead.
func (p *Pool[T]) Put(item T) {
	p.mu.Lock()
	if p.closed || !p.validate(item) {
		p.mu.Unlock()
		p.Discard(item)
		return
	}
	p.idle = append(p.idle, item)
	p.signalLocked()
	p.mu.Unlock()
}

// Discard destroys a leased item and frees its slot.
func (p *Pool[T]) Discard(item T) {
	p.release()
	p.destroy(item)
}

// Close destroys idle items. Leased items are destroyed when returned.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.signalLocked()
	p.mu.Unlock()

	for _, item := range idle {
		p.destroy(item)
	}
}

// Size returns the number of live items, idle and leased
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Idle returns the number of items waiting to be leased
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the maximum number of live items
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

func (p *Pool[T]) release() {
	p.mu.Lock()
	if p.size > 0 {
		p.size--
	}
	p.signalLocked()
	p.mu.Unlock()
}

// signalLocked wakes every waiter in Get. Callers hold p.mu.
func (p *Pool[T]) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
