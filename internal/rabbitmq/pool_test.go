package rabbitmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolItem struct {
	id    int64
	valid atomic.Bool
}

func newItemFactory() (func(ctx context.Context) (*poolItem, error), *atomic.Int64) {
	var created atomic.Int64
	return func(ctx context.Context) (*poolItem, error) {
		item := &poolItem{id: created.Add(1)}
		item.valid.Store(true)
		return item, nil
	}, &created
}

func TestPoolReusesIdleItems(t *testing.T) {
	factory, created := newItemFactory()
	pool := NewPool(factory, WithCapacity[*poolItem](2))

	first, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(first)

	second, err := pool.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), created.Load())
	assert.Equal(t, 1, pool.Size())
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	factory, _ := newItemFactory()
	pool := NewPool(factory, WithCapacity[*poolItem](1))

	leased, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *poolItem, 1)
	go func() {
		item, err := pool.Get(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	pool.Put(leased)

	select {
	case item := <-got:
		assert.Same(t, leased, item)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Put")
	}
	assert.Equal(t, 1, pool.Size())
}

func TestPoolAcquireTimeout(t *testing.T) {
	factory, _ := newItemFactory()
	pool := NewPool(factory,
		WithCapacity[*poolItem](1),
		WithAcquireTimeout[*poolItem](10*time.Millisecond),
	)

	_, err := pool.Get(context.Background())
	require.NoError(t, err)

	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolDiscardsInvalidItems(t *testing.T) {
	factory, created := newItemFactory()
	var destroyed atomic.Int64
	pool := NewPool(factory,
		WithCapacity[*poolItem](1),
		WithValidator(func(i *poolItem) bool { return i.valid.Load() }),
		WithDestroyer(func(*poolItem) { destroyed.Add(1) }),
	)

	item, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(item)
	item.valid.Store(false)

	fresh, err := pool.Get(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, item, fresh)
	assert.Equal(t, int64(2), created.Load())
	assert.Equal(t, int64(1), destroyed.Load())
	assert.Equal(t, 1, pool.Size())
}

func TestPoolFactoryErrorFreesSlot(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	pool := NewPool(func(ctx context.Context) (int, error) {
		if fail {
			return 0, boom
		}
		return 7, nil
	})

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, pool.Size())

	fail = false
	v, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPoolClose(t *testing.T) {
	factory, _ := newItemFactory()
	var destroyed atomic.Int64
	pool := NewPool(factory,
		WithCapacity[*poolItem](2),
		WithDestroyer(func(*poolItem) { destroyed.Add(1) }),
	)

	idle, err := pool.Get(context.Background())
	require.NoError(t, err)
	leased, err := pool.Get(context.Background())
	require.NoError(t, err)
	pool.Put(idle)

	pool.Close()
	pool.Close()
	assert.Equal(t, int64(1), destroyed.Load())

	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Put(leased)
	assert.Equal(t, int64(2), destroyed.Load())
	assert.Equal(t, 0, pool.Size())
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	factory, _ := newItemFactory()
	pool := NewPool(factory, WithCapacity[*poolItem](1))

	_, err := pool.Get(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := pool.Get(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	pool.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}
}
