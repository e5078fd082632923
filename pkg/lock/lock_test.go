package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "tollgate:"), mr
}

func TestRedisLocker_SingleHolder(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	lease, err := locker.Acquire(ctx, "settlement:worker", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "settlement:worker", lease.Key())
	assert.True(t, mr.Exists("tollgate:settlement:worker"))

	_, err = locker.Acquire(ctx, "settlement:worker", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("tollgate:settlement:worker"))

	again, err := locker.Acquire(ctx, "settlement:worker", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token(), again.Token())
}

func TestRedisLocker_ExpiryFreesLease(t *testing.T) {
	ctx := context.Background()
	locker, mr := newRedisLocker(t)

	stale, err := locker.Acquire(ctx, "billing:scheduler", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "billing:scheduler", time.Minute)
	require.NoError(t, err)

	// The expired holder must not be able to free or extend the new lease
	assert.ErrorIs(t, stale.Release(ctx), ErrLeaseLost)
	assert.ErrorIs(t, stale.Refresh(ctx, time.Minute), ErrLeaseLost)
	assert.True(t, mr.Exists("tollgate:billing:scheduler"))

	require.NoError(t, fresh.Refresh(ctx, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("tollgate:billing:scheduler"))
}

func TestRedisLocker_Contention(t *testing.T) {
	ctx := context.Background()
	locker, _ := newRedisLocker(t)

	for want := int64(1); want <= 3; want++ {
		n, err := locker.Contended(ctx, "settlement:worker")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	_, err := locker.Acquire(ctx, "settlement:worker", time.Minute)
	require.NoError(t, err)

	n, err := locker.Contended(ctx, "settlement:worker")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "successful acquire resets the counter")
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	locker := NewMemoryLocker(mock)

	lease, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	n, _ := locker.Contended(ctx, "k")
	assert.Equal(t, int64(1), n)

	mock.Advance(2 * time.Minute)
	assert.ErrorIs(t, lease.Refresh(ctx, time.Minute), ErrLeaseLost)

	next, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)
	require.NoError(t, next.Release(ctx))

	n, _ = locker.Contended(ctx, "k")
	assert.Equal(t, int64(1), n)
}

func TestKeepAlive_StopsOnLostLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locker := NewMemoryLocker(nil)
	lease, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	errCh := KeepAlive(ctx, lease, time.Minute, 10*time.Millisecond)
	require.NoError(t, lease.Release(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLeaseLost)
	case <-time.After(time.Second):
		t.Fatal("keepalive did not report the lost lease")
	}
}

func TestKeepAlive_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lease, err := NewMemoryLocker(nil).Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	errCh := KeepAlive(ctx, lease, time.Minute, 10*time.Millisecond)
	cancel()

	select {
	case _, open := <-errCh:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("keepalive did not exit")
	}
}
