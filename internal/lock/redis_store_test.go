package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return client
}

func TestRedisStore_AcquireConflict(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()
	ttl := time.Minute

	l, err := store.Acquire(ctx, reqFor("dev-a", "u1"), ttl)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", l.DeviceID)
	assert.Equal(t, 0, l.RenewCount)

	_, err = store.Acquire(ctx, reqFor("dev-b", "u2"), ttl)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderLocked)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "dev-a", conflict.Holder.DeviceID)
}

func TestRedisStore_ImplicitRenew(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	_, err := store.Acquire(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)

	l, err := store.Acquire(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, l.RenewCount)
}

func TestRedisStore_Renew(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	_, err := store.Renew(ctx, reqFor("dev-a", "u1"), time.Minute)
	assert.ErrorIs(t, err, ErrLockNotFound)

	_, err = store.Acquire(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)

	_, err = store.Renew(ctx, reqFor("dev-b", "u2"), time.Minute)
	assert.ErrorIs(t, err, ErrLockOwnedByAnotherDevice)

	l, err := store.Renew(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, l.RenewCount)
}

func TestRedisStore_Release(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	// idempotent on absent lock
	assert.NoError(t, store.Release(ctx, reqFor("dev-a", "u1")))

	_, err := store.Acquire(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)

	err = store.Release(ctx, reqFor("dev-b", "u2"))
	assert.ErrorIs(t, err, ErrLockOwnedByAnotherDevice)

	require.NoError(t, store.Release(ctx, reqFor("dev-a", "u1")))
	_, err = store.Get(ctx, reqFor("dev-a", "u1").Key())
	assert.ErrorIs(t, err, ErrLockNotFound)
}

func TestRedisStore_ReleaseDevice(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	for _, orderID := range []string{"ORD-1", "ORD-2"} {
		req := reqFor("dev-a", "u1")
		req.OrderID = orderID
		_, err := store.Acquire(ctx, req, time.Minute)
		require.NoError(t, err)
	}
	other := reqFor("dev-b", "u2")
	other.OrderID = "ORD-3"
	_, err := store.Acquire(ctx, other, time.Minute)
	require.NoError(t, err)

	released, err := store.ReleaseDevice(ctx, "dev-a")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStore_ForceRelease(t *testing.T) {
	store := NewRedisStore(setupRedis(t))
	ctx := context.Background()

	_, err := store.Acquire(ctx, reqFor("dev-a", "u1"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.ForceRelease(ctx, reqFor("dev-a", "u1").Key()))

	l, err := store.Acquire(ctx, reqFor("dev-b", "u2"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", l.DeviceID)
}
