package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "outbox-dispatcher", time.Minute)
	second := NewRedisLock(client, "outbox-dispatcher", time.Minute)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")

	require.NoError(t, first.Release(ctx))

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable again")
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "outbox-dispatcher", time.Minute)
	intruder := NewRedisLock(client, "outbox-dispatcher", time.Minute)

	ok, err := owner.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing a lock we do not own must leave it held.
	require.NoError(t, intruder.Release(ctx))

	ok, err = intruder.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "outbox-dispatcher", 50*time.Millisecond)
	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Second)

	second := NewRedisLock(client, "outbox-dispatcher", time.Minute)
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable")
}

func TestRedisLockExtend(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "outbox-dispatcher", 100*time.Millisecond)
	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)

	other := NewRedisLock(client, "outbox-dispatcher", time.Minute)
	ok, err = other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock must still be held")
}

func TestNewPrefersRedis(t *testing.T) {
	_, client := newTestRedis(t)

	lock := New(client, nil, "outbox-dispatcher", time.Minute)
	_, isRedis := lock.(*RedisLock)
	assert.True(t, isRedis)

	lock = New(nil, nil, "outbox-dispatcher", time.Minute)
	_, isAdvisory := lock.(*AdvisoryLock)
	assert.True(t, isAdvisory)
}
