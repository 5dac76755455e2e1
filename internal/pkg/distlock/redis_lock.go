package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLock implements Lock with SET NX plus a TTL. Ownership is a
// random token checked by Lua scripts so a slow holder cannot release
// a lock that has expired and been re-acquired by someone else.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock builds a Redis-backed lock for key with the given TTL.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("distlock: reading random token: %v", err))
	}
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		token:  hex.EncodeToString(buf),
		ttl:    ttl,
	}
}

// TryAcquire attempts SET NX and reports whether the lock was taken.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release deletes the key if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Extend pushes the TTL out for long-running cycles. The script is a
// no-op when the lock has already expired or changed hands.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	if err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	return nil
}
