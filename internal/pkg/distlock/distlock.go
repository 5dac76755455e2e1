// Package distlock provides a distributed mutex for coordinating
// singleton work across dispatcher replicas. Redis is the preferred
// backend; when no Redis client is configured the lock falls back to
// PostgreSQL advisory locks, which release automatically if the
// owning connection drops.
package distlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed mutex. A Lock value is owned by
// one goroutine; share coordination, not instances.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking and
	// reports whether it succeeded.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend for the given key. ttl only
// applies to the Redis backend; advisory locks live as long as the
// database session.
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}
