// Package distlock provides distributed locks for the dispatch engine.
//
// The job queue takes a short-lived lock per campaign during submission so
// that two API nodes accepting the same campaign cannot double-enqueue it.
// Redis is the preferred backend; without Redis the engine falls back to
// PostgreSQL advisory locks, which are session-scoped and release themselves
// if the connection drops.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking. A lock instance belongs
// to one goroutine; concurrent lockers create separate instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend: Redis
// when a client is provided, otherwise a PostgreSQL advisory lock.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// ErrNotAcquired is returned by TryWithLock when the lock is already held.
var ErrNotAcquired = fmt.Errorf("distlock: not acquired")

// TryWithLock acquires the lock, runs fn, and releases. When the lock is
// held elsewhere it returns ErrNotAcquired without running fn.
func TryWithLock(ctx context.Context, lock DistLock, fn func(context.Context) error) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}
	defer lock.Release(ctx)
	return fn(ctx)
}

// PGAdvisoryLock implements DistLock using pg_try_advisory_lock with a lock
// id derived from the key. Session-scoped: the lock releases automatically
// if the DB connection drops.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock for the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
