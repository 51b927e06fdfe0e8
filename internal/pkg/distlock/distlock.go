// Package distlock provides short-lived distributed locks for campaign
// claims. The monitor loop takes a lock per campaign before the claim
// transition so two monitor processes cannot race on the same campaign.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is the interface for distributed locking. A Lock instance belongs
// to a single goroutine; concurrent use requires separate instances.
type Lock interface {
	// Acquire tries to take the lock. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if we still own it.
	Release(ctx context.Context) error
}

// New creates a distributed lock using the best available backend.
// With a Redis client the lock is cross-host; otherwise it falls back
// to a PostgreSQL advisory lock, which is session-scoped and released
// automatically if the connection drops.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock implements Lock using pg_try_advisory_lock /
// pg_advisory_unlock with a lock ID derived from the key.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock for the given key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to take the advisory lock. Non-blocking.
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
