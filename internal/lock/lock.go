// Package lock provides per-resource mutual exclusion across request handlers and processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	// ErrLockContention means the lock stayed held by someone else for the whole acquire budget.
	// It is retryable.
	ErrLockContention = errors.New("lock_contention")
	ErrInvalidLockKey = errors.New("invalid_lock_key")
	ErrInvalidLockTTL = errors.New("invalid_lock_ttl")
)

// Locker is a fail-fast lock primitive. TryLock never queues: ok is false when another token
// holds key. Release only removes the lock if token still owns it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}

func SubscriptionKey(id snowflake.ID) string {
	return fmt.Sprintf("subscription:%d", id)
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidLockKey
	}
	if ttl <= 0 {
		return ErrInvalidLockTTL
	}
	return nil
}
