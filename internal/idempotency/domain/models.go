// Package domain defines idempotent execution of side-effecting operations.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInFlight means another caller holds the reservation and did not finish within the wait budget.
	// It is retryable.
	ErrInFlight   = errors.New("idempotency_in_flight")
	ErrInvalidKey = errors.New("invalid_idempotency_key")
)

type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

type Record struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Value     []byte    `json:"value,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the narrow persistence contract behind idempotent execution.
// Reserve must be atomic: exactly one caller observes true for a key until it is released or expires.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*Record, error)
	Complete(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Result struct {
	IsNew     bool
	FromCache bool
	Value     []byte
}

type Service interface {
	// Do runs fn at most once per key while the stored result is live and returns the stored
	// value to later callers. A failed fn leaves nothing behind so the caller may retry.
	Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) (Result, error)
}
