// Package domain describes the payment provider as seen by billing: hosted checkout,
// transaction verification and webhook authentication.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrUpstream wraps provider transport and 5xx failures. It is retryable.
	ErrUpstream            = errors.New("provider_upstream_error")
	ErrTransactionNotFound = errors.New("provider_transaction_not_found")
	ErrInvalidConfig       = errors.New("provider_invalid_config")
	ErrInvalidSignature    = errors.New("invalid_signature")
)

const StatusSuccess = "success"

type CheckoutRequest struct {
	Email       string
	Amount      int64
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    map[string]any
}

type CheckoutSession struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Transaction is the provider's view of a charge as returned by verification.
type Transaction struct {
	ID            string
	Reference     string
	Status        string
	Amount        int64
	Currency      string
	PaidAt        *time.Time
	CustomerEmail string
	Authorization map[string]any
	Metadata      map[string]any
}

func (t Transaction) Succeeded() bool {
	return t.Status == StatusSuccess
}

type Gateway interface {
	InitializeTransaction(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	VerifyTransaction(ctx context.Context, reference string) (*Transaction, error)
}

// Verifier authenticates an inbound webhook body.
type Verifier interface {
	Verify(payload []byte, headers http.Header) error
}
