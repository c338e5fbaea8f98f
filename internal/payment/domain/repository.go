package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound = errors.New("payment_not_found")
	ErrInvalidPayment  = errors.New("invalid_payment")
)

type Repository interface {
	// Upsert inserts the payment or merges it into the row with the same reference.
	// A succeeded status is never downgraded and an existing link is never replaced.
	Upsert(ctx context.Context, db *gorm.DB, payment *Payment) (*Payment, error)
	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*Payment, error)
	// Link sets the subscription on an orphaned payment. It reports false when the payment was already linked.
	Link(ctx context.Context, db *gorm.DB, paymentID, subscriptionID snowflake.ID, at time.Time) (bool, error)
	MarkApplied(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, at time.Time) error
	ListOrphanedSucceeded(ctx context.Context, db *gorm.DB, userID string) ([]Payment, error)
	FindUnappliedSucceeded(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Payment, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Payment, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]Payment, error)
}
