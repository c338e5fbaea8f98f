package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists subscriptions and their history. Every method takes the handle to run on,
// so a transaction handle groups several calls into one unit of work.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindCurrentByUserID(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	AppendHistory(ctx context.Context, db *gorm.DB, history *History) error
	ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]History, error)
	ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}
