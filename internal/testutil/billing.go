package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/lock"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BillingModels lists the tables the billing services touch.
func BillingModels() []any {
	return []any{
		&plandomain.BillingPlan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.History{},
		&paymentdomain.Payment{},
	}
}

func NewGuard(t *testing.T, billing *config.BillingConfigHolder, now func() time.Time) *lock.Guard {
	t.Helper()
	return lock.NewGuard(lock.GuardParams{
		Locker:  lock.NewMemoryLocker(now),
		Billing: billing,
		Log:     zap.NewNop(),
	})
}

func SeedPlan(t *testing.T, db *gorm.DB, node *snowflake.Node, interval plandomain.Interval) plandomain.BillingPlan {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	plan := plandomain.BillingPlan{
		ID:         node.Generate(),
		Code:       "pro-" + string(interval) + "-" + node.Generate().String(),
		Name:       "Pro",
		Price:      500000,
		Currency:   "NGN",
		Interval:   interval,
		MaxPortals: 10,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.Create(&plan).Error)
	return plan
}

// SeedSubscription inserts sub after filling identity and price defaults from plan.
func SeedSubscription(t *testing.T, db *gorm.DB, node *snowflake.Node, plan plandomain.BillingPlan, sub subscriptiondomain.Subscription) subscriptiondomain.Subscription {
	t.Helper()
	if sub.ID == 0 {
		sub.ID = node.Generate()
	}
	if sub.UserID == "" {
		sub.UserID = "user-1"
	}
	if sub.Status == "" {
		sub.Status = subscriptiondomain.StatusIncomplete
	}
	sub.PlanID = plan.ID
	if sub.Amount == 0 {
		sub.Amount = plan.Price
	}
	if sub.Currency == "" {
		sub.Currency = plan.Currency
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	require.NoError(t, db.Create(&sub).Error)
	return sub
}

func LoadSubscription(t *testing.T, db *gorm.DB, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, db.WithContext(context.Background()).First(&sub, "id = ?", id).Error)
	return sub
}

func CountHistory(t *testing.T, db *gorm.DB, subscriptionID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&subscriptiondomain.History{}).Where("subscription_id = ?", subscriptionID).Count(&n).Error)
	return n
}

func CountPayments(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&paymentdomain.Payment{}).Count(&n).Error)
	return n
}
