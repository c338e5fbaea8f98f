package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/smallbiznis/collectr/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, plan_id, status, amount, currency, current_period_start, current_period_end,
	cancel_at_period_end, retry_count, grace_period_end, provider_subscription_id, checkout_reference,
	checkout_attempts, cancelled_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_id, status, amount, currency, current_period_start, current_period_end,
			cancel_at_period_end, retry_count, grace_period_end, provider_subscription_id, checkout_reference,
			checkout_attempts, cancelled_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.PlanID,
		subscription.Status,
		subscription.Amount,
		subscription.Currency,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.RetryCount,
		subscription.GracePeriodEnd,
		subscription.ProviderSubscriptionID,
		subscription.CheckoutReference,
		subscription.CheckoutAttempts,
		subscription.CancelledAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	if db.SupportsRowLocks(conn) {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, conn, query, id)
}

// FindCurrentByUserID returns the user's newest subscription, preferring one that is not cancelled.
func (r *repo) FindCurrentByUserID(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, created_at DESC, id DESC
		 LIMIT 1`,
		userID,
		subscriptiondomain.StatusCancelled,
	)
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE provider_subscription_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		providerSubscriptionID,
	)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_id = ?, status = ?, amount = ?, currency = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, retry_count = ?, grace_period_end = ?, provider_subscription_id = ?,
			checkout_reference = ?, checkout_attempts = ?, cancelled_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PlanID,
		subscription.Status,
		subscription.Amount,
		subscription.Currency,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.RetryCount,
		subscription.GracePeriodEnd,
		subscription.ProviderSubscriptionID,
		subscription.CheckoutReference,
		subscription.CheckoutAttempts,
		subscription.CancelledAt,
		subscription.Metadata,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) AppendHistory(ctx context.Context, db *gorm.DB, history *subscriptiondomain.History) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_history (
			id, subscription_id, old_status, new_status, reason, source, payment_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.SubscriptionID,
		history.OldStatus,
		history.NewStatus,
		history.Reason,
		history.Source,
		history.PaymentRef,
		history.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.History, error) {
	var items []subscriptiondomain.History
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, old_status, new_status, reason, source, payment_ref, created_at
		 FROM subscription_history WHERE subscription_id = ?
		 ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	).Scan(&items).Error
	return items, err
}

// ListDueForExpiry returns subscriptions whose cancel-at-period-end or grace period has lapsed.
func (r *repo) ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE (status IN (?, ?) AND cancel_at_period_end = ? AND current_period_end <= ?)
		    OR (status = ? AND grace_period_end IS NOT NULL AND grace_period_end <= ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue, true, now,
		subscriptiondomain.StatusPastDue, now,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
