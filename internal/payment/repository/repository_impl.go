package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const paymentColumns = `id, user_id, subscription_id, amount, currency, status, provider_payment_ref,
	provider_payment_id, authorization_data, paid_at, failure_reason, applied_at, created_at, updated_at`

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) (*paymentdomain.Payment, error) {
	if payment == nil || payment.ProviderPaymentRef == "" || payment.ID == 0 {
		return nil, paymentdomain.ErrInvalidPayment
	}

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_payment_ref"}},
			DoNothing: true,
		}).
		Create(payment)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return payment, nil
	}

	existing, err := r.FindByReference(ctx, db, payment.ProviderPaymentRef)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("payment %s vanished during upsert", payment.ProviderPaymentRef)
	}

	merged := merge(*existing, *payment)
	if err := db.WithContext(ctx).Exec(
		`UPDATE payments SET user_id = ?, amount = ?, currency = ?, status = ?, provider_payment_id = ?,
		 authorization_data = ?, paid_at = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ?`,
		merged.UserID,
		merged.Amount,
		merged.Currency,
		merged.Status,
		merged.ProviderPaymentID,
		merged.Authorization,
		merged.PaidAt,
		merged.FailureReason,
		merged.UpdatedAt,
		merged.ID,
	).Error; err != nil {
		return nil, err
	}

	if existing.SubscriptionID == nil && payment.SubscriptionID != nil {
		linked, err := r.Link(ctx, db, existing.ID, *payment.SubscriptionID, merged.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if linked {
			merged.SubscriptionID = payment.SubscriptionID
			return &merged, nil
		}
		return r.FindByReference(ctx, db, payment.ProviderPaymentRef)
	}

	return &merged, nil
}

var statusRank = map[paymentdomain.Status]int{
	paymentdomain.StatusPending:   0,
	paymentdomain.StatusFailed:    1,
	paymentdomain.StatusSucceeded: 2,
}

func merge(existing, incoming paymentdomain.Payment) paymentdomain.Payment {
	merged := existing

	if statusRank[incoming.Status] > statusRank[existing.Status] {
		merged.Status = incoming.Status
		if incoming.Amount > 0 {
			merged.Amount = incoming.Amount
		}
		if incoming.Currency != "" {
			merged.Currency = incoming.Currency
		}
	}
	if merged.UserID == "" {
		merged.UserID = incoming.UserID
	}
	if merged.ProviderPaymentID == nil {
		merged.ProviderPaymentID = incoming.ProviderPaymentID
	}
	if len(merged.Authorization) == 0 {
		merged.Authorization = incoming.Authorization
	}
	if merged.PaidAt == nil {
		merged.PaidAt = incoming.PaidAt
	}
	if merged.Status == paymentdomain.StatusFailed && incoming.FailureReason != nil {
		merged.FailureReason = incoming.FailureReason
	}
	if merged.Status == paymentdomain.StatusSucceeded {
		merged.FailureReason = nil
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, reference string) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE provider_payment_ref = ?`,
		reference,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) Link(ctx context.Context, db *gorm.DB, paymentID, subscriptionID snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments SET subscription_id = ?, updated_at = ? WHERE id = ? AND subscription_id IS NULL`,
		subscriptionID,
		at,
		paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET applied_at = ?, updated_at = ? WHERE id = ? AND applied_at IS NULL`,
		at,
		at,
		paymentID,
	).Error
}

func (r *repo) ListOrphanedSucceeded(ctx context.Context, db *gorm.DB, userID string) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments
		 WHERE user_id = ? AND subscription_id IS NULL AND status = ?
		 ORDER BY created_at DESC, id DESC`,
		userID,
		paymentdomain.StatusSucceeded,
	).Scan(&payments).Error
	return payments, err
}

func (r *repo) FindUnappliedSucceeded(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments
		 WHERE subscription_id = ? AND status = ? AND applied_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		subscriptionID,
		paymentdomain.StatusSucceeded,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = ? ORDER BY created_at DESC, id DESC`,
		subscriptionID,
	).Scan(&payments).Error
	return payments, err
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	).Scan(&payments).Error
	return payments, err
}
