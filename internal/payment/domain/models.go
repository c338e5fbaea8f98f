// Package domain contains the payment record model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Payment is a provider charge keyed by its transaction reference. SubscriptionID is nil while
// the payment is orphaned and is set at most once.
type Payment struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID             string            `gorm:"type:text;not null;index" json:"user_id"`
	SubscriptionID     *snowflake.ID     `gorm:"index" json:"subscription_id,omitempty"`
	Amount             int64             `gorm:"not null" json:"amount"`
	Currency           string            `gorm:"type:text;not null" json:"currency"`
	Status             Status            `gorm:"type:text;not null" json:"status"`
	ProviderPaymentRef string            `gorm:"type:text;not null;uniqueIndex" json:"provider_payment_ref"`
	ProviderPaymentID  *string           `gorm:"type:text" json:"provider_payment_id,omitempty"`
	Authorization      datatypes.JSONMap `gorm:"column:authorization_data" json:"-"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	FailureReason      *string           `gorm:"type:text" json:"failure_reason,omitempty"`
	// AppliedAt is set once the payment has driven a subscription transition.
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p Payment) IsOrphaned() bool {
	return p.SubscriptionID == nil
}

func (p Payment) LinkedTo(subscriptionID snowflake.ID) bool {
	return p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID
}

func (p Payment) Applied() bool {
	return p.AppliedAt != nil
}
