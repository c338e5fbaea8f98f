// Package domain contains persistence models for subscriptions and their history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelled  Status = "cancelled"
)

// Source identifies what triggered a transition.
type Source string

const (
	SourceWebhook     Source = "webhook"
	SourceManualCheck Source = "manual_check"
	SourceRecovery    Source = "recovery"
	SourceUser        Source = "user"
	SourceScheduler   Source = "scheduler"
)

// Subscription is a user's billing agreement for a plan.
type Subscription struct {
	ID                     snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID                 string            `gorm:"type:text;not null;index" json:"user_id"`
	PlanID                 snowflake.ID      `gorm:"not null;index" json:"plan_id"`
	Status                 Status            `gorm:"type:text;not null" json:"status"`
	Amount                 int64             `gorm:"not null" json:"amount"`
	Currency               string            `gorm:"type:text;not null" json:"currency"`
	CurrentPeriodStart     *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time        `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool              `gorm:"not null;default:false" json:"cancel_at_period_end"`
	RetryCount             int               `gorm:"not null;default:0" json:"retry_count"`
	GracePeriodEnd         *time.Time        `json:"grace_period_end,omitempty"`
	ProviderSubscriptionID *string           `gorm:"type:text;index" json:"provider_subscription_id,omitempty"`
	CheckoutReference      *string           `gorm:"type:text" json:"checkout_reference,omitempty"`
	CheckoutAttempts       int               `gorm:"not null;default:0" json:"-"`
	CancelledAt            *time.Time        `json:"cancelled_at,omitempty"`
	Metadata               datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt              time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time         `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// IsLive reports whether the subscription holds a committed payment.
func (s Subscription) IsLive() bool {
	return s.Status == StatusActive || s.Status == StatusPastDue
}

// PeriodCovers reports whether at falls inside [CurrentPeriodStart, CurrentPeriodEnd).
func (s Subscription) PeriodCovers(at time.Time) bool {
	if s.CurrentPeriodStart == nil || s.CurrentPeriodEnd == nil {
		return false
	}
	return !at.Before(*s.CurrentPeriodStart) && at.Before(*s.CurrentPeriodEnd)
}

// History is an append-only record of a subscription status transition.
type History struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	OldStatus      Status       `gorm:"type:text" json:"old_status"`
	NewStatus      Status       `gorm:"type:text;not null" json:"new_status"`
	Reason         string       `gorm:"type:text;not null" json:"reason"`
	Source         Source       `gorm:"type:text;not null" json:"source"`
	PaymentRef     *string      `gorm:"type:text" json:"payment_ref,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (History) TableName() string { return "subscription_history" }
