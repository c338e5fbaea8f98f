// Package domain contains the billing plan catalogue model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Interval is the billing period length of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Next returns the end of the period starting at from. Month arithmetic clamps to the
// last day of the target month, so Jan 31 + 1 month is Feb 28/29.
func (i Interval) Next(from time.Time) time.Time {
	switch i {
	case IntervalYearly:
		return addMonths(from, 12)
	default:
		return addMonths(from, 1)
	}
}

func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}

// BillingPlan is a purchasable tier. Subscriptions snapshot price and currency at checkout,
// so editing a plan never changes what an existing subscriber committed to.
type BillingPlan struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	Code               string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name               string       `gorm:"type:text;not null" json:"name"`
	Price              int64        `gorm:"not null" json:"price"`
	Currency           string       `gorm:"type:text;not null" json:"currency"`
	Interval           Interval     `gorm:"type:text;not null" json:"interval"`
	MaxPortals         int          `gorm:"not null;default:0" json:"max_portals"`
	MaxStorageBytes    int64        `gorm:"not null;default:0" json:"max_storage_bytes"`
	MaxUploadsPerMonth int          `gorm:"not null;default:0" json:"max_uploads_per_month"`
	IsActive           bool         `gorm:"not null;default:true" json:"is_active"`
	ProviderPlanCode   *string      `gorm:"type:text" json:"provider_plan_code,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (BillingPlan) TableName() string { return "billing_plans" }
