// Package testing moves subscription deadlines into the past so sweeps can be exercised.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites deadlines relative to a reference clock.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = time.Now
	}
	return &TimeAccelerator{db: db, now: now}
}

// FastForwardPeriod ends the current period one minute ago.
func (ta *TimeAccelerator) FastForwardPeriod(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET current_period_end = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		now.Add(-time.Minute),
		now,
		subscriptionID,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
	).Error
}

// FastForwardGrace lapses the grace period of every past_due subscription and returns how many moved.
func (ta *TimeAccelerator) FastForwardGrace(ctx context.Context) (int64, error) {
	now := ta.now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET grace_period_end = ?, updated_at = ?
		 WHERE status = ? AND grace_period_end > ?`,
		now.Add(-time.Minute),
		now,
		subscriptiondomain.StatusPastDue,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
