// Package guard holds the preconditions the sweeper re-checks under the subscription lock.
package guard

import (
	"errors"
	"time"

	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
)

var (
	ErrNotLive             = errors.New("subscription_not_live")
	ErrPeriodNotEnded      = errors.New("subscription_period_not_ended")
	ErrGraceNotLapsed      = errors.New("subscription_grace_not_lapsed")
	ErrNoExpiryScheduled   = errors.New("subscription_no_expiry_scheduled")
	ErrMissingPeriodBounds = errors.New("subscription_missing_period")
)

type Action string

const (
	ActionPeriodEnded Action = "period_ended"
	ActionGraceLapsed Action = "grace_lapsed"
)

// EnsureSubscriptionCanExpire reports why sub must be cancelled at now, or an error when it must not.
func EnsureSubscriptionCanExpire(sub subscriptiondomain.Subscription, now time.Time) (Action, error) {
	if !sub.IsLive() {
		return "", ErrNotLive
	}
	if sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd) {
		return ActionPeriodEnded, nil
	}
	pastDue := sub.Status == subscriptiondomain.StatusPastDue && sub.GracePeriodEnd != nil
	if pastDue && !now.Before(*sub.GracePeriodEnd) {
		return ActionGraceLapsed, nil
	}
	switch {
	case sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd == nil:
		return "", ErrMissingPeriodBounds
	case pastDue:
		return "", ErrGraceNotLapsed
	case sub.CancelAtPeriodEnd:
		return "", ErrPeriodNotEnded
	}
	return "", ErrNoExpiryScheduled
}

// IsSkip reports errors that leave the row untouched without failing the sweep: the row
// changed since it was listed, or it cannot be judged until it is repaired.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNotLive) ||
		errors.Is(err, ErrMissingPeriodBounds) ||
		errors.Is(err, ErrPeriodNotEnded) ||
		errors.Is(err, ErrGraceNotLapsed) ||
		errors.Is(err, ErrNoExpiryScheduled)
}
