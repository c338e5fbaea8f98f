// Package domain defines matching of orphaned payments to subscriptions.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
)

const (
	MethodUnlinkedPayment = "unlinked_payment"
	ReasonNotFound        = "not_found"
)

type Result struct {
	Success        bool
	Method         string
	Reason         string
	PaymentRef     string
	SubscriptionID snowflake.ID
	Status         subscriptiondomain.Status
	FromCache      bool
}

type Matcher interface {
	// Match links the user's newest eligible orphaned payment to sub and activates it.
	Match(ctx context.Context, sub subscriptiondomain.Subscription) (Result, error)
}
