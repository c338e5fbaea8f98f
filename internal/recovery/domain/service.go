// Package domain defines manual and admin reconciliation of subscriptions whose webhooks were lost.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
)

var (
	ErrInvalidRequest = errors.New("invalid_recovery_request")
	ErrNotOwner       = errors.New("subscription_not_owned")
)

// Method names the strategy that produced a result.
type Method string

const (
	MethodNone              Method = ""
	MethodExistingPayment   Method = "existing_payment"
	MethodCheckoutReference Method = "checkout_reference"
	MethodPaymentReference  Method = "payment_reference"
	MethodUnlinkedPayment   Method = "unlinked_payment"
)

const (
	ReasonPaymentNotSuccessful = "payment_not_successful"
	ReasonPaymentNotFound      = "payment_not_found"
)

type Result struct {
	Success        bool                      `json:"success"`
	Method         Method                    `json:"method,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
	SubscriptionID snowflake.ID              `json:"subscription_id,omitempty"`
	Status         subscriptiondomain.Status `json:"status,omitempty"`
	PaymentRef     string                    `json:"payment_ref,omitempty"`
	FromCache      bool                      `json:"from_cache"`
}

type RecoverRequest struct {
	UserID           string       `validate:"required_without=Admin"`
	SubscriptionID   snowflake.ID `validate:"required"`
	PaymentReference string       `validate:"omitempty,max=200"`
	// Admin skips the ownership check.
	Admin bool
}

type Service interface {
	// CheckStatus re-applies payment evidence already known for the user's current subscription.
	CheckStatus(ctx context.Context, userID string) (Result, error)
	Recover(ctx context.Context, req RecoverRequest) (Result, error)
}
