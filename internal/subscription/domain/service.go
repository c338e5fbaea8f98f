package domain

import (
	"context"
	"errors"

	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrAlreadySubscribed    = errors.New("already_subscribed")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidUser          = errors.New("invalid_user")
)

type CreateRequest struct {
	UserID string `validate:"required,max=128"`
	Email  string `validate:"required,email"`
	PlanID string `validate:"required"`
}

type CreateResult struct {
	PaymentLink  string       `json:"payment_link"`
	Subscription Subscription `json:"subscription"`
}

// Detail is the user's current subscription with its plan and payment trail.
type Detail struct {
	Subscription Subscription            `json:"subscription"`
	Plan         *plandomain.BillingPlan `json:"plan,omitempty"`
	Payments     []paymentdomain.Payment `json:"payments"`
	History      []History               `json:"history"`
}

type Service interface {
	// Create starts a checkout. An abandoned incomplete subscription is reused with a fresh reference.
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)
	GetCurrent(ctx context.Context, userID string) (Detail, error)
	// Cancel ends an incomplete subscription immediately and a paid one at period end.
	Cancel(ctx context.Context, userID string) (Subscription, error)
}
