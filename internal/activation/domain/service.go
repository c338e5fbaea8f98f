// Package domain defines the subscription state machine driven by payment evidence.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
)

var ErrInvalidRequest = errors.New("invalid_activation_request")

// Kind distinguishes a first charge from a recurring one.
type Kind string

const (
	KindActivation Kind = "activation"
	KindRenewal    Kind = "renewal"
)

// Reason is the terminal outcome of a state machine call.
type Reason string

const (
	ReasonActivated        Reason = "activated"
	ReasonRenewed          Reason = "renewed"
	ReasonAlreadyActive    Reason = "already_active"
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonNotFound         Reason = "not_found"
	ReasonPastDue          Reason = "past_due"
	ReasonCancelled        Reason = "cancelled"
	ReasonPaymentMismatch  Reason = "payment_mismatch"
	ReasonInvalidState     Reason = "invalid_state"
	// ReasonSuperseded means the payment is for a cancelled checkout while the user has another open subscription.
	ReasonSuperseded Reason = "superseded"
)

// PaymentData is the payment evidence handed to the state machine.
type PaymentData struct {
	Reference string
	PaymentID string
	// UserID owns the payment when it is not yet recorded. Defaults to the subscription owner.
	UserID   string
	Amount   int64
	Currency string
	PaidAt   *time.Time
	// Authorization is the reusable card mandate, if any.
	Authorization map[string]any
	// ProviderSubscriptionCode is the provider's recurring subscription code, if any.
	ProviderSubscriptionCode string
	FailureReason            string
}

type Request struct {
	SubscriptionID snowflake.ID
	Payment        PaymentData
	Source         subscriptiondomain.Source
	Kind           Kind
}

type Result struct {
	Success        bool                      `json:"success"`
	Reason         Reason                    `json:"reason"`
	SubscriptionID snowflake.ID              `json:"subscription_id,omitempty"`
	Status         subscriptiondomain.Status `json:"status,omitempty"`
}

type Service interface {
	// Activate applies a succeeded payment. Replays of an applied payment are successful no-ops.
	Activate(ctx context.Context, req Request) (Result, error)
	// RecordFailedRenewal applies a failed recurring charge.
	RecordFailedRenewal(ctx context.Context, req Request) (Result, error)
}
