// Package domain describes inbound payment provider webhook events.
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
)

const (
	EventChargeSuccess           = "charge.success"
	EventSubscriptionSetup       = "subscription_setup"
	EventSubscriptionCreate      = "subscription.create"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoiceUpdate           = "invoice.update"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Action is what the processor did with an event.
type Action string

const (
	ActionActivation    Action = "activation"
	ActionRenewal       Action = "renewal"
	ActionFailedRenewal Action = "failed_renewal"
	ActionOrphan        Action = "orphan"
	ActionIgnored       Action = "ignored"
)

// Event is the provider envelope.
type Event struct {
	Event string    `json:"event" validate:"required"`
	Data  EventData `json:"data"`
}

type EventData struct {
	ID               FlexibleID         `json:"id"`
	Reference        string             `json:"reference"`
	Amount           int64              `json:"amount" validate:"gte=0"`
	Currency         string             `json:"currency"`
	Status           string             `json:"status"`
	Paid             bool               `json:"paid"`
	PaidAt           string             `json:"paid_at"`
	InvoiceCode      string             `json:"invoice_code"`
	SubscriptionCode string             `json:"subscription_code"`
	Metadata         json.RawMessage    `json:"metadata"`
	Authorization    map[string]any     `json:"authorization"`
	Subscription     *EventSubscription `json:"subscription"`
	Customer         *EventCustomer     `json:"customer"`
	Transaction      *EventTransaction  `json:"transaction"`
}

type EventSubscription struct {
	SubscriptionCode string `json:"subscription_code"`
	Status           string `json:"status"`
}

type EventCustomer struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
}

type EventTransaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// FlexibleID accepts an identifier sent either as a JSON number or a string.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// Outcome is the business result of a delivery. It is stored as the idempotent result,
// so replays return the first delivery's outcome.
type Outcome struct {
	EventType      string       `json:"event_type"`
	Action         Action       `json:"action"`
	Success        bool         `json:"success"`
	Reason         string       `json:"reason"`
	SubscriptionID snowflake.ID `json:"subscription_id,omitempty"`
	PaymentRef     string       `json:"payment_ref,omitempty"`
	FromCache      bool         `json:"-"`
}

type Processor interface {
	// Process authenticates and applies one delivery. Errors are either ErrInvalidSignature,
	// ErrInvalidPayload or a retryable infrastructure failure.
	Process(ctx context.Context, payload []byte, headers http.Header) (Outcome, error)
}

// WebhookEvent is the audit row of a delivery.
type WebhookEvent struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Provider    string       `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_key"`
	EventKey    string       `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_key"`
	EventType   string       `gorm:"type:text;not null"`
	Payload     []byte       `gorm:"not null"`
	Deliveries  int          `gorm:"not null;default:1"`
	Outcome     *string      `gorm:"type:text"`
	ReceivedAt  time.Time    `gorm:"not null"`
	ProcessedAt *time.Time
}

func (WebhookEvent) TableName() string { return "webhook_events" }
