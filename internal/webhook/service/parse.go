package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collectr/internal/providers/paystack"
	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
)

// normalized is the provider event reduced to the fields billing acts on.
type normalized struct {
	EventType        string
	EventID          string
	Reference        string
	Amount           int64
	Currency         string
	Succeeded        bool
	PaidAt           *time.Time
	SubscriptionID   snowflake.ID
	UserID           string
	SubscriptionCode string
	Authorization    map[string]any
	FailureReason    string
	Action           webhookdomain.Action
}

func normalize(ev webhookdomain.Event) normalized {
	data := ev.Data
	n := normalized{
		EventType:     strings.TrimSpace(ev.Event),
		EventID:       string(data.ID),
		Reference:     strings.TrimSpace(data.Reference),
		Amount:        data.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(data.Currency)),
		Authorization: data.Authorization,
	}

	status := strings.ToLower(strings.TrimSpace(data.Status))
	n.Succeeded = status == "success"

	if tx := data.Transaction; tx != nil {
		if n.Reference == "" {
			n.Reference = strings.TrimSpace(tx.Reference)
		}
		if n.Amount == 0 {
			n.Amount = tx.Amount
		}
		if n.Currency == "" {
			n.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
		}
	}

	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(data.PaidAt)); err == nil {
		t = t.UTC()
		n.PaidAt = &t
	}

	n.SubscriptionCode = strings.TrimSpace(data.SubscriptionCode)
	if n.SubscriptionCode == "" && data.Subscription != nil {
		n.SubscriptionCode = strings.TrimSpace(data.Subscription.SubscriptionCode)
	}

	meta := paystack.DecodeMetadata(data.Metadata)
	if id, err := snowflake.ParseString(metaString(meta, "subscription_id")); err == nil && id > 0 {
		n.SubscriptionID = id
	}
	n.UserID = metaString(meta, "user_id")

	switch n.EventType {
	case webhookdomain.EventChargeSuccess, webhookdomain.EventSubscriptionSetup, webhookdomain.EventSubscriptionCreate:
		n.Action = webhookdomain.ActionActivation
		if n.EventType != webhookdomain.EventChargeSuccess && status == "" {
			n.Succeeded = true
		}
	case webhookdomain.EventInvoicePaymentSucceeded:
		n.Action = webhookdomain.ActionRenewal
		n.Succeeded = true
	case webhookdomain.EventInvoiceUpdate:
		if data.Paid || n.Succeeded {
			n.Action = webhookdomain.ActionRenewal
			n.Succeeded = true
		} else {
			n.Action = webhookdomain.ActionIgnored
		}
	case webhookdomain.EventInvoicePaymentFailed:
		n.Action = webhookdomain.ActionFailedRenewal
		n.Succeeded = false
		n.FailureReason = "invoice_payment_failed"
		if data.InvoiceCode != "" {
			n.FailureReason = "invoice_payment_failed:" + data.InvoiceCode
		}
		if n.Reference == "" && data.InvoiceCode != "" {
			n.Reference = "failed:" + data.InvoiceCode
		}
	default:
		n.Action = webhookdomain.ActionIgnored
	}
	return n
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	switch v := meta[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
