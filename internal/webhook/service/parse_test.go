package service

import (
	"encoding/json"
	"testing"

	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) webhookdomain.Event {
	t.Helper()
	var ev webhookdomain.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestNormalizeRouting(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		action webhookdomain.Action
		ok     bool
	}{
		{"charge success", `{"event":"charge.success","data":{"status":"success","reference":"r"}}`, webhookdomain.ActionActivation, true},
		{"subscription create", `{"event":"subscription.create","data":{"reference":"r"}}`, webhookdomain.ActionActivation, true},
		{"invoice succeeded", `{"event":"invoice.payment_succeeded","data":{"reference":"r"}}`, webhookdomain.ActionRenewal, true},
		{"invoice update paid", `{"event":"invoice.update","data":{"paid":true}}`, webhookdomain.ActionRenewal, true},
		{"invoice update unpaid", `{"event":"invoice.update","data":{"paid":false}}`, webhookdomain.ActionIgnored, false},
		{"invoice failed", `{"event":"invoice.payment_failed","data":{}}`, webhookdomain.ActionFailedRenewal, false},
		{"unknown", `{"event":"refund.processed","data":{}}`, webhookdomain.ActionIgnored, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := normalize(decode(t, tc.raw))
			assert.Equal(t, tc.action, n.Action)
			assert.Equal(t, tc.ok, n.Succeeded)
		})
	}
}

func TestNormalizeFallbacks(t *testing.T) {
	n := normalize(decode(t, `{
		"event":"invoice.payment_succeeded",
		"data":{
			"id": 99,
			"currency":"ngn",
			"paid_at":"2024-06-12T08:00:00Z",
			"subscription":{"subscription_code":"SUB_1"},
			"transaction":{"reference":"txn_ref","amount":500000,"currency":"NGN"},
			"metadata":{"subscription_id": 1790000000000000000, "user_id":"user-1"}
		}
	}`))
	assert.Equal(t, "99", n.EventID)
	assert.Equal(t, "txn_ref", n.Reference)
	assert.EqualValues(t, 500000, n.Amount)
	assert.Equal(t, "NGN", n.Currency)
	assert.Equal(t, "SUB_1", n.SubscriptionCode)
	assert.EqualValues(t, 1790000000000000000, n.SubscriptionID)
	assert.Equal(t, "user-1", n.UserID)
	require.NotNil(t, n.PaidAt)
	assert.Equal(t, 12, n.PaidAt.Day())
}

func TestNormalizeFailedInvoiceReference(t *testing.T) {
	n := normalize(decode(t, `{"event":"invoice.payment_failed","data":{"invoice_code":"INV_7"}}`))
	assert.Equal(t, "failed:INV_7", n.Reference)
	assert.Equal(t, "invoice_payment_failed:INV_7", n.FailureReason)
}

func TestFlexibleID(t *testing.T) {
	var v struct {
		A webhookdomain.FlexibleID `json:"a"`
		B webhookdomain.FlexibleID `json:"b"`
		C webhookdomain.FlexibleID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":4099260516,"b":" 42 ","c":null}`), &v))
	assert.Equal(t, webhookdomain.FlexibleID("4099260516"), v.A)
	assert.Equal(t, webhookdomain.FlexibleID("42"), v.B)
	assert.Equal(t, webhookdomain.FlexibleID(""), v.C)
}
