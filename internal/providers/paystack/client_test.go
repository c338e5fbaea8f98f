package paystack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/collectr/internal/providers/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{SecretKey: "sk_test", BaseURL: srv.URL})
}

func TestInitializeTransaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "500000", body["amount"])
		assert.Equal(t, "NGN", body["currency"])
		assert.Equal(t, "sub_1_1", body["reference"])
		assert.Equal(t, "1", body["metadata"].(map[string]any)["subscription_id"])

		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"sub_1_1"}}`))
	})

	session, err := client.InitializeTransaction(context.Background(), domain.CheckoutRequest{
		Email:     "owner@example.com",
		Amount:    500000,
		Currency:  "ngn",
		Reference: "sub_1_1",
		Metadata:  map[string]any{"subscription_id": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/abc", session.AuthorizationURL)
	assert.Equal(t, "sub_1_1", session.Reference)
}

func TestVerifyTransaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/sub_1_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{
			"id":4099260516,"status":"success","reference":"sub_1_1","amount":500000,"currency":"NGN",
			"paid_at":"2024-05-01T10:00:00.000Z",
			"metadata":"{\"subscription_id\":\"1\",\"user_id\":\"u_1\"}",
			"authorization":{"authorization_code":"AUTH_x","reusable":true},
			"customer":{"email":"owner@example.com"}}}`))
	})

	tx, err := client.VerifyTransaction(context.Background(), "sub_1_1")
	require.NoError(t, err)
	assert.True(t, tx.Succeeded())
	assert.Equal(t, "4099260516", tx.ID)
	assert.Equal(t, int64(500000), tx.Amount)
	assert.Equal(t, "u_1", tx.Metadata["user_id"])
	assert.Equal(t, "AUTH_x", tx.Authorization["authorization_code"])
	require.NotNil(t, tx.PaidAt)
	assert.Equal(t, 2024, tx.PaidAt.Year())
}

func TestVerifyTransactionErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"status":false,"message":"Transaction not found"}`, want: domain.ErrTransactionNotFound},
		{name: "reference not found", status: http.StatusBadRequest, body: `{"status":false,"message":"Transaction reference not found"}`, want: domain.ErrTransactionNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"status":false,"message":"Invalid key"}`, want: domain.ErrInvalidConfig},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, want: domain.ErrUpstream},
		{name: "status false", status: http.StatusOK, body: `{"status":false,"message":"failed"}`, want: domain.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.VerifyTransaction(context.Background(), "ref")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyTransactionTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	client := NewClient(Config{SecretKey: "sk_test", BaseURL: srv.URL})

	_, err := client.VerifyTransaction(context.Background(), "ref")
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestMissingSecretKey(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.VerifyTransaction(context.Background(), "ref")
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestDecodeMetadata(t *testing.T) {
	assert.Equal(t, "1", DecodeMetadata(json.RawMessage(`{"subscription_id":"1"}`))["subscription_id"])
	assert.Equal(t, "1", DecodeMetadata(json.RawMessage(`"{\"subscription_id\":\"1\"}"`))["subscription_id"])
	assert.Nil(t, DecodeMetadata(json.RawMessage(`""`)))
	assert.Nil(t, DecodeMetadata(nil))
}

func TestSignatureVerifier(t *testing.T) {
	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)
	v := NewSignatureVerifier("sk_test")

	headers := http.Header{}
	headers.Set(SignatureHeader, Sign([]byte("sk_test"), payload))
	assert.NoError(t, v.Verify(payload, headers))

	headers.Set(SignatureHeader, Sign([]byte("other"), payload))
	assert.ErrorIs(t, v.Verify(payload, headers), domain.ErrInvalidSignature)

	assert.ErrorIs(t, v.Verify(payload, http.Header{}), domain.ErrInvalidSignature)
	assert.ErrorIs(t, NewSignatureVerifier("").Verify(payload, headers), domain.ErrInvalidConfig)
}
