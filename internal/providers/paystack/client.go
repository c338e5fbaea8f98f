// Package paystack talks to the Paystack transaction API and authenticates its webhooks.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/collectr/internal/observability/tracing"
	"github.com/smallbiznis/collectr/internal/providers/payment/domain"
)

const defaultBaseURL = "https://api.paystack.co"

type Config struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

type Client struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		secretKey: strings.TrimSpace(cfg.SecretKey),
		baseURL:   baseURL,
		client:    tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeRequest struct {
	Email       string         `json:"email"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type transactionData struct {
	ID            json.Number     `json:"id"`
	Status        string          `json:"status"`
	Reference     string          `json:"reference"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	PaidAt        string          `json:"paid_at"`
	Authorization map[string]any  `json:"authorization"`
	Metadata      json.RawMessage `json:"metadata"`
	Customer      struct {
		Email string `json:"email"`
	} `json:"customer"`
}

func (c *Client) InitializeTransaction(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	body, err := json.Marshal(initializeRequest{
		Email:       req.Email,
		Amount:      strconv.FormatInt(req.Amount, 10),
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	var data initializeData
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: missing authorization url", domain.ErrUpstream)
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &domain.CheckoutSession{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ErrTransactionNotFound
	}

	var data transactionData
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:            data.ID.String(),
		Reference:     data.Reference,
		Status:        strings.ToLower(strings.TrimSpace(data.Status)),
		Amount:        data.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(data.Currency)),
		CustomerEmail: data.Customer.Email,
		Authorization: data.Authorization,
		Metadata:      DecodeMetadata(data.Metadata),
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	if paidAt, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
		paidAt = paidAt.UTC()
		tx.PaidAt = &paidAt
	}
	return tx, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.secretKey == "" {
		return domain.ErrInvalidConfig
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrTransactionNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, env.Message)
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		if strings.Contains(strings.ToLower(env.Message), "not found") {
			return domain.ErrTransactionNotFound
		}
		return fmt.Errorf("%w: status %d: %s", domain.ErrUpstream, resp.StatusCode, env.Message)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", domain.ErrUpstream, resp.StatusCode)
	}

	if decodeErr != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, decodeErr)
	}
	if !env.Status {
		return fmt.Errorf("%w: %s", domain.ErrUpstream, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", domain.ErrUpstream, err)
	}
	return nil
}

// DecodeMetadata accepts the shapes the provider sends for metadata: an object,
// a JSON-encoded object inside a string, or an empty string.
func DecodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	if obj, ok := decodeObject(raw); ok {
		return obj
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil || strings.TrimSpace(encoded) == "" {
		return nil
	}
	obj, _ := decodeObject([]byte(encoded))
	return obj
}

// decodeObject keeps numbers as json.Number so large ids survive.
func decodeObject(raw []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

var _ domain.Gateway = (*Client)(nil)
