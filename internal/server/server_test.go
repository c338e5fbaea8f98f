package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/collectr/internal/audit/domain"
	"github.com/smallbiznis/collectr/internal/authorization"
	"github.com/smallbiznis/collectr/internal/config"
	idempotencydomain "github.com/smallbiznis/collectr/internal/idempotency/domain"
	"github.com/smallbiznis/collectr/internal/lock"
	"github.com/smallbiznis/collectr/internal/observability"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
	recoverydomain "github.com/smallbiznis/collectr/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPlans struct{ mock.Mock }

func (m *mockPlans) Get(ctx context.Context, id string) (plandomain.BillingPlan, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(plandomain.BillingPlan), args.Error(1)
}

func (m *mockPlans) GetByID(ctx context.Context, id snowflake.ID) (plandomain.BillingPlan, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(plandomain.BillingPlan), args.Error(1)
}

func (m *mockPlans) ListActive(ctx context.Context) ([]plandomain.BillingPlan, error) {
	args := m.Called(ctx)
	return args.Get(0).([]plandomain.BillingPlan), args.Error(1)
}

func (m *mockPlans) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.BillingPlan, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(plandomain.BillingPlan), args.Error(1)
}

type mockSubscriptions struct{ mock.Mock }

func (m *mockSubscriptions) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.CreateResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(subscriptiondomain.CreateResult), args.Error(1)
}

func (m *mockSubscriptions) GetCurrent(ctx context.Context, userID string) (subscriptiondomain.Detail, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(subscriptiondomain.Detail), args.Error(1)
}

func (m *mockSubscriptions) Cancel(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(subscriptiondomain.Subscription), args.Error(1)
}

type mockRecovery struct{ mock.Mock }

func (m *mockRecovery) CheckStatus(ctx context.Context, userID string) (recoverydomain.Result, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(recoverydomain.Result), args.Error(1)
}

func (m *mockRecovery) Recover(ctx context.Context, req recoverydomain.RecoverRequest) (recoverydomain.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(recoverydomain.Result), args.Error(1)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) Process(ctx context.Context, payload []byte, headers http.Header) (webhookdomain.Outcome, error) {
	args := m.Called(ctx, payload, headers)
	return args.Get(0).(webhookdomain.Outcome), args.Error(1)
}

type mockAuthz struct{ mock.Mock }

func (m *mockAuthz) Authorize(ctx context.Context, actor authorization.Actor, object string, action string) error {
	return m.Called(ctx, actor, object, action).Error(0)
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Record(ctx context.Context, entry auditdomain.Entry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(auditdomain.ListAuditLogResponse), args.Error(1)
}

type fixture struct {
	engine   *gin.Engine
	plans    *mockPlans
	subs     *mockSubscriptions
	recovery *mockRecovery
	webhooks *mockProcessor
	authz    *mockAuthz
	audit    *mockAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		plans:    &mockPlans{},
		subs:     &mockSubscriptions{},
		recovery: &mockRecovery{},
		webhooks: &mockProcessor{},
		authz:    &mockAuthz{},
		audit:    &mockAudit{},
	}
	f.engine = NewEngine(observability.Config{Environment: "test"}, nil, nil)
	NewServer(ServerParams{
		Gin:             f.engine,
		Cfg:             config.Config{HTTPAddr: ":0"},
		Log:             zap.NewNop(),
		PlanSvc:         f.plans,
		SubscriptionSvc: f.subs,
		RecoverySvc:     f.recovery,
		Webhooks:        f.webhooks,
		Authz:           f.authz,
		Audit:           f.audit,
	})
	t.Cleanup(func() {
		f.plans.AssertExpectations(t)
		f.subs.AssertExpectations(t)
		f.recovery.AssertExpectations(t)
		f.webhooks.AssertExpectations(t)
		f.authz.AssertExpectations(t)
		f.audit.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func asUser(id string) map[string]string {
	return map[string]string{HeaderUserID: id, HeaderUserEmail: id + "@example.com"}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Type)
}

func TestListPlansIsPublic(t *testing.T) {
	f := newFixture(t)
	f.plans.On("ListActive", mock.Anything).Return([]plandomain.BillingPlan{{ID: 1, Code: "starter-monthly", Price: 500000, Currency: "NGN"}}, nil)

	w := f.do(http.MethodGet, "/billing/plans", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "starter-monthly")
}

func TestSubscriptionRoutesRequireUser(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/billing/subscription"},
		{http.MethodGet, "/billing/subscription"},
		{http.MethodDelete, "/billing/subscription"},
		{http.MethodPost, "/billing/subscription/status"},
		{http.MethodPost, "/billing/subscription/recover"},
	} {
		w := f.do(tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestCreateSubscription(t *testing.T) {
	f := newFixture(t)
	f.subs.On("Create", mock.Anything, subscriptiondomain.CreateRequest{
		UserID: "user-1",
		Email:  "user-1@example.com",
		PlanID: "42",
	}).Return(subscriptiondomain.CreateResult{
		PaymentLink:  "https://checkout.paystack.com/abc",
		Subscription: subscriptiondomain.Subscription{ID: 7, UserID: "user-1", Status: subscriptiondomain.StatusIncomplete},
	}, nil)

	w := f.do(http.MethodPost, "/billing/subscription", `{"planId":"42"}`, asUser("user-1"))
	require.Equal(t, http.StatusCreated, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://checkout.paystack.com/abc", body["payment_link"])
}

func TestCreateSubscriptionErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"already subscribed", subscriptiondomain.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
		{"unknown plan", plandomain.ErrPlanNotFound, http.StatusNotFound, "not_found"},
		{"inactive plan", plandomain.ErrPlanInactive, http.StatusBadRequest, "validation_error"},
		{"provider down", fmt.Errorf("initialize checkout: %w", providerdomain.ErrUpstream), http.StatusBadGateway, "upstream_error"},
		{"lock busy", fmt.Errorf("checkout: %w", lock.ErrLockContention), http.StatusConflict, "lock_contention"},
		{"database down", errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.subs.On("Create", mock.Anything, mock.Anything).Return(subscriptiondomain.CreateResult{}, tc.err)

			w := f.do(http.MethodPost, "/billing/subscription", `{"planId":"42"}`, asUser("user-1"))
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.kind, decodeError(t, w).Type)
			if errors.Is(tc.err, lock.ErrLockContention) {
				assert.Equal(t, lockRetryAfter, w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCreateSubscriptionRejectsMissingPlan(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/billing/subscription", `{}`, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "plan_id", payload.Errors[0].Field)

	w = f.do(http.MethodPost, "/billing/subscription", `not json`, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndCancelSubscription(t *testing.T) {
	f := newFixture(t)
	f.subs.On("GetCurrent", mock.Anything, "user-1").Return(subscriptiondomain.Detail{
		Subscription: subscriptiondomain.Subscription{ID: 7, Status: subscriptiondomain.StatusActive},
	}, nil)
	f.subs.On("Cancel", mock.Anything, "user-1").Return(subscriptiondomain.Subscription{
		ID: 7, Status: subscriptiondomain.StatusActive, CancelAtPeriodEnd: true,
	}, nil)
	f.subs.On("GetCurrent", mock.Anything, "user-2").Return(subscriptiondomain.Detail{}, subscriptiondomain.ErrSubscriptionNotFound)

	w := f.do(http.MethodGet, "/billing/subscription", "", asUser("user-1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"active"`)

	w = f.do(http.MethodDelete, "/billing/subscription", "", asUser("user-1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cancel_at_period_end":true`)

	w = f.do(http.MethodGet, "/billing/subscription", "", asUser("user-2"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckStatusRendersMessage(t *testing.T) {
	f := newFixture(t)
	f.recovery.On("CheckStatus", mock.Anything, "user-1").Return(recoverydomain.Result{
		Success: true, Method: recoverydomain.MethodExistingPayment, Reason: "activated",
		SubscriptionID: 7, Status: subscriptiondomain.StatusActive,
	}, nil)

	w := f.do(http.MethodPost, "/billing/subscription/status", "", asUser("user-1"))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "activated", body["reason"])
	assert.Equal(t, "existing_payment", body["method"])
	assert.NotEmpty(t, body["message"])
}

func TestRecoverSubscription(t *testing.T) {
	f := newFixture(t)
	f.recovery.On("Recover", mock.Anything, recoverydomain.RecoverRequest{
		UserID:           "user-1",
		SubscriptionID:   snowflake.ID(7),
		PaymentReference: "T123",
	}).Return(recoverydomain.Result{Success: true, Method: recoverydomain.MethodPaymentReference, Reason: "activated"}, nil)

	w := f.do(http.MethodPost, "/billing/subscription/recover", `{"subscriptionId":"7","paymentReference":" T123 "}`, asUser("user-1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"method":"payment_reference"`)
}

func TestRecoverSubscriptionErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/billing/subscription/recover", `{"subscriptionId":"abc"}`, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/billing/subscription/recover", `{}`, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.recovery.On("Recover", mock.Anything, mock.MatchedBy(func(r recoverydomain.RecoverRequest) bool {
		return r.SubscriptionID == 8
	})).Return(recoverydomain.Result{}, recoverydomain.ErrNotOwner)
	w = f.do(http.MethodPost, "/billing/subscription/recover", `{"subscriptionId":"8"}`, asUser("user-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	f.recovery.On("Recover", mock.Anything, mock.MatchedBy(func(r recoverydomain.RecoverRequest) bool {
		return r.SubscriptionID == 9
	})).Return(recoverydomain.Result{}, fmt.Errorf("verify: %w", providerdomain.ErrUpstream))
	w = f.do(http.MethodPost, "/billing/subscription/recover", `{"subscriptionId":"9"}`, asUser("user-1"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, decodeError(t, w).Retryable)
}

func asOperator(id, role string) map[string]string {
	return map[string]string{HeaderUserID: id, HeaderOperatorRole: role, HeaderUserEmail: id + "@example.com"}
}

func TestAdminRecover(t *testing.T) {
	f := newFixture(t)
	f.authz.On("Authorize", mock.Anything, authorization.Actor{ID: "ops-1", Role: "admin"},
		authorization.ObjectSubscription, authorization.ActionSubscriptionRecover).Return(nil)
	f.recovery.On("Recover", mock.Anything, recoverydomain.RecoverRequest{
		SubscriptionID:   7,
		PaymentReference: "T-9",
		Admin:            true,
	}).Return(recoverydomain.Result{Success: true, Method: recoverydomain.MethodPaymentReference, Reason: "activated", PaymentRef: "T-9"}, nil)
	f.audit.On("Record", mock.Anything, mock.MatchedBy(func(e auditdomain.Entry) bool {
		return e.Action == auditdomain.ActionSubscriptionRecover &&
			e.ActorType == auditdomain.ActorTypeOperator &&
			e.ActorID == "ops-1" &&
			e.TargetID == "7" &&
			e.Metadata["success"] == true &&
			e.Metadata["operator_email"] == "ops-1@example.com"
	})).Return(nil)

	w := f.do(http.MethodPost, "/admin/billing/subscriptions/7/recover", `{"paymentReference":"T-9"}`, asOperator("ops-1", "admin"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reason":"activated"`)
}

func TestAdminRecoverAuditsFailures(t *testing.T) {
	f := newFixture(t)
	f.authz.On("Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.recovery.On("Recover", mock.Anything, recoverydomain.RecoverRequest{SubscriptionID: 7, Admin: true}).
		Return(recoverydomain.Result{}, subscriptiondomain.ErrSubscriptionNotFound)
	// the audit write failing does not change the response
	f.audit.On("Record", mock.Anything, mock.MatchedBy(func(e auditdomain.Entry) bool {
		return e.Metadata["error"] == "not_found"
	})).Return(errors.New("audit down"))

	w := f.do(http.MethodPost, "/admin/billing/subscriptions/7/recover", "", asOperator("ops-1", "support"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/admin/billing/subscriptions/7/recover", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.authz.On("Authorize", mock.Anything, authorization.Actor{ID: "user-1", Role: ""},
		authorization.ObjectSubscription, authorization.ActionSubscriptionRecover).Return(authorization.ErrForbidden)
	w = f.do(http.MethodPost, "/admin/billing/subscriptions/7/recover", "", asUser("user-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListAuditLogs(t *testing.T) {
	f := newFixture(t)
	f.authz.On("Authorize", mock.Anything, authorization.Actor{ID: "ops-1", Role: "admin"},
		authorization.ObjectAuditLog, authorization.ActionAuditLogView).Return(nil)
	actor := "ops-1"
	f.audit.On("List", mock.Anything, mock.MatchedBy(func(req auditdomain.ListAuditLogRequest) bool {
		return req.Action == auditdomain.ActionSubscriptionRecover && req.PageSize == 20 && req.StartAt != nil
	})).Return(auditdomain.ListAuditLogResponse{
		AuditLogs: []auditdomain.AuditLog{{ID: 1, ActorType: auditdomain.ActorTypeOperator, ActorID: &actor, Action: auditdomain.ActionSubscriptionRecover}},
	}, nil)

	w := f.do(http.MethodGet, "/admin/audit-logs?action=subscription.recover&page_size=20&start_at=2025-01-01T00:00:00Z", "", asOperator("ops-1", "admin"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"audit_logs":[`)
	assert.Contains(t, w.Body.String(), `"actor_id":"ops-1"`)
}

func TestListAuditLogsRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	f.authz.On("Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.audit.On("List", mock.Anything, mock.Anything).Return(auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken)

	w := f.do(http.MethodGet, "/admin/audit-logs?page_token=zzz", "", asOperator("ops-1", "admin"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_page_token")
}

func TestWebhookResponses(t *testing.T) {
	cases := []struct {
		name    string
		outcome webhookdomain.Outcome
		err     error
		status  int
	}{
		{"processed", webhookdomain.Outcome{Action: "activation", Success: true, Reason: "activated"}, nil, http.StatusOK},
		{"business miss", webhookdomain.Outcome{Action: "activation", Reason: "unknown_subscription"}, nil, http.StatusOK},
		{"replay", webhookdomain.Outcome{Action: "activation", Success: true, Reason: "activated", FromCache: true}, nil, http.StatusOK},
		{"bad signature", webhookdomain.Outcome{}, webhookdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{"bad payload", webhookdomain.Outcome{}, fmt.Errorf("decode: %w", webhookdomain.ErrInvalidPayload), http.StatusBadRequest},
		{"lock contention", webhookdomain.Outcome{}, fmt.Errorf("activate: %w", lock.ErrLockContention), http.StatusConflict},
		{"in flight", webhookdomain.Outcome{}, idempotencydomain.ErrInFlight, http.StatusConflict},
		{"database down", webhookdomain.Outcome{}, errors.New("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			body := `{"event":"charge.success","data":{"reference":"T1"}}`
			f.webhooks.On("Process", mock.Anything, []byte(body), mock.MatchedBy(func(h http.Header) bool {
				return h.Get("X-Paystack-Signature") == "sig"
			})).Return(tc.outcome, tc.err)

			w := f.do(http.MethodPost, "/billing/webhook", body, map[string]string{"X-Paystack-Signature": "sig"})
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"reason":"`+tc.outcome.Reason+`"`)
				assert.Contains(t, w.Body.String(), fmt.Sprintf(`"from_cache":%t`, tc.outcome.FromCache))
			}
		})
	}
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.recovery.On("CheckStatus", mock.Anything, "user-1").Return(recoverydomain.Result{Reason: "not_found"}, nil).Times(10)

	for i := 0; i < 10; i++ {
		w := f.do(http.MethodPost, "/billing/subscription/status", "", asUser("user-1"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestDenyRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{log: zap.NewNop()}

	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.POST("/limited", func(c *gin.Context) { s.denyRateLimit(c, 2500*time.Millisecond) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonUserRate, w.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "10", retryAfterSeconds(10*time.Second))
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(recoverydomain.ErrInvalidRequest)
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "invalid_recovery_request", code)

	kind, code = classifyErrorForLog(lock.ErrLockContention)
	assert.Equal(t, "lock_contention", kind)
	assert.Equal(t, "lock_contention", code)
}
