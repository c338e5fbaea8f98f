package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	activationservice "github.com/smallbiznis/collectr/internal/activation/service"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	idempotencyservice "github.com/smallbiznis/collectr/internal/idempotency/service"
	"github.com/smallbiznis/collectr/internal/idempotency/store"
	matcherservice "github.com/smallbiznis/collectr/internal/matcher/service"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/collectr/internal/payment/repository"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
	recoverydomain "github.com/smallbiznis/collectr/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/collectr/internal/subscription/repository"
	"github.com/smallbiznis/collectr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) InitializeTransaction(ctx context.Context, req providerdomain.CheckoutRequest) (*providerdomain.CheckoutSession, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*providerdomain.CheckoutSession)
	return session, args.Error(1)
}

func (m *mockGateway) VerifyTransaction(ctx context.Context, reference string) (*providerdomain.Transaction, error) {
	args := m.Called(ctx, reference)
	tx, _ := args.Get(0).(*providerdomain.Transaction)
	return tx, args.Error(1)
}

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	plan    plandomain.BillingPlan
	gateway *mockGateway
	svc     recoverydomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, testutil.BillingModels()...)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	subs := subscriptionrepo.Provide()
	payments := paymentrepo.Provide()
	gateway := &mockGateway{}

	activation := activationservice.NewService(activationservice.ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Guard:         testutil.NewGuard(t, billing, clk.Now),
		Billing:       billing,
		Subscriptions: subs,
		Payments:      payments,
	})
	idem := idempotencyservice.NewService(idempotencyservice.ServiceParam{
		Store:   store.NewMemoryStore(clk.Now),
		Billing: billing,
		Log:     zap.NewNop(),
	})
	matcher := matcherservice.NewService(matcherservice.ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		Payments:    payments,
		Activation:  activation,
		Idempotency: idem,
	})

	return &fixture{
		db:      db,
		node:    node,
		plan:    testutil.SeedPlan(t, db, node, plandomain.IntervalMonthly),
		gateway: gateway,
		svc: NewService(ServiceParam{
			DB:            db,
			Log:           zap.NewNop(),
			Subscriptions: subs,
			Payments:      payments,
			Activation:    activation,
			Matcher:       matcher,
			Gateway:       gateway,
			Idempotency:   idem,
		}),
	}
}

func (f *fixture) seed(t *testing.T, sub subscriptiondomain.Subscription) subscriptiondomain.Subscription {
	return testutil.SeedSubscription(t, f.db, f.node, f.plan, sub)
}

func (f *fixture) payment(t *testing.T, sub *subscriptiondomain.Subscription, userID, ref string, createdAt time.Time) {
	t.Helper()
	p := paymentdomain.Payment{
		ID:                 f.node.Generate(),
		UserID:             userID,
		Amount:             f.plan.Price,
		Currency:           f.plan.Currency,
		Status:             paymentdomain.StatusSucceeded,
		ProviderPaymentRef: ref,
		PaidAt:             &createdAt,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
	if sub != nil {
		p.SubscriptionID = &sub.ID
	}
	require.NoError(t, f.db.Create(&p).Error)
}

func successTx(ref string, sub subscriptiondomain.Subscription) *providerdomain.Transaction {
	paidAt := time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)
	return &providerdomain.Transaction{
		ID:        "4099260516",
		Reference: ref,
		Status:    providerdomain.StatusSuccess,
		Amount:    sub.Amount,
		Currency:  sub.Currency,
		PaidAt:    &paidAt,
		Metadata:  map[string]any{"subscription_id": sub.ID.String(), "user_id": sub.UserID},
	}
}

func TestCheckStatusAppliesLinkedPayment(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})
	f.payment(t, &sub, sub.UserID, "linked_ref", time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))

	res, err := f.svc.CheckStatus(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, recoverydomain.MethodExistingPayment, res.Method)
	assert.Equal(t, "activated", res.Reason)
	assert.Equal(t, subscriptiondomain.StatusActive, res.Status)
	f.gateway.AssertNotCalled(t, "VerifyTransaction", mock.Anything, mock.Anything)

	var h subscriptiondomain.History
	require.NoError(t, f.db.First(&h, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SourceManualCheck, h.Source)
}

func TestCheckStatusVerifiesCheckoutReference(t *testing.T) {
	f := newFixture(t)
	ref := "sub_1_1"
	sub := f.seed(t, subscriptiondomain.Subscription{CheckoutReference: &ref})
	f.gateway.On("VerifyTransaction", mock.Anything, ref).Return(successTx(ref, sub), nil).Once()

	res, err := f.svc.CheckStatus(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, recoverydomain.MethodCheckoutReference, res.Method)
	assert.Equal(t, "activated", res.Reason)
	assert.EqualValues(t, 1, testutil.CountPayments(t, f.db))
	f.gateway.AssertExpectations(t)
}

func TestCheckStatusPendingCheckoutIsNotCached(t *testing.T) {
	f := newFixture(t)
	ref := "sub_1_2"
	sub := f.seed(t, subscriptiondomain.Subscription{CheckoutReference: &ref})
	f.gateway.On("VerifyTransaction", mock.Anything, ref).
		Return(&providerdomain.Transaction{Reference: ref, Status: "abandoned"}, nil)

	for i := 0; i < 2; i++ {
		res, err := f.svc.CheckStatus(context.Background(), sub.UserID)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, recoverydomain.ReasonPaymentNotSuccessful, res.Reason)
		assert.False(t, res.FromCache)
	}
	f.gateway.AssertNumberOfCalls(t, "VerifyTransaction", 2)
}

func TestCheckStatusWithoutEvidence(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})

	res, err := f.svc.CheckStatus(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.Reason)

	_, err = f.svc.CheckStatus(context.Background(), "nobody")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = f.svc.CheckStatus(context.Background(), " ")
	assert.ErrorIs(t, err, recoverydomain.ErrInvalidRequest)
}

func TestRecoverOwnership(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})
	ctx := context.Background()

	_, err := f.svc.Recover(ctx, recoverydomain.RecoverRequest{UserID: "intruder", SubscriptionID: sub.ID})
	assert.ErrorIs(t, err, recoverydomain.ErrNotOwner)

	res, err := f.svc.Recover(ctx, recoverydomain.RecoverRequest{SubscriptionID: sub.ID, Admin: true})
	require.NoError(t, err)
	assert.Equal(t, recoverydomain.MethodUnlinkedPayment, res.Method)
	assert.Equal(t, "not_found", res.Reason)

	_, err = f.svc.Recover(ctx, recoverydomain.RecoverRequest{UserID: sub.UserID, SubscriptionID: f.node.Generate()})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = f.svc.Recover(ctx, recoverydomain.RecoverRequest{SubscriptionID: sub.ID})
	assert.ErrorIs(t, err, recoverydomain.ErrInvalidRequest)
}

func TestRecoverGatesOnStatus(t *testing.T) {
	f := newFixture(t)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, -1, 0)
	active := f.seed(t, subscriptiondomain.Subscription{
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})
	cancelled := f.seed(t, subscriptiondomain.Subscription{UserID: "user-2", Status: subscriptiondomain.StatusCancelled})

	res, err := f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{
		UserID: active.UserID, SubscriptionID: active.ID, PaymentReference: "anything",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "already_active", res.Reason)

	res, err = f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{
		UserID: cancelled.UserID, SubscriptionID: cancelled.ID,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_state", res.Reason)
	f.gateway.AssertNotCalled(t, "VerifyTransaction", mock.Anything, mock.Anything)
}

func TestRecoverWithReferenceSurfacesUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})
	req := recoverydomain.RecoverRequest{UserID: sub.UserID, SubscriptionID: sub.ID, PaymentReference: "T123"}

	f.gateway.On("VerifyTransaction", mock.Anything, "T123").
		Return(nil, fmt.Errorf("%w: status 502", providerdomain.ErrUpstream)).Once()
	f.gateway.On("VerifyTransaction", mock.Anything, "T123").
		Return(successTx("T123", sub), nil).Once()

	_, err := f.svc.Recover(context.Background(), req)
	assert.ErrorIs(t, err, providerdomain.ErrUpstream)

	res, err := f.svc.Recover(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, recoverydomain.MethodPaymentReference, res.Method)
	assert.Equal(t, "T123", res.PaymentRef)

	var h subscriptiondomain.History
	require.NoError(t, f.db.First(&h, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SourceRecovery, h.Source)
}

func TestRecoverWithReferenceRejectsForeignPayment(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})
	other := f.seed(t, subscriptiondomain.Subscription{UserID: "user-2"})

	f.gateway.On("VerifyTransaction", mock.Anything, "T_other").Return(successTx("T_other", other), nil).Once()
	f.gateway.On("VerifyTransaction", mock.Anything, "T_missing").
		Return(nil, providerdomain.ErrTransactionNotFound).Once()

	res, err := f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{
		UserID: sub.UserID, SubscriptionID: sub.ID, PaymentReference: "T_other",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "payment_mismatch", res.Reason)

	res, err = f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{
		UserID: sub.UserID, SubscriptionID: sub.ID, PaymentReference: "T_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, recoverydomain.ReasonPaymentNotFound, res.Reason)
	assert.Equal(t, subscriptiondomain.StatusIncomplete, testutil.LoadSubscription(t, f.db, sub.ID).Status)
}

func TestRecoverWithoutReferenceLinksNewestOrphan(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, subscriptiondomain.Subscription{})
	t1 := time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC)
	f.payment(t, nil, sub.UserID, "T1", t1)
	f.payment(t, nil, sub.UserID, "T2", t1.Add(30*time.Minute))

	res, err := f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{UserID: sub.UserID, SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, recoverydomain.MethodUnlinkedPayment, res.Method)
	assert.Equal(t, "T2", res.PaymentRef)
	assert.Equal(t, subscriptiondomain.StatusActive, res.Status)
}

func TestRecoverPastDueRenewsFromPreviousEnd(t *testing.T) {
	f := newFixture(t)
	end := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, -1, 0)
	grace := end.Add(72 * time.Hour)
	sub := f.seed(t, subscriptiondomain.Subscription{
		Status:             subscriptiondomain.StatusPastDue,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		GracePeriodEnd:     &grace,
		RetryCount:         1,
	})
	f.gateway.On("VerifyTransaction", mock.Anything, "renew_ref").Return(successTx("renew_ref", sub), nil).Once()

	res, err := f.svc.Recover(context.Background(), recoverydomain.RecoverRequest{
		UserID: sub.UserID, SubscriptionID: sub.ID, PaymentReference: "renew_ref",
	})
	require.NoError(t, err)
	assert.Equal(t, "renewed", res.Reason)

	got := testutil.LoadSubscription(t, f.db, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)))
}
