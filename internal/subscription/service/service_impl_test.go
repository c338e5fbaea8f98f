package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/lock"
	paymentrepo "github.com/smallbiznis/collectr/internal/payment/repository"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	planservice "github.com/smallbiznis/collectr/internal/plan/service"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
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
	clock   *clock.FakeClock
	gateway *mockGateway
	svc     *Service
	plan    plandomain.BillingPlan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, testutil.BillingModels()...)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	gateway := &mockGateway{}

	plans := planservice.NewService(planservice.ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk})
	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      config.Config{Paystack: config.PaystackConfig{CallbackURL: "https://app.example.com/billing/callback"}},
		Repo:     subscriptionrepo.Provide(),
		Payments: paymentrepo.Provide(),
		Plansvc:  plans,
		Gateway:  gateway,
		Guard:    testutil.NewGuard(t, billing, clk.Now),
	}).(*Service)

	return &fixture{
		db:      db,
		node:    node,
		clock:   clk,
		gateway: gateway,
		svc:     svc,
		plan:    testutil.SeedPlan(t, db, node, plandomain.IntervalMonthly),
	}
}

func (f *fixture) expectCheckout(ref string) {
	f.gateway.On("InitializeTransaction", mock.Anything, mock.MatchedBy(func(req providerdomain.CheckoutRequest) bool {
		return req.Reference == ref
	})).Return(&providerdomain.CheckoutSession{
		AuthorizationURL: "https://checkout.paystack.com/" + ref,
		Reference:        ref,
	}, nil).Once()
}

func TestCreateStartsCheckout(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("InitializeTransaction", mock.Anything, mock.AnythingOfType("domain.CheckoutRequest")).
		Return(&providerdomain.CheckoutSession{AuthorizationURL: "https://checkout.paystack.com/x"}, nil).Once()

	res, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID: "user-1",
		Email:  "owner@example.com",
		PlanID: f.plan.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/x", res.PaymentLink)
	assert.Equal(t, subscriptiondomain.StatusIncomplete, res.Subscription.Status)
	assert.Equal(t, f.plan.Price, res.Subscription.Amount)
	require.NotNil(t, res.Subscription.CheckoutReference)

	call := f.gateway.Calls[0].Arguments.Get(1).(providerdomain.CheckoutRequest)
	assert.Equal(t, *res.Subscription.CheckoutReference, call.Reference)
	assert.Equal(t, res.Subscription.ID.String(), call.Metadata["subscription_id"])
	assert.Equal(t, "user-1", call.Metadata["user_id"])
	assert.Equal(t, "https://app.example.com/billing/callback", call.CallbackURL)
	assert.Equal(t, int64(1), testutil.CountHistory(t, f.db, res.Subscription.ID))
}

func TestCreateReusesIncomplete(t *testing.T) {
	f := newFixture(t)
	sub := testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{CheckoutAttempts: 1})
	ref := checkoutReference(sub.ID, 2)
	f.expectCheckout(ref)

	res, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID: "user-1",
		Email:  "owner@example.com",
		PlanID: f.plan.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, res.Subscription.ID)
	assert.Equal(t, ref, *res.Subscription.CheckoutReference)
	f.gateway.AssertExpectations(t)
}

func TestCreateRejectsLiveSubscription(t *testing.T) {
	f := newFixture(t)
	testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{Status: subscriptiondomain.StatusActive})

	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID: "user-1",
		Email:  "owner@example.com",
		PlanID: f.plan.ID.String(),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
	f.gateway.AssertNotCalled(t, "InitializeTransaction", mock.Anything, mock.Anything)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{UserID: "user-1", Email: "nope", PlanID: f.plan.ID.String()})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidSubscription)

	_, err = f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{UserID: "user-1", Email: "owner@example.com", PlanID: "42"})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestCreateSurfacesUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("InitializeTransaction", mock.Anything, mock.Anything).Return(nil, providerdomain.ErrUpstream).Once()

	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID: "user-1",
		Email:  "owner@example.com",
		PlanID: f.plan.ID.String(),
	})
	assert.ErrorIs(t, err, providerdomain.ErrUpstream)
}

func TestCancelActiveAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	end := f.clock.Now().AddDate(0, 0, 15)
	start := end.AddDate(0, -1, 0)
	sub := testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})

	got, err := f.svc.Cancel(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)

	stored := testutil.LoadSubscription(t, f.db, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.True(t, stored.CurrentPeriodEnd.Equal(end))

	// a second request is a no-op
	_, err = f.svc.Cancel(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), testutil.CountHistory(t, f.db, sub.ID))
}

func TestCancelIncompleteIsImmediate(t *testing.T) {
	f := newFixture(t)
	sub := testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{})

	got, err := f.svc.Cancel(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
	assert.False(t, got.CancelAtPeriodEnd)
	assert.NotNil(t, testutil.LoadSubscription(t, f.db, sub.ID).CancelledAt)

	_, err = f.svc.Cancel(context.Background(), "user-1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancelWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(context.Background(), "nobody")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestCancelContended(t *testing.T) {
	f := newFixture(t)
	sub := testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{})

	cfg := config.DefaultBillingConfig()
	cfg.LockAcquireTimeout = 0
	locker := lock.NewMemoryLocker(nil)
	f.svc.guard = lock.NewGuard(lock.GuardParams{Locker: locker, Billing: config.NewStaticBillingConfigHolder(cfg), Log: zap.NewNop()})
	_, _, err := locker.TryLock(context.Background(), lock.SubscriptionKey(sub.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), "user-1")
	assert.True(t, errors.Is(err, lock.ErrLockContention))
}

func TestGetCurrent(t *testing.T) {
	f := newFixture(t)
	sub := testutil.SeedSubscription(t, f.db, f.node, f.plan, subscriptiondomain.Subscription{})

	detail, err := f.svc.GetCurrent(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, detail.Subscription.ID)
	require.NotNil(t, detail.Plan)
	assert.Equal(t, f.plan.ID, detail.Plan.ID)
	assert.Empty(t, detail.Payments)

	_, err = f.svc.GetCurrent(context.Background(), "nobody")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}
