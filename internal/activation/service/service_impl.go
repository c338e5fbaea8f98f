package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activationdomain "github.com/smallbiznis/collectr/internal/activation/domain"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/lock"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"github.com/smallbiznis/collectr/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Guard         *lock.Guard
	Billing       *config.BillingConfigHolder
	Subscriptions subscriptiondomain.Repository
	Payments      paymentdomain.Repository
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	guard         *lock.Guard
	billing       *config.BillingConfigHolder
	subscriptions subscriptiondomain.Repository
	payments      paymentdomain.Repository
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

func NewService(p ServiceParam) activationdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("activation.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		guard:         p.Guard,
		billing:       p.Billing,
		subscriptions: p.Subscriptions,
		payments:      p.Payments,
		metrics:       p.Metrics,
		tracer:        otel.Tracer("collectr/activation"),
	}
}

// transition is recorded after commit.
type transition struct {
	from subscriptiondomain.Status
	to   subscriptiondomain.Status
}

func (s *Service) Activate(ctx context.Context, req activationdomain.Request) (activationdomain.Result, error) {
	return s.run(ctx, "activation.Activate", req, s.activate)
}

func (s *Service) RecordFailedRenewal(ctx context.Context, req activationdomain.Request) (activationdomain.Result, error) {
	return s.run(ctx, "activation.RecordFailedRenewal", req, s.recordFailure)
}

type stepFunc func(ctx context.Context, tx *gorm.DB, req activationdomain.Request) (activationdomain.Result, *transition, error)

func (s *Service) run(ctx context.Context, spanName string, req activationdomain.Request, step stepFunc) (activationdomain.Result, error) {
	req.Payment.Reference = strings.TrimSpace(req.Payment.Reference)
	if req.SubscriptionID == 0 || req.Payment.Reference == "" {
		return activationdomain.Result{}, activationdomain.ErrInvalidRequest
	}
	if req.Source == "" {
		req.Source = subscriptiondomain.SourceWebhook
	}

	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("subscription.id", req.SubscriptionID.String()),
		attribute.String("payment.reference", req.Payment.Reference),
		attribute.String("activation.source", string(req.Source)),
		attribute.String("activation.kind", string(req.Kind)),
	))
	defer span.End()

	log := ctxlogger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", req.SubscriptionID.String()),
		zap.String("payment_ref", req.Payment.Reference),
		zap.String("source", string(req.Source)),
	)

	var (
		result activationdomain.Result
		moved  *transition
	)
	err := s.guard.WithLock(ctx, lock.SubscriptionKey(req.SubscriptionID), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, moved, err = step(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		if errors.Is(err, lock.ErrLockContention) {
			log.Info("subscription busy, caller should retry")
		} else {
			log.Error("activation failed", zap.Error(err))
		}
		return activationdomain.Result{}, err
	}

	span.SetAttributes(attribute.String("activation.reason", string(result.Reason)))
	s.metrics.RecordActivation(string(result.Reason))
	if moved != nil {
		s.metrics.RecordTransition(string(moved.from), string(moved.to), string(req.Source))
		log.Info("subscription transitioned",
			zap.String("from", string(moved.from)),
			zap.String("to", string(moved.to)),
			zap.String("reason", string(result.Reason)),
		)
	} else {
		log.Debug("activation no-op", zap.String("reason", string(result.Reason)))
	}
	return result, nil
}

func (s *Service) activate(ctx context.Context, tx *gorm.DB, req activationdomain.Request) (activationdomain.Result, *transition, error) {
	sub, err := s.subscriptions.FindByIDForUpdate(ctx, tx, req.SubscriptionID)
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return activationdomain.Result{Reason: activationdomain.ReasonNotFound, SubscriptionID: req.SubscriptionID}, nil, nil
	}

	pd := req.Payment
	existing, err := s.payments.FindByReference(ctx, tx, pd.Reference)
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("load payment: %w", err)
	}
	if existing != nil {
		if !ownedBy(*existing, *sub) {
			return resultFor(false, activationdomain.ReasonPaymentMismatch, sub), nil, nil
		}
		if existing.Applied() && existing.Status == paymentdomain.StatusSucceeded {
			if sub.Status == subscriptiondomain.StatusActive {
				return resultFor(true, activationdomain.ReasonAlreadyActive, sub), nil, nil
			}
			return resultFor(true, activationdomain.ReasonAlreadyProcessed, sub), nil, nil
		}
	}

	now := s.clock.Now()
	paidAt := now
	if pd.PaidAt != nil && !pd.PaidAt.IsZero() {
		paidAt = pd.PaidAt.UTC()
	}

	if mismatched(pd, *sub) {
		if existing == nil {
			if _, err := s.payments.Upsert(ctx, tx, s.newPayment(pd, sub, nil, paymentdomain.StatusSucceeded, paidAt, now)); err != nil {
				return activationdomain.Result{}, nil, fmt.Errorf("record mismatched payment: %w", err)
			}
		}
		return resultFor(false, activationdomain.ReasonPaymentMismatch, sub), nil, nil
	}

	// At most one subscription per user is open. A charge for a checkout the user already
	// replaced stays unlinked for the matcher.
	if sub.Status == subscriptiondomain.StatusCancelled {
		open, err := s.openSibling(ctx, tx, sub)
		if err != nil {
			return activationdomain.Result{}, nil, err
		}
		if open != nil {
			if existing == nil {
				if _, err := s.payments.Upsert(ctx, tx, s.newPayment(pd, sub, nil, paymentdomain.StatusSucceeded, paidAt, now)); err != nil {
					return activationdomain.Result{}, nil, fmt.Errorf("record superseded payment: %w", err)
				}
			}
			ctxlogger.WithContext(ctx, s.log).Warn("payment for cancelled subscription kept unlinked",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("open_subscription_id", open.ID.String()),
				zap.String("payment_ref", pd.Reference),
			)
			return resultFor(false, activationdomain.ReasonSuperseded, sub), nil, nil
		}
	}

	// An activation charge inside the paid period is kept as linked evidence but not applied,
	// so a later renewal event for the same charge can still advance the period.
	if sub.Status == subscriptiondomain.StatusActive && req.Kind != activationdomain.KindRenewal && sub.PeriodCovers(paidAt) {
		if _, err := s.payments.Upsert(ctx, tx, s.newPayment(pd, sub, &sub.ID, paymentdomain.StatusSucceeded, paidAt, now)); err != nil {
			return activationdomain.Result{}, nil, fmt.Errorf("record payment: %w", err)
		}
		return resultFor(true, activationdomain.ReasonAlreadyActive, sub), nil, nil
	}

	plan, err := repository.ProvideStore[plandomain.BillingPlan](tx).FindOne(ctx, &plandomain.BillingPlan{ID: sub.PlanID})
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("load plan: %w", err)
	}
	if plan == nil {
		return activationdomain.Result{}, nil, fmt.Errorf("plan %s for subscription %s: %w", sub.PlanID, sub.ID, plandomain.ErrPlanNotFound)
	}

	payment, err := s.payments.Upsert(ctx, tx, s.newPayment(pd, sub, &sub.ID, paymentdomain.StatusSucceeded, paidAt, now))
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("record payment: %w", err)
	}
	if !payment.LinkedTo(sub.ID) {
		return resultFor(false, activationdomain.ReasonPaymentMismatch, sub), nil, nil
	}

	from := sub.Status
	reason := activationdomain.ReasonActivated
	start := now
	if sub.IsLive() && sub.CurrentPeriodEnd != nil {
		reason = activationdomain.ReasonRenewed
		start = *sub.CurrentPeriodEnd
	}
	end := plan.Interval.Next(start)

	sub.Status = subscriptiondomain.StatusActive
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.RetryCount = 0
	sub.GracePeriodEnd = nil
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	if sub.ProviderSubscriptionID == nil {
		if code := providerSubscriptionCode(pd); code != "" {
			sub.ProviderSubscriptionID = &code
		}
	}
	sub.UpdatedAt = now

	if err := s.subscriptions.Update(ctx, tx, sub); err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("update subscription: %w", err)
	}
	if err := s.appendHistory(ctx, tx, sub.ID, from, sub.Status, string(reason), req.Source, pd.Reference, now); err != nil {
		return activationdomain.Result{}, nil, err
	}
	if err := s.payments.MarkApplied(ctx, tx, payment.ID, now); err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("mark payment applied: %w", err)
	}

	return resultFor(true, reason, sub), &transition{from: from, to: sub.Status}, nil
}

func (s *Service) recordFailure(ctx context.Context, tx *gorm.DB, req activationdomain.Request) (activationdomain.Result, *transition, error) {
	sub, err := s.subscriptions.FindByIDForUpdate(ctx, tx, req.SubscriptionID)
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return activationdomain.Result{Reason: activationdomain.ReasonNotFound, SubscriptionID: req.SubscriptionID}, nil, nil
	}

	pd := req.Payment
	existing, err := s.payments.FindByReference(ctx, tx, pd.Reference)
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("load payment: %w", err)
	}
	if existing != nil {
		if !ownedBy(*existing, *sub) {
			return resultFor(false, activationdomain.ReasonPaymentMismatch, sub), nil, nil
		}
		if existing.Applied() || existing.Status == paymentdomain.StatusSucceeded {
			return resultFor(true, activationdomain.ReasonAlreadyProcessed, sub), nil, nil
		}
	}

	now := s.clock.Now()
	payment, err := s.payments.Upsert(ctx, tx, s.newPayment(pd, sub, &sub.ID, paymentdomain.StatusFailed, now, now))
	if err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("record failed payment: %w", err)
	}
	if err := s.payments.MarkApplied(ctx, tx, payment.ID, now); err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("mark payment applied: %w", err)
	}

	if !sub.IsLive() {
		return resultFor(false, activationdomain.ReasonInvalidState, sub), nil, nil
	}

	cfg := s.billing.Get()
	failedAt := now
	if pd.PaidAt != nil && !pd.PaidAt.IsZero() {
		failedAt = pd.PaidAt.UTC()
	}
	if paidWellPast(*sub, failedAt, cfg.RenewalLeadWindow) {
		ctxlogger.WithContext(ctx, s.log).Info("failed charge predates paid period, subscription unchanged",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("payment_ref", pd.Reference),
			zap.Time("period_end", *sub.CurrentPeriodEnd),
		)
		return resultFor(true, activationdomain.ReasonAlreadyProcessed, sub), nil, nil
	}

	from := sub.Status
	sub.RetryCount++
	sub.UpdatedAt = now

	var (
		reason        activationdomain.Reason
		historyReason string
	)
	if sub.RetryCount >= cfg.MaxRetries {
		sub.Status = subscriptiondomain.StatusCancelled
		sub.CancelAtPeriodEnd = false
		sub.GracePeriodEnd = nil
		sub.CancelledAt = &now
		reason = activationdomain.ReasonCancelled
		historyReason = "renewal_retries_exhausted"
	} else {
		grace := now.Add(cfg.GracePeriod)
		sub.Status = subscriptiondomain.StatusPastDue
		sub.GracePeriodEnd = &grace
		reason = activationdomain.ReasonPastDue
		historyReason = "renewal_failed"
	}

	if err := s.subscriptions.Update(ctx, tx, sub); err != nil {
		return activationdomain.Result{}, nil, fmt.Errorf("update subscription: %w", err)
	}
	if err := s.appendHistory(ctx, tx, sub.ID, from, sub.Status, historyReason, req.Source, pd.Reference, now); err != nil {
		return activationdomain.Result{}, nil, err
	}

	return resultFor(true, reason, sub), &transition{from: from, to: sub.Status}, nil
}

// openSibling returns another non-cancelled subscription of the same user, if any.
func (s *Service) openSibling(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*subscriptiondomain.Subscription, error) {
	current, err := s.subscriptions.FindCurrentByUserID(ctx, tx, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("load current subscription: %w", err)
	}
	if current == nil || current.ID == sub.ID || current.Status == subscriptiondomain.StatusCancelled {
		return nil, nil
	}
	return current, nil
}

// paidWellPast reports whether an active subscription is paid through a period ending more
// than lead after failedAt, which makes the failure stale.
func paidWellPast(sub subscriptiondomain.Subscription, failedAt time.Time, lead time.Duration) bool {
	if sub.Status != subscriptiondomain.StatusActive || sub.CurrentPeriodEnd == nil {
		return false
	}
	return failedAt.Add(lead).Before(*sub.CurrentPeriodEnd)
}

func (s *Service) newPayment(
	pd activationdomain.PaymentData,
	sub *subscriptiondomain.Subscription,
	linkTo *snowflake.ID,
	status paymentdomain.Status,
	paidAt, now time.Time,
) *paymentdomain.Payment {
	userID := strings.TrimSpace(pd.UserID)
	if userID == "" {
		userID = sub.UserID
	}
	amount := pd.Amount
	if amount <= 0 {
		amount = sub.Amount
	}
	currency := strings.ToUpper(strings.TrimSpace(pd.Currency))
	if currency == "" {
		currency = sub.Currency
	}

	payment := &paymentdomain.Payment{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		SubscriptionID:     linkTo,
		Amount:             amount,
		Currency:           currency,
		Status:             status,
		ProviderPaymentRef: pd.Reference,
		Authorization:      pd.Authorization,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if id := strings.TrimSpace(pd.PaymentID); id != "" {
		payment.ProviderPaymentID = &id
	}
	if status == paymentdomain.StatusSucceeded {
		payment.PaidAt = &paidAt
	}
	if status == paymentdomain.StatusFailed {
		reason := strings.TrimSpace(pd.FailureReason)
		if reason == "" {
			reason = "renewal_charge_failed"
		}
		payment.FailureReason = &reason
	}
	return payment
}

func (s *Service) appendHistory(
	ctx context.Context,
	tx *gorm.DB,
	subscriptionID snowflake.ID,
	from, to subscriptiondomain.Status,
	reason string,
	source subscriptiondomain.Source,
	reference string,
	now time.Time,
) error {
	ref := reference
	if err := s.subscriptions.AppendHistory(ctx, tx, &subscriptiondomain.History{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		OldStatus:      from,
		NewStatus:      to,
		Reason:         reason,
		Source:         source,
		PaymentRef:     &ref,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ownedBy reports whether a recorded payment may drive sub: it is orphaned or linked to sub,
// and belongs to the same user.
func ownedBy(payment paymentdomain.Payment, sub subscriptiondomain.Subscription) bool {
	if payment.SubscriptionID != nil && *payment.SubscriptionID != sub.ID {
		return false
	}
	return payment.UserID == "" || payment.UserID == sub.UserID
}

// mismatched reports evidence that cannot pay for sub's committed price.
func mismatched(pd activationdomain.PaymentData, sub subscriptiondomain.Subscription) bool {
	if userID := strings.TrimSpace(pd.UserID); userID != "" && userID != sub.UserID {
		return true
	}
	if currency := strings.TrimSpace(pd.Currency); currency != "" && !strings.EqualFold(currency, sub.Currency) {
		return true
	}
	return pd.Amount > 0 && pd.Amount < sub.Amount
}

func providerSubscriptionCode(pd activationdomain.PaymentData) string {
	if code := strings.TrimSpace(pd.ProviderSubscriptionCode); code != "" {
		return code
	}
	if pd.Authorization == nil {
		return ""
	}
	if reusable, ok := pd.Authorization["reusable"].(bool); ok && !reusable {
		return ""
	}
	code, _ := pd.Authorization["authorization_code"].(string)
	return strings.TrimSpace(code)
}

func resultFor(success bool, reason activationdomain.Reason, sub *subscriptiondomain.Subscription) activationdomain.Result {
	return activationdomain.Result{
		Success:        success,
		Reason:         reason,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
	}
}
