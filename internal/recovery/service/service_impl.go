package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	activationdomain "github.com/smallbiznis/collectr/internal/activation/domain"
	idempotencydomain "github.com/smallbiznis/collectr/internal/idempotency/domain"
	matcherdomain "github.com/smallbiznis/collectr/internal/matcher/domain"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
	recoverydomain "github.com/smallbiznis/collectr/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Subscriptions subscriptiondomain.Repository
	Payments      paymentdomain.Repository
	Activation    activationdomain.Service
	Matcher       matcherdomain.Matcher
	Gateway       providerdomain.Gateway
	Idempotency   idempotencydomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	validate      *validator.Validate
	subscriptions subscriptiondomain.Repository
	payments      paymentdomain.Repository
	activation    activationdomain.Service
	matcher       matcherdomain.Matcher
	gateway       providerdomain.Gateway
	idempotency   idempotencydomain.Service
	metrics       *metrics.Metrics
}

func NewService(p ServiceParam) recoverydomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("recovery.service"),
		validate:      validator.New(),
		subscriptions: p.Subscriptions,
		payments:      p.Payments,
		activation:    p.Activation,
		matcher:       p.Matcher,
		gateway:       p.Gateway,
		idempotency:   p.Idempotency,
		metrics:       p.Metrics,
	}
}

// unsettled is returned from inside an idempotent call so that a charge that has not
// completed yet is not cached as a final answer.
type unsettled struct {
	reason string
}

func (e *unsettled) Error() string { return e.reason }

func (s *Service) CheckStatus(ctx context.Context, userID string) (recoverydomain.Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return recoverydomain.Result{}, recoverydomain.ErrInvalidRequest
	}
	sub, err := s.subscriptions.FindCurrentByUserID(ctx, s.db, userID)
	if err != nil {
		return recoverydomain.Result{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return recoverydomain.Result{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	result, err := s.checkStatus(ctx, *sub)
	s.finish(ctx, *sub, result, err)
	return result, err
}

func (s *Service) checkStatus(ctx context.Context, sub subscriptiondomain.Subscription) (recoverydomain.Result, error) {
	if result, done := gate(sub); done {
		return result, nil
	}

	result, found, err := s.fromExistingPayment(ctx, sub)
	if err != nil || found {
		return result, err
	}

	if sub.CheckoutReference != nil && *sub.CheckoutReference != "" {
		return s.fromProvider(ctx, sub, *sub.CheckoutReference, recoverydomain.MethodCheckoutReference, subscriptiondomain.SourceManualCheck)
	}
	return notFound(sub, recoverydomain.MethodExistingPayment), nil
}

func (s *Service) Recover(ctx context.Context, req recoverydomain.RecoverRequest) (recoverydomain.Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	if err := s.validate.Struct(req); err != nil {
		return recoverydomain.Result{}, recoverydomain.ErrInvalidRequest
	}

	sub, err := s.subscriptions.FindByID(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return recoverydomain.Result{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return recoverydomain.Result{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if !req.Admin && sub.UserID != req.UserID {
		return recoverydomain.Result{}, recoverydomain.ErrNotOwner
	}

	result, err := s.recover(ctx, *sub, req.PaymentReference)
	s.finish(ctx, *sub, result, err, zap.Bool("admin", req.Admin))
	return result, err
}

func (s *Service) recover(ctx context.Context, sub subscriptiondomain.Subscription, reference string) (recoverydomain.Result, error) {
	if result, done := gate(sub); done {
		return result, nil
	}

	result, found, err := s.fromExistingPayment(ctx, sub)
	if err != nil || found {
		return result, err
	}

	if reference != "" {
		return s.fromProvider(ctx, sub, reference, recoverydomain.MethodPaymentReference, subscriptiondomain.SourceRecovery)
	}

	matched, err := s.matcher.Match(ctx, sub)
	if err != nil {
		return recoverydomain.Result{}, err
	}
	return recoverydomain.Result{
		Success:        matched.Success,
		Method:         recoverydomain.MethodUnlinkedPayment,
		Reason:         matched.Reason,
		SubscriptionID: sub.ID,
		Status:         matched.Status,
		PaymentRef:     matched.PaymentRef,
		FromCache:      matched.FromCache,
	}, nil
}

// gate answers without touching payment evidence when sub cannot be recovered.
func gate(sub subscriptiondomain.Subscription) (recoverydomain.Result, bool) {
	base := recoverydomain.Result{SubscriptionID: sub.ID, Status: sub.Status}
	switch sub.Status {
	case subscriptiondomain.StatusActive:
		base.Success = true
		base.Reason = string(activationdomain.ReasonAlreadyActive)
		return base, true
	case subscriptiondomain.StatusCancelled:
		base.Reason = string(activationdomain.ReasonInvalidState)
		return base, true
	}
	return base, false
}

// fromExistingPayment applies a succeeded payment that is linked to sub but was never applied.
func (s *Service) fromExistingPayment(ctx context.Context, sub subscriptiondomain.Subscription) (recoverydomain.Result, bool, error) {
	payment, err := s.payments.FindUnappliedSucceeded(ctx, s.db, sub.ID)
	if err != nil {
		return recoverydomain.Result{}, false, fmt.Errorf("load linked payment: %w", err)
	}
	if payment == nil {
		return recoverydomain.Result{}, false, nil
	}

	pd := activationdomain.PaymentData{
		Reference:     payment.ProviderPaymentRef,
		UserID:        payment.UserID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaidAt:        payment.PaidAt,
		Authorization: payment.Authorization,
	}
	if payment.ProviderPaymentID != nil {
		pd.PaymentID = *payment.ProviderPaymentID
	}

	key := idempotencydomain.RecoveryKey(sub.ID, payment.Amount, payment.ProviderPaymentRef)
	result, err := s.activate(ctx, key, sub, recoverydomain.MethodExistingPayment, func(ctx context.Context) (activationdomain.Result, error) {
		return s.activation.Activate(ctx, activationdomain.Request{
			SubscriptionID: sub.ID,
			Payment:        pd,
			Source:         subscriptiondomain.SourceManualCheck,
			Kind:           kindFor(sub),
		})
	})
	return result, true, err
}

// fromProvider verifies reference live with the provider and applies it when it succeeded.
func (s *Service) fromProvider(ctx context.Context, sub subscriptiondomain.Subscription, reference string, method recoverydomain.Method, source subscriptiondomain.Source) (recoverydomain.Result, error) {
	key := idempotencydomain.RecoveryKey(sub.ID, sub.Amount, reference)
	result, err := s.activate(ctx, key, sub, method, func(ctx context.Context) (activationdomain.Result, error) {
		tx, err := s.gateway.VerifyTransaction(ctx, reference)
		if err != nil {
			if errors.Is(err, providerdomain.ErrTransactionNotFound) {
				return activationdomain.Result{}, &unsettled{reason: recoverydomain.ReasonPaymentNotFound}
			}
			return activationdomain.Result{}, err
		}
		if !tx.Succeeded() {
			return activationdomain.Result{}, &unsettled{reason: recoverydomain.ReasonPaymentNotSuccessful}
		}

		meta := tx.Metadata
		if id := metaString(meta, "subscription_id"); id != "" && id != sub.ID.String() {
			return activationdomain.Result{Reason: activationdomain.ReasonPaymentMismatch, SubscriptionID: sub.ID, Status: sub.Status}, nil
		}

		ref := tx.Reference
		if ref == "" {
			ref = reference
		}
		return s.activation.Activate(ctx, activationdomain.Request{
			SubscriptionID: sub.ID,
			Payment: activationdomain.PaymentData{
				Reference:     ref,
				PaymentID:     tx.ID,
				UserID:        metaString(meta, "user_id"),
				Amount:        tx.Amount,
				Currency:      tx.Currency,
				PaidAt:        tx.PaidAt,
				Authorization: tx.Authorization,
			},
			Source: source,
			Kind:   kindFor(sub),
		})
	})
	if result.PaymentRef == "" {
		result.PaymentRef = reference
	}
	return result, err
}

func (s *Service) activate(
	ctx context.Context,
	key string,
	sub subscriptiondomain.Subscription,
	method recoverydomain.Method,
	fn func(ctx context.Context) (activationdomain.Result, error),
) (recoverydomain.Result, error) {
	out := recoverydomain.Result{Method: method, SubscriptionID: sub.ID, Status: sub.Status}

	activated, res, err := idempotencydomain.Do(ctx, s.idempotency, key, fn)
	if err != nil {
		var u *unsettled
		if errors.As(err, &u) {
			out.Reason = u.reason
			return out, nil
		}
		return recoverydomain.Result{}, err
	}

	out.Success = activated.Success
	out.Reason = string(activated.Reason)
	out.FromCache = res.FromCache
	if activated.Status != "" {
		out.Status = activated.Status
	}
	return out, nil
}

func (s *Service) finish(ctx context.Context, sub subscriptiondomain.Subscription, result recoverydomain.Result, err error, fields ...zap.Field) {
	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("subscription_id", sub.ID.String()))
	if err != nil {
		s.metrics.RecordRecovery(string(result.Method), "error")
		log.Warn("recovery failed", append(fields, zap.Error(err))...)
		return
	}
	s.metrics.RecordRecovery(string(result.Method), result.Reason)
	log.Info("recovery finished", append(fields,
		zap.String("method", string(result.Method)),
		zap.String("reason", result.Reason),
		zap.Bool("success", result.Success),
		zap.Bool("from_cache", result.FromCache),
	)...)
}

func notFound(sub subscriptiondomain.Subscription, method recoverydomain.Method) recoverydomain.Result {
	return recoverydomain.Result{
		Method:         method,
		Reason:         string(activationdomain.ReasonNotFound),
		SubscriptionID: sub.ID,
		Status:         sub.Status,
	}
}

func kindFor(sub subscriptiondomain.Subscription) activationdomain.Kind {
	if sub.Status == subscriptiondomain.StatusPastDue {
		return activationdomain.KindRenewal
	}
	return activationdomain.KindActivation
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return snowflake.ID(int64(v)).String()
	default:
		return ""
	}
}
