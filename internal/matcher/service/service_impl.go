package service

import (
	"context"
	"fmt"
	"strings"

	activationdomain "github.com/smallbiznis/collectr/internal/activation/domain"
	idempotencydomain "github.com/smallbiznis/collectr/internal/idempotency/domain"
	matcherdomain "github.com/smallbiznis/collectr/internal/matcher/domain"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Payments    paymentdomain.Repository
	Activation  activationdomain.Service
	Idempotency idempotencydomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	payments    paymentdomain.Repository
	activation  activationdomain.Service
	idempotency idempotencydomain.Service
}

func NewService(p ServiceParam) matcherdomain.Matcher {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("matcher.service"),
		payments:    p.Payments,
		activation:  p.Activation,
		idempotency: p.Idempotency,
	}
}

func (s *Service) Match(ctx context.Context, sub subscriptiondomain.Subscription) (matcherdomain.Result, error) {
	out := matcherdomain.Result{Method: matcherdomain.MethodUnlinkedPayment, SubscriptionID: sub.ID, Status: sub.Status}

	orphans, err := s.payments.ListOrphanedSucceeded(ctx, s.db, sub.UserID)
	if err != nil {
		return matcherdomain.Result{}, fmt.Errorf("list orphaned payments: %w", err)
	}
	candidate := newestEligible(orphans, sub)
	if candidate == nil {
		out.Reason = matcherdomain.ReasonNotFound
		return out, nil
	}
	out.PaymentRef = candidate.ProviderPaymentRef

	log := ctxlogger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", sub.ID.String()),
		zap.String("payment_ref", candidate.ProviderPaymentRef),
	)
	log.Info("matched orphaned payment", zap.Int("candidates", len(orphans)))

	key := idempotencydomain.RecoveryKey(sub.ID, candidate.Amount, candidate.ProviderPaymentRef)
	result, res, err := idempotencydomain.Do(ctx, s.idempotency, key, func(ctx context.Context) (activationdomain.Result, error) {
		return s.activation.Activate(ctx, activationdomain.Request{
			SubscriptionID: sub.ID,
			Payment:        paymentData(*candidate),
			Source:         subscriptiondomain.SourceRecovery,
			Kind:           activationdomain.KindActivation,
		})
	})
	if err != nil {
		return matcherdomain.Result{}, err
	}

	out.Success = result.Success
	out.Reason = string(result.Reason)
	out.FromCache = res.FromCache
	if result.Status != "" {
		out.Status = result.Status
	}
	return out, nil
}

// newestEligible returns the first payment able to pay for sub. payments is ordered newest first.
func newestEligible(payments []paymentdomain.Payment, sub subscriptiondomain.Subscription) *paymentdomain.Payment {
	for i := range payments {
		p := payments[i]
		if !strings.EqualFold(p.Currency, sub.Currency) || p.Amount < sub.Amount {
			continue
		}
		return &p
	}
	return nil
}

func paymentData(p paymentdomain.Payment) activationdomain.PaymentData {
	pd := activationdomain.PaymentData{
		Reference:     p.ProviderPaymentRef,
		UserID:        p.UserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaidAt:        p.PaidAt,
		Authorization: p.Authorization,
	}
	if p.ProviderPaymentID != nil {
		pd.PaymentID = *p.ProviderPaymentID
	}
	return pd
}
