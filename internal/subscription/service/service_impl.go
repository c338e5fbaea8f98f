package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/lock"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	validate *validator.Validate

	repo        subscriptiondomain.Repository
	payments    paymentdomain.Repository
	plansvc     plandomain.Service
	gateway     providerdomain.Gateway
	guard       *lock.Guard
	metrics     *metrics.Metrics
	callbackURL string
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Repo     subscriptiondomain.Repository
	Payments paymentdomain.Repository
	Plansvc  plandomain.Service
	Gateway  providerdomain.Gateway
	Guard    *lock.Guard
	Metrics  *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		validate: validator.New(),

		repo:        p.Repo,
		payments:    p.Payments,
		plansvc:     p.Plansvc,
		gateway:     p.Gateway,
		guard:       p.Guard,
		metrics:     p.Metrics,
		callbackURL: p.Cfg.Paystack.CallbackURL,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.CreateResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Email = strings.TrimSpace(req.Email)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if err := s.validate.Struct(req); err != nil {
		return subscriptiondomain.CreateResult{}, subscriptiondomain.ErrInvalidSubscription
	}

	plan, err := s.plansvc.Get(ctx, req.PlanID)
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	if !plan.IsActive {
		return subscriptiondomain.CreateResult{}, plandomain.ErrPlanInactive
	}

	var sub *subscriptiondomain.Subscription
	err = s.guard.WithLock(ctx, checkoutKey(req.UserID), func(ctx context.Context) error {
		var err error
		sub, err = s.prepareCheckout(ctx, req.UserID, plan)
		return err
	})
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}

	session, err := s.gateway.InitializeTransaction(ctx, providerdomain.CheckoutRequest{
		Email:       req.Email,
		Amount:      sub.Amount,
		Currency:    sub.Currency,
		Reference:   *sub.CheckoutReference,
		CallbackURL: s.callbackURL,
		Metadata: map[string]any{
			"subscription_id": sub.ID.String(),
			"user_id":         sub.UserID,
			"plan_id":         plan.ID.String(),
		},
	})
	if err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("checkout initialization failed",
			zap.String("subscription_id", sub.ID.String()), zap.Error(err))
		return subscriptiondomain.CreateResult{}, fmt.Errorf("initialize checkout: %w", err)
	}

	return subscriptiondomain.CreateResult{PaymentLink: session.AuthorizationURL, Subscription: *sub}, nil
}

// prepareCheckout reuses the user's incomplete subscription or inserts a new one, and assigns
// the next checkout reference.
func (s *Service) prepareCheckout(ctx context.Context, userID string, plan plandomain.BillingPlan) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindCurrentByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != nil && current.IsLive() {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		now := s.clock.Now()
		if current != nil && current.Status == subscriptiondomain.StatusIncomplete {
			current, err = s.repo.FindByIDForUpdate(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			if current == nil || current.Status != subscriptiondomain.StatusIncomplete {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			current.PlanID = plan.ID
			current.Amount = plan.Price
			current.Currency = plan.Currency
			current.CheckoutAttempts++
			ref := checkoutReference(current.ID, current.CheckoutAttempts)
			current.CheckoutReference = &ref
			current.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, current); err != nil {
				return err
			}
			out = current
			return nil
		}

		id := s.genID.Generate()
		ref := checkoutReference(id, 1)
		sub := &subscriptiondomain.Subscription{
			ID:                id,
			UserID:            userID,
			PlanID:            plan.ID,
			Status:            subscriptiondomain.StatusIncomplete,
			Amount:            plan.Price,
			Currency:          plan.Currency,
			CheckoutReference: &ref,
			CheckoutAttempts:  1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.repo.AppendHistory(ctx, tx, &subscriptiondomain.History{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			NewStatus:      subscriptiondomain.StatusIncomplete,
			Reason:         "checkout_started",
			Source:         subscriptiondomain.SourceUser,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

func (s *Service) GetCurrent(ctx context.Context, userID string) (subscriptiondomain.Detail, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Detail{}, subscriptiondomain.ErrInvalidUser
	}

	sub, err := s.repo.FindCurrentByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Detail{}, err
	}
	if sub == nil {
		return subscriptiondomain.Detail{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	detail := subscriptiondomain.Detail{Subscription: *sub}
	plan, err := s.plansvc.GetByID(ctx, sub.PlanID)
	switch {
	case err == nil:
		detail.Plan = &plan
	case errors.Is(err, plandomain.ErrPlanNotFound):
	default:
		return subscriptiondomain.Detail{}, err
	}

	if detail.Payments, err = s.payments.ListBySubscription(ctx, s.db, sub.ID); err != nil {
		return subscriptiondomain.Detail{}, err
	}
	if detail.History, err = s.repo.ListHistory(ctx, s.db, sub.ID); err != nil {
		return subscriptiondomain.Detail{}, err
	}
	return detail, nil
}

func (s *Service) Cancel(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}

	current, err := s.repo.FindCurrentByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if current == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	var (
		out  subscriptiondomain.Subscription
		from subscriptiondomain.Status
	)
	err = s.guard.WithLock(ctx, lock.SubscriptionKey(current.ID), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := s.repo.FindByIDForUpdate(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			if sub == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			from = sub.Status

			now := s.clock.Now()
			var reason string
			switch sub.Status {
			case subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue:
				if sub.CancelAtPeriodEnd {
					out = *sub
					return nil
				}
				sub.CancelAtPeriodEnd = true
				reason = "cancel_requested"
			case subscriptiondomain.StatusIncomplete:
				sub.Status = subscriptiondomain.StatusCancelled
				sub.CancelledAt = &now
				reason = "checkout_cancelled"
			default:
				return subscriptiondomain.ErrInvalidTransition
			}
			sub.UpdatedAt = now

			if err := s.repo.Update(ctx, tx, sub); err != nil {
				return err
			}
			if err := s.repo.AppendHistory(ctx, tx, &subscriptiondomain.History{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				OldStatus:      from,
				NewStatus:      sub.Status,
				Reason:         reason,
				Source:         subscriptiondomain.SourceUser,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
			out = *sub
			return nil
		})
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if from != out.Status {
		s.metrics.RecordTransition(string(from), string(out.Status), string(subscriptiondomain.SourceUser))
	}
	ctxlogger.WithContext(ctx, s.log).Info("subscription cancellation",
		zap.String("subscription_id", out.ID.String()),
		zap.String("status", string(out.Status)),
		zap.Bool("cancel_at_period_end", out.CancelAtPeriodEnd),
	)
	return out, nil
}

func checkoutKey(userID string) string {
	return "checkout:" + userID
}

func checkoutReference(id snowflake.ID, attempt int) string {
	return fmt.Sprintf("sub_%d_%d", id, attempt)
}
