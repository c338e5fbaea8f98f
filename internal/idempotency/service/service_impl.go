package service

import (
	"context"
	"time"

	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/idempotency/domain"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	pollInterval   = 50 * time.Millisecond
	cleanupTimeout = 5 * time.Second
)

type ServiceParam struct {
	fx.In

	Store   domain.Store
	Billing *config.BillingConfigHolder
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store   domain.Store
	billing *config.BillingConfigHolder
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		store:   p.Store,
		billing: p.Billing,
		log:     p.Log.Named("idempotency.service"),
		metrics: p.Metrics,
	}
}

func (s *Service) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) (domain.Result, error) {
	if key == "" {
		return domain.Result{}, domain.ErrInvalidKey
	}

	cfg := s.billing.Get()
	deadline := time.Now().Add(cfg.IdempotencyWaitTimeout)

	for {
		reserved, err := s.store.Reserve(ctx, key, cfg.IdempotencyReservationTTL)
		if err != nil {
			return s.failOpen(ctx, "reserve", key, fn, err)
		}
		if reserved {
			return s.execute(ctx, key, cfg.IdempotencyTTL, fn)
		}

		rec, err := s.store.Get(ctx, key)
		if err != nil {
			return s.failOpen(ctx, "get", key, fn, err)
		}
		if rec != nil && rec.State == domain.StateCompleted {
			s.metrics.RecordIdempotency("cached")
			return domain.Result{FromCache: true, Value: rec.Value}, nil
		}

		if !time.Now().Before(deadline) {
			s.metrics.RecordIdempotency("in_flight")
			ctxlogger.WithContext(ctx, s.log).Info("idempotent operation still in flight", zap.String("key", key))
			return domain.Result{}, domain.ErrInFlight
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) execute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) (domain.Result, error) {
	value, err := fn(ctx)
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if rerr := s.store.Release(cctx, key); rerr != nil {
			ctxlogger.WithContext(ctx, s.log).Warn("release idempotency reservation failed",
				zap.String("key", key), zap.Error(rerr))
		}
		s.metrics.RecordIdempotency("error")
		return domain.Result{}, err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if cerr := s.store.Complete(cctx, key, value, ttl); cerr != nil {
		s.metrics.RecordIdempotencyDegraded("complete")
		ctxlogger.WithContext(ctx, s.log).Warn("store idempotent result failed",
			zap.String("key", key), zap.Error(cerr))
	}

	s.metrics.RecordIdempotency("new")
	return domain.Result{IsNew: true, Value: value}, nil
}

// failOpen runs fn without a reservation. Callers must be idempotent on their own.
func (s *Service) failOpen(ctx context.Context, op, key string, fn func(ctx context.Context) ([]byte, error), cause error) (domain.Result, error) {
	s.metrics.RecordIdempotencyDegraded(op)
	ctxlogger.WithContext(ctx, s.log).Warn("idempotency store unavailable, executing without deduplication",
		zap.String("operation", op), zap.String("key", key), zap.Error(cause))

	value, err := fn(ctx)
	if err != nil {
		return domain.Result{}, err
	}
	return domain.Result{IsNew: true, Value: value}, nil
}
