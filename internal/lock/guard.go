package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

var errHeld = errors.New("lock held")

// Guard runs functions while holding a lock, releasing it on every exit path.
type Guard struct {
	locker  Locker
	billing *config.BillingConfigHolder
	log     *zap.Logger
	metrics *metrics.Metrics
}

type GuardParams struct {
	fx.In

	Locker  Locker
	Billing *config.BillingConfigHolder
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func NewGuard(p GuardParams) *Guard {
	return &Guard{
		locker:  p.Locker,
		billing: p.Billing,
		log:     p.Log.Named("lock.guard"),
		metrics: p.Metrics,
	}
}

// WithLock acquires key, retrying with exponential backoff until LockAcquireTimeout, then runs fn.
// fn receives a context that expires with the lock TTL so a stuck call cannot outlive the lock.
func (g *Guard) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	cfg := g.billing.Get()

	token, err := g.acquire(ctx, key, cfg.LockTTL, cfg.LockAcquireTimeout)
	if err != nil {
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, err := g.locker.Release(rctx, key, token)
		log := ctxlogger.WithContext(ctx, g.log)
		if err != nil {
			log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			return
		}
		if !released {
			log.Warn("lock expired before release", zap.String("key", key))
		}
	}()

	fnCtx, cancel := context.WithTimeout(ctx, cfg.LockTTL)
	defer cancel()
	return fn(fnCtx)
}

func (g *Guard) acquire(ctx context.Context, key string, ttl, budget time.Duration) (string, error) {
	op := func() (string, error) {
		token, ok, err := g.locker.TryLock(ctx, key, ttl)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			return "", errHeld
		}
		return token, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	opts := []backoff.RetryOption{backoff.WithBackOff(eb)}
	if budget > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(budget))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	token, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return token, nil
	}
	if errors.Is(err, errHeld) {
		g.metrics.RecordLockContention(resourceOf(key))
		ctxlogger.WithContext(ctx, g.log).Info("lock contention", zap.String("key", key), zap.Duration("budget", budget))
		return "", ErrLockContention
	}
	return "", fmt.Errorf("acquire lock %s: %w", key, err)
}

// resourceOf strips the identifier from a key so metric labels stay bounded.
func resourceOf(key string) string {
	resource, _, _ := strings.Cut(key, ":")
	return resource
}
