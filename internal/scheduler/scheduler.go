package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/lock"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	"github.com/smallbiznis/collectr/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const jobExpireSubscriptions = "expire_subscriptions"

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Guard         *lock.Guard
	Subscriptions subscriptiondomain.Repository
	Config        Config           `optional:"true"`
	Metrics       *metrics.Metrics `optional:"true"`
}

// Scheduler realizes period-end semantics: it cancels subscriptions whose scheduled
// cancellation or grace period has lapsed. Webhook and recovery correctness never depend on it.
type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	guard         *lock.Guard
	subscriptions subscriptiondomain.Repository
	metrics       *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Guard == nil || p.Subscriptions == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		guard:         p.Guard,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout, the next tick continues
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, jobExpireSubscriptions, s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpireSubscriptionsJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	if !s.cfg.Enabled() {
		return
	}
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ExpireSubscriptionsJob drains every subscription due for cancellation, one batch at a time.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobExpireSubscriptions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var jobErr error
	seen := map[snowflake.ID]struct{}{}
	for {
		now := s.clock.Now()
		due, err := s.subscriptions.ListDueForExpiry(ctx, s.db, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expiry.list.failed", jobExpireSubscriptions, 0, err)
			return errors.Join(jobErr, err)
		}

		progressed := false
		for _, sub := range due {
			if _, ok := seen[sub.ID]; ok {
				continue
			}
			seen[sub.ID] = struct{}{}
			progressed = true
			if err := ctx.Err(); err != nil {
				return errors.Join(jobErr, err)
			}

			action, err := s.expire(ctx, sub.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.expiry.failed", jobExpireSubscriptions, sub.ID, err)
				continue
			}
			if action != "" {
				run.AddProcessed(1)
				s.metrics.AddSweepProcessed(string(action), 1)
			}
		}

		if len(due) < s.cfg.BatchSize || !progressed {
			return jobErr
		}
	}
}

// expire re-checks sub under its lock and cancels it. An empty action means a concurrent
// renewal or cancellation already moved it.
func (s *Scheduler) expire(ctx context.Context, id snowflake.ID) (guard.Action, error) {
	var (
		action guard.Action
		from   subscriptiondomain.Status
	)
	err := s.guard.WithLock(ctx, lock.SubscriptionKey(id), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := s.subscriptions.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("load subscription: %w", err)
			}
			if sub == nil {
				return nil
			}

			now := s.clock.Now()
			next, err := guard.EnsureSubscriptionCanExpire(*sub, now)
			if err != nil {
				if errors.Is(err, guard.ErrMissingPeriodBounds) {
					s.logger(ctx).Warn("subscription set to cancel at period end has no period end, skipped",
						zap.String("subscription_id", id.String()),
						zap.String("status", string(sub.Status)),
					)
				}
				if guard.IsSkip(err) {
					return nil
				}
				return err
			}

			from = sub.Status
			sub.Status = subscriptiondomain.StatusCancelled
			sub.CancelAtPeriodEnd = false
			sub.GracePeriodEnd = nil
			sub.CancelledAt = &now
			sub.UpdatedAt = now
			if err := s.subscriptions.Update(ctx, tx, sub); err != nil {
				return fmt.Errorf("update subscription: %w", err)
			}
			if err := s.subscriptions.AppendHistory(ctx, tx, &subscriptiondomain.History{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				OldStatus:      from,
				NewStatus:      sub.Status,
				Reason:         string(next),
				Source:         subscriptiondomain.SourceScheduler,
				CreatedAt:      now,
			}); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
			action = next
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	if action != "" {
		s.metrics.RecordTransition(string(from), string(subscriptiondomain.StatusCancelled), string(subscriptiondomain.SourceScheduler))
		s.logger(ctx).Info("subscription expired",
			zap.String("subscription_id", id.String()),
			zap.String("from", string(from)),
			zap.String("action", string(action)),
		)
	}
	return action, nil
}
