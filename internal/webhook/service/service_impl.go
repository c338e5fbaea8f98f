package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	activationdomain "github.com/smallbiznis/collectr/internal/activation/domain"
	"github.com/smallbiznis/collectr/internal/clock"
	idempotencydomain "github.com/smallbiznis/collectr/internal/idempotency/domain"
	"github.com/smallbiznis/collectr/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/collectr/internal/payment/domain"
	providerdomain "github.com/smallbiznis/collectr/internal/providers/payment/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
	"github.com/smallbiznis/collectr/pkg/db"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"github.com/smallbiznis/collectr/pkg/repository"
	"github.com/smallbiznis/collectr/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const provider = "paystack"

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Verifier      providerdomain.Verifier
	Idempotency   idempotencydomain.Service
	Activation    activationdomain.Service
	Subscriptions subscriptiondomain.Repository
	Payments      paymentdomain.Repository
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	validate      *validator.Validate
	verifier      providerdomain.Verifier
	idempotency   idempotencydomain.Service
	activation    activationdomain.Service
	subscriptions subscriptiondomain.Repository
	payments      paymentdomain.Repository
	events        repository.Repository[webhookdomain.WebhookEvent]
	metrics       *metrics.Metrics
}

func NewService(p ServiceParam) webhookdomain.Processor {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("webhook.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		validate:      validator.New(),
		verifier:      p.Verifier,
		idempotency:   p.Idempotency,
		activation:    p.Activation,
		subscriptions: p.Subscriptions,
		payments:      p.Payments,
		events:        repository.ProvideStore[webhookdomain.WebhookEvent](p.DB),
		metrics:       p.Metrics,
	}
}

func (s *Service) Process(ctx context.Context, payload []byte, headers http.Header) (webhookdomain.Outcome, error) {
	if err := s.verifier.Verify(payload, headers); err != nil {
		if errors.Is(err, providerdomain.ErrInvalidSignature) {
			s.metrics.RecordWebhookEvent("unknown", "invalid_signature")
			return webhookdomain.Outcome{}, webhookdomain.ErrInvalidSignature
		}
		return webhookdomain.Outcome{}, fmt.Errorf("verify webhook: %w", err)
	}

	var ev webhookdomain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.metrics.RecordWebhookEvent("unknown", "invalid_payload")
		return webhookdomain.Outcome{}, webhookdomain.ErrInvalidPayload
	}
	if err := s.validate.Struct(ev); err != nil {
		s.metrics.RecordWebhookEvent("unknown", "invalid_payload")
		return webhookdomain.Outcome{}, webhookdomain.ErrInvalidPayload
	}

	n := normalize(ev)
	key := idempotencydomain.WebhookKey(n.EventType, n.EventID, n.Reference, payload)
	if n.Action == webhookdomain.ActionFailedRenewal && n.Reference == "" {
		n.Reference = "failed:" + key
	}

	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx = ctxlogger.ContextWithEventType(ctx, n.EventType)
	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("event_key", key))

	auditID := s.recordDelivery(ctx, key, n.EventType, payload)

	outcome, res, err := idempotencydomain.Do(ctx, s.idempotency, key, func(ctx context.Context) (webhookdomain.Outcome, error) {
		return s.route(ctx, n)
	})
	if err != nil {
		s.metrics.RecordWebhookEvent(n.EventType, "error")
		log.Warn("webhook processing failed, provider will redeliver", zap.Error(err))
		return webhookdomain.Outcome{}, err
	}
	outcome.FromCache = res.FromCache

	result := outcome.Reason
	if outcome.FromCache {
		result = "duplicate"
	}
	s.metrics.RecordWebhookEvent(n.EventType, result)
	s.markProcessed(ctx, auditID, outcome)

	log.Info("webhook processed",
		zap.String("action", string(outcome.Action)),
		zap.String("reason", outcome.Reason),
		zap.Bool("from_cache", outcome.FromCache),
	)
	return outcome, nil
}

func (s *Service) route(ctx context.Context, n normalized) (webhookdomain.Outcome, error) {
	out := webhookdomain.Outcome{EventType: n.EventType, Action: n.Action, PaymentRef: n.Reference}

	switch n.Action {
	case webhookdomain.ActionIgnored:
		out.Reason = "unsupported_event"
		return out, nil
	case webhookdomain.ActionActivation, webhookdomain.ActionRenewal:
		if !n.Succeeded {
			out.Action = webhookdomain.ActionIgnored
			out.Reason = "payment_not_successful"
			return out, nil
		}
	}
	if n.Reference == "" {
		out.Action = webhookdomain.ActionIgnored
		out.Reason = "missing_reference"
		return out, nil
	}

	sub, err := s.resolveSubscription(ctx, n)
	if err != nil {
		return webhookdomain.Outcome{}, err
	}
	if sub == nil {
		return s.recordOrphan(ctx, n, out)
	}
	out.SubscriptionID = sub.ID

	req := activationdomain.Request{
		SubscriptionID: sub.ID,
		Payment: activationdomain.PaymentData{
			Reference:                n.Reference,
			PaymentID:                n.EventID,
			UserID:                   n.UserID,
			Amount:                   n.Amount,
			Currency:                 n.Currency,
			PaidAt:                   n.PaidAt,
			Authorization:            n.Authorization,
			ProviderSubscriptionCode: n.SubscriptionCode,
			FailureReason:            n.FailureReason,
		},
		Source: subscriptiondomain.SourceWebhook,
		Kind:   activationdomain.KindActivation,
	}
	if n.Action != webhookdomain.ActionActivation {
		req.Kind = activationdomain.KindRenewal
	}

	var result activationdomain.Result
	if n.Action == webhookdomain.ActionFailedRenewal {
		result, err = s.activation.RecordFailedRenewal(ctx, req)
	} else {
		result, err = s.activation.Activate(ctx, req)
	}
	if err != nil {
		return webhookdomain.Outcome{}, err
	}
	out.Success = result.Success
	out.Reason = string(result.Reason)
	return out, nil
}

// resolveSubscription finds the target by metadata id, then by the provider subscription code.
// A nil result means the event is an orphan.
func (s *Service) resolveSubscription(ctx context.Context, n normalized) (*subscriptiondomain.Subscription, error) {
	if n.SubscriptionID != 0 {
		sub, err := s.subscriptions.FindByID(ctx, s.db, n.SubscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if n.SubscriptionCode != "" {
		return s.subscriptions.FindByProviderSubscriptionID(ctx, s.db, n.SubscriptionCode)
	}
	return nil, nil
}

// recordOrphan keeps a succeeded charge as unlinked evidence for later matching.
func (s *Service) recordOrphan(ctx context.Context, n normalized, out webhookdomain.Outcome) (webhookdomain.Outcome, error) {
	out.Action = webhookdomain.ActionOrphan
	if !n.Succeeded || n.UserID == "" {
		out.Reason = "unknown_subscription"
		return out, nil
	}

	now := s.clock.Now()
	paidAt := now
	if n.PaidAt != nil {
		paidAt = *n.PaidAt
	}
	payment := &paymentdomain.Payment{
		ID:                 s.genID.Generate(),
		UserID:             n.UserID,
		Amount:             n.Amount,
		Currency:           n.Currency,
		Status:             paymentdomain.StatusSucceeded,
		ProviderPaymentRef: n.Reference,
		Authorization:      n.Authorization,
		PaidAt:             &paidAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if n.EventID != "" {
		id := n.EventID
		payment.ProviderPaymentID = &id
	}
	if _, err := s.payments.Upsert(ctx, s.db, payment); err != nil {
		return webhookdomain.Outcome{}, fmt.Errorf("record orphan payment: %w", err)
	}
	out.Reason = "orphan_payment_recorded"
	return out, nil
}

// recordDelivery writes the audit row. Audit failures never block processing.
func (s *Service) recordDelivery(ctx context.Context, key, eventType string, payload []byte) snowflake.ID {
	log := ctxlogger.WithContext(ctx, s.log)

	existing, err := s.events.FindOne(ctx, &webhookdomain.WebhookEvent{Provider: provider, EventKey: key})
	if err != nil {
		log.Warn("load webhook audit row failed", zap.Error(err))
		return 0
	}
	if existing != nil {
		if err := s.events.Update(ctx, existing.ID, map[string]any{"deliveries": gorm.Expr("deliveries + 1")}); err != nil {
			log.Warn("update webhook audit row failed", zap.Error(err))
		}
		return existing.ID
	}

	row := &webhookdomain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventKey:   key,
		EventType:  eventType,
		Payload:    payload,
		Deliveries: 1,
		ReceivedAt: s.clock.Now(),
	}
	if err := s.events.Create(ctx, row); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			log.Warn("insert webhook audit row failed", zap.Error(err))
		}
		return 0
	}
	return row.ID
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, outcome webhookdomain.Outcome) {
	if id == 0 || outcome.FromCache {
		return
	}
	now := s.clock.Now()
	if err := s.events.Update(ctx, id, map[string]any{
		"outcome":      string(outcome.Action) + ":" + outcome.Reason,
		"processed_at": now.Truncate(time.Microsecond),
	}); err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("mark webhook processed failed", zap.Error(err))
	}
}
