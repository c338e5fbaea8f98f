package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics exposes reconciliation instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	webhookEvents          *prometheus.CounterVec
	subscriptionTransition *prometheus.CounterVec
	activationResults      *prometheus.CounterVec
	recoveryAttempts       *prometheus.CounterVec
	idempotencyOutcomes    *prometheus.CounterVec
	idempotencyDegraded    *prometheus.CounterVec
	lockContention         *prometheus.CounterVec
	sweepProcessed         *prometheus.CounterVec
	rateLimited            *prometheus.CounterVec
	httpRequests           *prometheus.CounterVec
	httpDuration           *prometheus.HistogramVec
}

// NewRegistry returns the registry backing the /metrics endpoint.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the billing instruments on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_webhook_events_total",
			Help: "Payment provider webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		subscriptionTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_subscription_transitions_total",
			Help: "Subscription status transitions by source.",
		}, []string{"from", "to", "source"}),
		activationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_activation_results_total",
			Help: "Activation and renewal outcomes by reason.",
		}, []string{"reason"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_recovery_attempts_total",
			Help: "Recovery attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		idempotencyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_idempotency_outcomes_total",
			Help: "Idempotent executions by outcome.",
		}, []string{"outcome"}),
		idempotencyDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_idempotency_degraded_total",
			Help: "Idempotency store failures that fell back to unguarded execution.",
		}, []string{"operation"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_lock_contention_total",
			Help: "Lock acquisitions that timed out.",
		}, []string{"resource"}),
		sweepProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_lifecycle_sweep_processed_total",
			Help: "Subscriptions handled by the lifecycle sweeper.",
		}, []string{"action"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_rate_limited_total",
			Help: "Requests refused by the per-user rate limiter.",
		}, []string{"route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collectr_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.webhookEvents,
		m.subscriptionTransition,
		m.activationResults,
		m.recoveryAttempts,
		m.idempotencyOutcomes,
		m.idempotencyDegraded,
		m.lockContention,
		m.sweepProcessed,
		m.rateLimited,
		m.httpRequests,
		m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(label(eventType), label(outcome)).Inc()
}

func (m *Metrics) RecordTransition(from, to, source string) {
	if m == nil {
		return
	}
	m.subscriptionTransition.WithLabelValues(label(from), label(to), label(source)).Inc()
}

func (m *Metrics) RecordActivation(reason string) {
	if m == nil {
		return
	}
	m.activationResults.WithLabelValues(label(reason)).Inc()
}

func (m *Metrics) RecordRecovery(strategy, result string) {
	if m == nil {
		return
	}
	m.recoveryAttempts.WithLabelValues(label(strategy), label(result)).Inc()
}

func (m *Metrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotencyOutcomes.WithLabelValues(label(outcome)).Inc()
}

func (m *Metrics) RecordIdempotencyDegraded(operation string) {
	if m == nil {
		return
	}
	m.idempotencyDegraded.WithLabelValues(label(operation)).Inc()
}

func (m *Metrics) RecordLockContention(resource string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(label(resource)).Inc()
}

func (m *Metrics) AddSweepProcessed(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepProcessed.WithLabelValues(label(action)).Add(float64(count))
}

func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(label(route)).Inc()
}

// GinMiddleware records request counts and latency per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// label keeps label values bounded; ids never belong in labels.
func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	if len(value) > 64 {
		return value[:64]
	}
	return value
}
