package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/collectr/internal/audit/domain"
	"github.com/smallbiznis/collectr/internal/authorization"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/observability"
	obsmiddleware "github.com/smallbiznis/collectr/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/collectr/internal/observability/metrics"
	obstracing "github.com/smallbiznis/collectr/internal/observability/tracing"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	"github.com/smallbiznis/collectr/internal/ratelimit"
	recoverydomain "github.com/smallbiznis/collectr/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/collectr/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/collectr/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

type engineParams struct {
	fx.In

	ObsCfg   observability.Config
	Metrics  *obsmetrics.Metrics  `optional:"true"`
	Registry *prometheus.Registry `optional:"true"`
}

func registerGin(p engineParams) *gin.Engine {
	var gatherer prometheus.Gatherer
	if p.Registry != nil {
		gatherer = p.Registry
	}
	return NewEngine(p.ObsCfg, p.Metrics, gatherer)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	recoverySvc     recoverydomain.Service
	webhooks        webhookdomain.Processor
	authz           authorization.Service
	audit           auditdomain.Service
	recoveryLimiter *ratelimit.RecoveryLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	RecoverySvc     recoverydomain.Service
	Webhooks        webhookdomain.Processor
	Authz           authorization.Service
	Audit           auditdomain.Service
	RecoveryLimiter *ratelimit.RecoveryLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		recoverySvc:     p.RecoverySvc,
		webhooks:        p.Webhooks,
		authz:           p.Authz,
		audit:           p.Audit,
		recoveryLimiter: p.RecoveryLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerBillingRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerBillingRoutes() {
	billing := s.engine.Group("/billing")

	billing.GET("/plans", s.ListPlans)

	// -------- Provider callbacks --------
	billing.POST("/webhook", s.HandlePaymentWebhook)

	// -------- Subscription --------
	sub := billing.Group("/subscription", s.UserRequired())
	{
		sub.POST("", s.CreateSubscription)
		sub.GET("", s.GetSubscription)
		sub.DELETE("", s.CancelSubscription)
		sub.POST("/status", s.RecoveryRateLimit(), s.CheckSubscriptionStatus)
		sub.POST("/recover", s.RecoveryRateLimit(), s.RecoverSubscription)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/billing/subscriptions/:id/recover",
		s.OperatorRequired(authorization.ObjectSubscription, authorization.ActionSubscriptionRecover),
		s.AdminRecoverSubscription,
	)
	admin.GET("/audit-logs",
		s.OperatorRequired(authorization.ObjectAuditLog, authorization.ActionAuditLogView),
		s.ListAuditLogs,
	)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
