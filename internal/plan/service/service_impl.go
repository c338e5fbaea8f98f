package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/collectr/internal/cache"
	"github.com/smallbiznis/collectr/internal/clock"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	"github.com/smallbiznis/collectr/pkg/db"
	"github.com/smallbiznis/collectr/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	validate *validator.Validate
	repo     repository.Repository[plandomain.BillingPlan]
	cache    cache.PlanCatalogCache
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		validate: validator.New(),
		repo:     repository.ProvideStore[plandomain.BillingPlan](p.DB),
		cache:    cache.NewPlanCatalogCache(p.Clock.Now),
	}
}

func (s *Service) Get(ctx context.Context, id string) (plandomain.BillingPlan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || planID == 0 {
		return plandomain.BillingPlan{}, plandomain.ErrInvalidPlan
	}
	return s.GetByID(ctx, planID)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (plandomain.BillingPlan, error) {
	if plan, ok := s.cache.GetPlan(id); ok {
		return plan, nil
	}

	item, err := s.repo.FindOne(ctx, &plandomain.BillingPlan{ID: id})
	if err != nil {
		return plandomain.BillingPlan{}, err
	}
	if item == nil {
		return plandomain.BillingPlan{}, plandomain.ErrPlanNotFound
	}
	s.cache.SetPlan(*item)
	return *item, nil
}

func (s *Service) ListActive(ctx context.Context) ([]plandomain.BillingPlan, error) {
	if plans, ok := s.cache.GetActive(); ok {
		return plans, nil
	}

	items, err := s.repo.Find(ctx, &plandomain.BillingPlan{IsActive: true}, repository.WithOrder("price ASC, id ASC"))
	if err != nil {
		return nil, err
	}

	plans := make([]plandomain.BillingPlan, 0, len(items))
	for _, item := range items {
		plans = append(plans, *item)
	}
	s.cache.SetActive(plans)
	return plans, nil
}

func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.BillingPlan, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validate.Struct(req); err != nil {
		return plandomain.BillingPlan{}, fmt.Errorf("%w: %v", plandomain.ErrInvalidPlan, err)
	}

	now := s.clock.Now()
	plan := plandomain.BillingPlan{
		ID:                 s.genID.Generate(),
		Code:               slug.Make(req.Name + " " + string(req.Interval)),
		Name:               req.Name,
		Price:              req.Price,
		Currency:           req.Currency,
		Interval:           req.Interval,
		MaxPortals:         req.MaxPortals,
		MaxStorageBytes:    req.MaxStorageBytes,
		MaxUploadsPerMonth: req.MaxUploadsPerMonth,
		IsActive:           true,
		ProviderPlanCode:   req.ProviderPlanCode,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, &plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return plandomain.BillingPlan{}, plandomain.ErrDuplicatePlan
		}
		return plandomain.BillingPlan{}, err
	}

	s.cache.Invalidate()
	s.log.Info("plan created", zap.String("plan_id", plan.ID.String()), zap.String("code", plan.Code))
	return plan, nil
}
