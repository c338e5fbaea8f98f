package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreatePlanRequest struct {
	Name               string   `json:"name" validate:"required,max=120"`
	Price              int64    `json:"price" validate:"gt=0"`
	Currency           string   `json:"currency" validate:"required,len=3"`
	Interval           Interval `json:"interval" validate:"required,oneof=monthly yearly"`
	MaxPortals         int      `json:"max_portals" validate:"gte=0"`
	MaxStorageBytes    int64    `json:"max_storage_bytes" validate:"gte=0"`
	MaxUploadsPerMonth int      `json:"max_uploads_per_month" validate:"gte=0"`
	ProviderPlanCode   *string  `json:"provider_plan_code,omitempty"`
}

type Service interface {
	Get(ctx context.Context, id string) (BillingPlan, error)
	GetByID(ctx context.Context, id snowflake.ID) (BillingPlan, error)
	ListActive(ctx context.Context) ([]BillingPlan, error)
	Create(ctx context.Context, req CreatePlanRequest) (BillingPlan, error)
}

var (
	ErrInvalidPlan   = errors.New("invalid_plan")
	ErrPlanNotFound  = errors.New("plan_not_found")
	ErrPlanInactive  = errors.New("plan_inactive")
	ErrDuplicatePlan = errors.New("duplicate_plan")
)
