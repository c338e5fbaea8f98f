// Package seed inserts the starter plan catalogue for local and self-hosted setups.
package seed

import (
	"context"
	"errors"

	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
)

const (
	defaultCurrency = "NGN"
	gigabyte        = int64(1 << 30)
)

// DefaultPlans is the catalogue a fresh install starts with. Prices are in kobo.
func DefaultPlans() []plandomain.CreatePlanRequest {
	return []plandomain.CreatePlanRequest{
		{Name: "Starter", Price: 500000, Currency: defaultCurrency, Interval: plandomain.IntervalMonthly, MaxPortals: 1, MaxStorageBytes: 5 * gigabyte, MaxUploadsPerMonth: 500},
		{Name: "Starter", Price: 5000000, Currency: defaultCurrency, Interval: plandomain.IntervalYearly, MaxPortals: 1, MaxStorageBytes: 5 * gigabyte, MaxUploadsPerMonth: 500},
		{Name: "Business", Price: 1500000, Currency: defaultCurrency, Interval: plandomain.IntervalMonthly, MaxPortals: 5, MaxStorageBytes: 50 * gigabyte, MaxUploadsPerMonth: 5000},
		{Name: "Business", Price: 15000000, Currency: defaultCurrency, Interval: plandomain.IntervalYearly, MaxPortals: 5, MaxStorageBytes: 50 * gigabyte, MaxUploadsPerMonth: 5000},
	}
}

// EnsureDefaultPlans creates any default plan that does not exist yet and reports how many
// were inserted. Plans are keyed by code, so re-running is a no-op.
func EnsureDefaultPlans(ctx context.Context, plans plandomain.Service) (int, error) {
	if plans == nil {
		return 0, errors.New("seed plan service is required")
	}

	created := 0
	for _, req := range DefaultPlans() {
		_, err := plans.Create(ctx, req)
		switch {
		case err == nil:
			created++
		case errors.Is(err, plandomain.ErrDuplicatePlan):
		default:
			return created, err
		}
	}
	return created, nil
}
