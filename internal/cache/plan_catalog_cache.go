package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
)

const (
	defaultPlanTTL    = time.Minute
	defaultCatalogTTL = 30 * time.Second
)

// PlanCatalogCache keeps plan lookups for checkout and the public catalogue off the database.
type PlanCatalogCache interface {
	GetPlan(id snowflake.ID) (plandomain.BillingPlan, bool)
	SetPlan(plan plandomain.BillingPlan)
	GetActive() ([]plandomain.BillingPlan, bool)
	SetActive(plans []plandomain.BillingPlan)
	Invalidate()
}

type planCatalogCache struct {
	plans      Cache[snowflake.ID, plandomain.BillingPlan]
	catalog    Cache[string, []plandomain.BillingPlan]
	planTTL    time.Duration
	catalogTTL time.Duration
}

const activeCatalogKey = "active"

func NewPlanCatalogCache(now func() time.Time) PlanCatalogCache {
	return &planCatalogCache{
		plans:      NewTTLCache[snowflake.ID, plandomain.BillingPlan](now),
		catalog:    NewTTLCache[string, []plandomain.BillingPlan](now),
		planTTL:    defaultPlanTTL,
		catalogTTL: defaultCatalogTTL,
	}
}

func (c *planCatalogCache) GetPlan(id snowflake.ID) (plandomain.BillingPlan, bool) {
	return c.plans.Get(id)
}

func (c *planCatalogCache) SetPlan(plan plandomain.BillingPlan) {
	if plan.ID == 0 {
		return
	}
	c.plans.Set(plan.ID, plan, c.planTTL)
}

func (c *planCatalogCache) GetActive() ([]plandomain.BillingPlan, bool) {
	plans, ok := c.catalog.Get(activeCatalogKey)
	if !ok {
		return nil, false
	}
	return append(make([]plandomain.BillingPlan, 0, len(plans)), plans...), true
}

func (c *planCatalogCache) SetActive(plans []plandomain.BillingPlan) {
	c.catalog.Set(activeCatalogKey, append([]plandomain.BillingPlan(nil), plans...), c.catalogTTL)
}

func (c *planCatalogCache) Invalidate() {
	c.plans.Purge()
	c.catalog.Purge()
}
