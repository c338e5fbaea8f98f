package cache

import (
	"testing"
	"time"

	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	"github.com/stretchr/testify/assert"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) Now() time.Time { return f.t }

func TestTTLCacheExpires(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTLCache[string, int](clock.Now)

	c.Set("a", 1, time.Minute)
	c.Set("ignored", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Get("ignored")
	assert.False(t, ok)

	clock.t = clock.t.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheDeleteAndPurge(t *testing.T) {
	c := NewTTLCache[string, int](nil)
	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Purge()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestPlanCatalogCache(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewPlanCatalogCache(clock.Now)

	c.SetPlan(plandomain.BillingPlan{})
	_, ok := c.GetPlan(0)
	assert.False(t, ok)

	c.SetPlan(plandomain.BillingPlan{ID: 1, Code: "starter-monthly"})
	plan, ok := c.GetPlan(1)
	assert.True(t, ok)
	assert.Equal(t, "starter-monthly", plan.Code)

	c.SetActive([]plandomain.BillingPlan{{ID: 1}})
	active, ok := c.GetActive()
	assert.True(t, ok)
	active[0].Code = "mutated"
	again, _ := c.GetActive()
	assert.Empty(t, again[0].Code)

	c.Invalidate()
	_, ok = c.GetActive()
	assert.False(t, ok)
	_, ok = c.GetPlan(1)
	assert.False(t, ok)
}
