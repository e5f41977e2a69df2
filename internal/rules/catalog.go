package rules

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/chavi-india/draw-agent/internal/datastore"
)

const catalogCacheKey = "rule-catalog"

// Catalog serves the enabled rulesets with a short-lived cache so a batch of
// series is matched against one consistent snapshot without a query per
// series.
type Catalog struct {
	store datastore.Interface
	cache *gocache.Cache
}

// NewCatalog returns a catalog backed by store with the given snapshot TTL.
func NewCatalog(store datastore.Interface, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Catalog{
		store: store,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// RuleSets returns the current rule catalog snapshot, loading it from the
// datastore when the cache has expired.
func (c *Catalog) RuleSets() ([]datastore.RuleSet, error) {
	if cached, found := c.cache.Get(catalogCacheKey); found {
		return cached.([]datastore.RuleSet), nil
	}
	rulesets, err := c.store.GetRuleCatalog()
	if err != nil {
		return nil, err
	}
	c.cache.Set(catalogCacheKey, rulesets, gocache.DefaultExpiration)
	return rulesets, nil
}

// Invalidate drops the cached snapshot so the next call reloads. Call after
// editing rules mid-run.
func (c *Catalog) Invalidate() {
	c.cache.Delete(catalogCacheKey)
}
