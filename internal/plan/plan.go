// Package plan holds the subscription plan catalog and the top-up products
// sold through the app stores. The catalog is built once at startup and is
// read-only afterwards.
package plan

import (
	"sort"
	"strings"
)

// Known plan identifiers.
const (
	Free = "free"
	Plus = "plus"
	Pro  = "pro"
)

// DefaultPlans returns the built-in monthly allowances in seconds.
func DefaultPlans() map[string]int64 {
	return map[string]int64{
		Free: 1800,
		Plus: 7200,
		Pro:  18000,
	}
}

// DefaultProducts returns the built-in top-up products mapped to the number
// of seconds each grants.
func DefaultProducts() map[string]int64 {
	return map[string]int64{
		"topup_1h":  3600,
		"topup_3h":  10800,
		"topup_10h": 36000,
	}
}

// Catalog maps plan identifiers to monthly allowances and top-up products to
// grant sizes. Lookups never fail: unknown plans resolve to the free tier.
type Catalog struct {
	plans    map[string]int64
	products map[string]int64
	grants   map[int64]string
}

// NewCatalog builds a catalog from the given plan allowances and top-up
// products. Nil maps select the built-in defaults. Plan names are matched
// case-insensitively.
func NewCatalog(plans, products map[string]int64) *Catalog {
	if plans == nil {
		plans = DefaultPlans()
	}
	if products == nil {
		products = DefaultProducts()
	}

	c := &Catalog{
		plans:    make(map[string]int64, len(plans)),
		products: make(map[string]int64, len(products)),
		grants:   make(map[int64]string, len(products)),
	}
	for name, secs := range plans {
		c.plans[strings.ToLower(name)] = secs
	}
	// The fallback tier must always exist.
	if _, ok := c.plans[Free]; !ok {
		c.plans[Free] = DefaultPlans()[Free]
	}
	for product, secs := range products {
		c.products[product] = secs
		c.grants[secs] = product
	}
	return c
}

// Resolve returns the canonical plan name and its monthly allowance. Empty or
// unknown identifiers resolve to the free tier.
func (c *Catalog) Resolve(name string) (string, int64) {
	key := strings.ToLower(strings.TrimSpace(name))
	if secs, ok := c.plans[key]; ok {
		return key, secs
	}
	return Free, c.plans[Free]
}

// ValidGrant reports whether seconds matches the grant size of a top-up
// product. Credits that match no product are rejected upstream.
func (c *Catalog) ValidGrant(seconds int64) bool {
	_, ok := c.grants[seconds]
	return ok
}

// ProductForGrant returns the product identifier selling the given grant
// size, or "" when none does.
func (c *Catalog) ProductForGrant(seconds int64) string {
	return c.grants[seconds]
}

// GrantSizes returns the catalog's grant sizes in ascending order.
func (c *Catalog) GrantSizes() []int64 {
	sizes := make([]int64, 0, len(c.grants))
	for secs := range c.grants {
		sizes = append(sizes, secs)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}

// PlanNames returns the catalog's plan identifiers in ascending order.
func (c *Catalog) PlanNames() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
