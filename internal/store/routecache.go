package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

// RouteCache is a TTL-based in-memory cache for assembled routes. Uses
// sync.Map for lock-free reads on the patrol-start path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the
// stale route immediately and signals that a background refresh is
// needed. Route edits are rare; a patrol start never blocks on the two
// route queries after the first cold start.
type RouteCache struct {
	store sync.Map      // map[string]*routeEntry
	ttl   time.Duration // Default: 60s
}

type routeEntry struct {
	route      *patrol.Route
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewRouteCache creates a cache with the given TTL.
func NewRouteCache(ttl time.Duration) *RouteCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RouteCache{ttl: ttl}
}

// RouteResult holds the result of a cache lookup.
type RouteResult struct {
	Route        *patrol.Route
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry is expired and should be refreshed in the background
}

// Get looks up a route ID in the cache.
//
// Returns:
//   - Fresh hit:  {Route, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Route, Hit=true,  NeedsRefresh=true}  (serve stale, refresh in background)
//   - Miss:       {nil,   Hit=false, NeedsRefresh=false}
//
// When NeedsRefresh=true, the caller should refresh in a background
// goroutine. The refreshing flag is set atomically so only one goroutine
// refreshes per key.
func (c *RouteCache) Get(routeID string) RouteResult {
	val, ok := c.store.Load(routeID)
	if !ok {
		return RouteResult{}
	}

	entry := val.(*routeEntry)

	if time.Now().Before(entry.expiresAt) {
		return RouteResult{Route: entry.route, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return RouteResult{
		Route:        entry.route,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a route in the cache with the configured TTL.
func (c *RouteCache) Set(routeID string, route *patrol.Route) {
	c.store.Store(routeID, &routeEntry{
		route:     route,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *RouteCache) Delete(routeID string) {
	c.store.Delete(routeID)
}
