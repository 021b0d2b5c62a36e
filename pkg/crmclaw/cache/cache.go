// Package cache implements the two-tier TTL cache over persisted cache
// rows: an inventory tier for org listings (objects, flows, classes,
// components — long TTL) and a component tier for full source bodies
// (short TTL, invalidated immediately after a successful write).
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// Tier selects which TTL applies to an entry.
type Tier int

const (
	// TierInventory holds org listings: long TTL, refreshed read-only.
	TierInventory Tier = iota
	// TierComponent holds full component sources: short TTL, invalidated
	// after writes.
	TierComponent
)

// FetchFunc loads fresh data from the org on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache reads through the persisted entries with per-tier TTLs.
type Cache struct {
	store        *store.Store
	inventoryTTL time.Duration
	componentTTL time.Duration
	logger       *slog.Logger

	// clock is replaceable in tests.
	clock func() time.Time
}

// New creates a cache with the given tier TTLs.
func New(st *store.Store, inventoryTTL, componentTTL time.Duration, logger *slog.Logger) *Cache {
	if inventoryTTL <= 0 {
		inventoryTTL = 6 * time.Hour
	}
	if componentTTL <= 0 {
		componentTTL = 15 * time.Minute
	}
	return &Cache{
		store:        st,
		inventoryTTL: inventoryTTL,
		componentTTL: componentTTL,
		logger:       logger.With("component", "cache"),
		clock:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(fn func() time.Time) {
	c.clock = fn
}

// InventoryKey builds the cache key for an inventory section
// (e.g. "objects", "flows", "classes", "components", "permission_sets").
func InventoryKey(section string) string {
	return "inventory:" + section
}

// ComponentKey builds the cache key for one component source body.
func ComponentKey(kind, name string) string {
	return fmt.Sprintf("component:%s:%s", kind, name)
}

// GetOrFetch returns the cached payload when a valid (non-expired) entry
// exists, otherwise calls fetch, stores the result under the tier's TTL,
// and returns it. A fetch error is returned as-is; the stale entry, if
// any, is left in place.
func (c *Cache) GetOrFetch(ctx context.Context, orgID, key string, tier Tier, fetch FetchFunc) ([]byte, error) {
	entry, err := c.store.GetCacheEntry(ctx, orgID, key)
	if err == nil && !entry.Expired(c.clock()) {
		c.logger.Debug("cache hit", "org_id", orgID, "key", key)
		return entry.Payload, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	payload, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache fetch %s: %w", key, err)
	}

	if err := c.store.UpsertCacheEntry(ctx, orgID, key, payload, c.ttlSeconds(tier)); err != nil {
		// The fetched data is still good; a failed write only costs a
		// refetch next time.
		c.logger.Warn("cache write failed", "org_id", orgID, "key", key, "error", err)
	}

	c.logger.Debug("cache filled", "org_id", orgID, "key", key)
	return payload, nil
}

// Invalidate drops one entry so the next read refetches.
func (c *Cache) Invalidate(ctx context.Context, orgID, key string) error {
	if err := c.store.DeleteCacheEntry(ctx, orgID, key); err != nil {
		return err
	}
	c.logger.Debug("cache invalidated", "org_id", orgID, "key", key)
	return nil
}

// InvalidateComponent drops the source entry for one component and the
// inventory section that lists its kind, so both reflect the write.
func (c *Cache) InvalidateComponent(ctx context.Context, orgID, kind, name string) error {
	if err := c.Invalidate(ctx, orgID, ComponentKey(kind, name)); err != nil {
		return err
	}
	return c.Invalidate(ctx, orgID, InventoryKey(inventorySection(kind)))
}

// inventorySection maps a component kind to the inventory section that
// lists it. Triggers ride along in the classes listing.
func inventorySection(kind string) string {
	switch kind {
	case "class", "trigger":
		return "classes"
	case "flow":
		return "flows"
	case "component":
		return "components"
	default:
		return kind + "s"
	}
}

// Sweep removes every expired entry. Wired to the maintenance scheduler.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	return c.store.SweepExpiredCacheEntries(ctx, c.clock())
}

func (c *Cache) ttlSeconds(tier Tier) int {
	switch tier {
	case TierComponent:
		return int(c.componentTTL / time.Second)
	default:
		return int(c.inventoryTTL / time.Second)
	}
}
