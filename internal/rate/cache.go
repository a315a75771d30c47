package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estatemeter/prepay-core/internal/model"
)

// Store resolves the effective rate table for a unit. Implemented by the rate
// repository.
type Store interface {
	FindEffective(ctx context.Context, unitID, estateID int64, utility model.Utility, at time.Time) (*model.RateTable, error)
}

type cacheEntry struct {
	table     *model.RateTable
	expiresAt time.Time
}

// Cache memoizes rate table resolution per (unit, estate, utility). Entries
// live for the TTL or until an admin edit publishes an invalidation. A cached
// table is re-checked against the query instant so a table whose window
// closed mid-TTL is not served stale.
type Cache struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(unitID, estateID int64, utility model.Utility) string {
	return fmt.Sprintf("%d:%d:%s", unitID, estateID, utility)
}

func (c *Cache) FindEffective(ctx context.Context, unitID, estateID int64, utility model.Utility, at time.Time) (*model.RateTable, error) {
	key := cacheKey(unitID, estateID, utility)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) && entry.table.EffectiveAt(at) {
		return entry.table, nil
	}

	table, err := c.store.FindEffective(ctx, unitID, estateID, utility, at)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{table: table, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return table, nil
}

// Invalidate drops the cached resolution for one unit slot.
func (c *Cache) Invalidate(unitID, estateID int64, utility model.Utility) {
	c.mu.Lock()
	delete(c.entries, cacheKey(unitID, estateID, utility))
	c.mu.Unlock()
}

// InvalidateAll flushes the cache. Called when a rate table is created or
// deactivated, since an estate-level edit touches every unit.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
