// Package symbolcache implements the Symbol Metadata Cache (spec.md
// §4.C): a process-wide, TTL-bounded map keyed by (exchange, symbol),
// with singleflight de-duplication of concurrent misses for the same key,
// per spec.md §9's "Global mutable state" requirement. The map itself is
// guarded by one sync.RWMutex shared by all keys; there is no per-key
// mutex.
package symbolcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
)

type entry struct {
	filters   domain.SymbolFilters
	fetchedAt time.Time
}

func cacheKey(exchangeName, symbol string) string {
	return exchangeName + ":" + symbol
}

// Cache is the TTL-bounded symbol metadata cache. It is safe for
// concurrent use by every tick worker and by the reconciliation worker.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// New returns an empty Cache with the given TTL (spec.md §3 suggests 1
// hour).
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

// Get returns cached filters if within TTL, otherwise calls
// exchange.SymbolFilters and caches the result. Concurrent misses for the
// same (exchange, symbol) collapse into a single adapter call.
func (c *Cache) Get(ctx context.Context, exchange core.Exchange, symbol string) (domain.SymbolFilters, error) {
	key := cacheKey(exchange.Name(), symbol)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e.filters, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		filters, err := exchange.SymbolFilters(ctx, symbol)
		if err != nil {
			return domain.SymbolFilters{}, err
		}
		c.mu.Lock()
		c.entries[key] = entry{filters: filters, fetchedAt: time.Now()}
		c.mu.Unlock()
		return filters, nil
	})
	if err != nil {
		return domain.SymbolFilters{}, err
	}
	return v.(domain.SymbolFilters), nil
}

// Invalidate evicts a cached entry so the next Get refetches it. Called
// when a place_* call returns FilterViolation (spec.md §4.C).
func (c *Cache) Invalidate(exchangeName, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(exchangeName, symbol))
}
