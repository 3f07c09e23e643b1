// Package facet holds derived filter-value caches for the grid's filterable
// columns, and the bridge that invalidates them when the column set or the
// underlying entities change.
package facet

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tessara/pipecache/internal/logger"
)

type facetKey struct {
	ownerID string
	fieldID string
}

// DefaultMaxEntries bounds the LRU when the caller passes zero.
const DefaultMaxEntries = 256

// Cache memoizes the distinct filter values derived for one (owner, field)
// pair. It is an explicit, bounded object owned by the session: eviction is
// LRU, never implicit global state.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[facetKey, []string]
}

// NewCache creates a bounded facet cache.
func NewCache(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	l, err := lru.New[facetKey, []string](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create facet lru: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached values for (ownerID, fieldID), deriving and storing
// them on a miss. derive runs outside any shared state; it typically scans
// the entity cache's snapshot.
func (c *Cache) Get(ownerID, fieldID string, derive func() []string) []string {
	c.mu.Lock()
	if values, ok := c.lru.Get(facetKey{ownerID, fieldID}); ok {
		c.mu.Unlock()
		return values
	}
	c.mu.Unlock()

	values := derive()

	c.mu.Lock()
	c.lru.Add(facetKey{ownerID, fieldID}, values)
	c.mu.Unlock()
	return values
}

// InvalidateField evicts the cached values for one field of one owner.
func (c *Cache) InvalidateField(ownerID, fieldID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(facetKey{ownerID, fieldID})
}

// InvalidateOwner evicts every cached field for an owner.
func (c *Cache) InvalidateOwner(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if key.ownerID == ownerID {
			c.lru.Remove(key)
		}
	}
}

// Len returns the number of cached entries (all owners).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ColumnSpec describes one grid column as the bridge sees it.
type ColumnSpec struct {
	FieldID    string `json:"fieldId"`
	Filterable bool   `json:"filterable"`
	Deleted    bool   `json:"deleted"`
}

// Bridge observes structural changes and evicts dependent facet entries. It
// never owns data; re-derivation happens lazily on the next Cache.Get.
type Bridge struct {
	facets *Cache
}

// NewBridge wires a bridge to its facet cache.
func NewBridge(facets *Cache) *Bridge {
	return &Bridge{facets: facets}
}

// Facets returns the underlying facet cache.
func (b *Bridge) Facets() *Cache {
	return b.facets
}

// EntitiesChanged handles an entity add/remove for an owner: every derived
// value set for that owner is potentially stale, so all are evicted.
func (b *Bridge) EntitiesChanged(ownerID string) {
	b.facets.InvalidateOwner(ownerID)
}

// ColumnsChanged diffs the filterable column set. Per-field entries are
// evicted for fields that were added, removed, or marked deleted; when more
// than one field changed, the whole owner is purged - consistency over
// recomputation.
func (b *Bridge) ColumnsChanged(ownerID string, before, after []ColumnSpec) {
	prev := map[string]ColumnSpec{}
	for _, col := range before {
		if col.Filterable {
			prev[col.FieldID] = col
		}
	}
	next := map[string]ColumnSpec{}
	for _, col := range after {
		if col.Filterable && !col.Deleted {
			next[col.FieldID] = col
		}
	}

	var changed []string
	for id := range next {
		if _, ok := prev[id]; !ok {
			changed = append(changed, id)
		}
	}
	for id, col := range prev {
		if _, ok := next[id]; !ok || col.Deleted {
			changed = append(changed, id)
		}
	}

	switch len(changed) {
	case 0:
		return
	case 1:
		logger.WithComponent("facet").Debugf("column %s changed, evicting its facet values", changed[0])
		b.facets.InvalidateField(ownerID, changed[0])
	default:
		logger.WithComponent("facet").Debugf("%d columns changed, purging all facet values for owner", len(changed))
		b.facets.InvalidateOwner(ownerID)
	}
}
