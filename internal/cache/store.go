// Package cache implements the client-edge entity cache: a keyed map of
// loaded entities plus their server-determined order, populated by a small
// first batch at initialize and streamed to completion by the background
// loader, with user deletions tracked in a durable ledger.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/tessara/pipecache/internal/entity"
	"github.com/tessara/pipecache/internal/logger"
	"github.com/tessara/pipecache/internal/retry"
	"github.com/tessara/pipecache/internal/store"
)

// ErrNoOwner is returned by entry points that need an owner before any
// remote call is issued.
var ErrNoOwner = errors.New("no owner set")

// Pagination mirrors the loading progress of one cache instance.
type Pagination struct {
	Offset           int  `json:"offset"`
	HasMore          bool `json:"hasMore"`
	TotalCount       int  `json:"totalCount"`
	LoadedCount      int  `json:"loadedCount"`
	FirstBatchLoaded bool `json:"firstBatchLoaded"`
	AllLoaded        bool `json:"allLoaded"`
	Initialized      bool `json:"isInitialized"`
}

// Loading describes the three independent async phases.
type Loading struct {
	Fetching          bool `json:"fetching"`
	Initializing      bool `json:"initializing"`
	BackgroundLoading bool `json:"backgroundLoading"`
}

// Errors holds the last error message per operation, so the UI can render
// inline affordances instead of catching thrown errors.
type Errors struct {
	Initialize string `json:"initialize,omitempty"`
	Fetch      string `json:"fetch,omitempty"`
	Update     string `json:"update,omitempty"`
	Delete     string `json:"delete,omitempty"`
	Restore    string `json:"restore,omitempty"`
}

// Settings sizes one cache instance. FirstBatchSize is deliberately small so
// the first rows reach the user fast; ChunkSize is the larger background page.
type Settings struct {
	FirstBatchSize int
	ChunkSize      int
	Retry          retry.Config
}

// DefaultSettings matches the grid's interactive latency targets.
func DefaultSettings() Settings {
	return Settings{
		FirstBatchSize: 20,
		ChunkSize:      50,
		Retry:          retry.Config{MaxAttempts: 3},
	}
}

// Invalidator is notified after structural changes (entity add/remove) so
// dependent derived caches can be evicted. Implemented by facet.Bridge.
type Invalidator interface {
	EntitiesChanged(ownerID string)
}

// State is the deep-copied reactive state handed to the API layer.
type State struct {
	OwnerID    string                   `json:"ownerId"`
	Kind       entity.Kind              `json:"kind"`
	Entities   map[string]entity.Entity `json:"entities"`
	OrderedIDs []string                 `json:"orderedIds"`
	DeletedIDs []string                 `json:"deletedIds"`
	Pagination Pagination               `json:"pagination"`
	Loading    Loading                  `json:"loading"`
	Errors     Errors                   `json:"errors"`
}

// Cache is one paginated entity cache instance (contacts or opportunities).
//
// Remote calls run outside the lock; every response is merged under the lock
// behind a generation stamp, so a chunk that arrives after Clear or an owner
// switch is discarded rather than leaking across owners.
type Cache struct {
	kind        entity.Kind
	remote      store.EntityStore
	ledger      *Ledger
	invalidator Invalidator
	settings    Settings

	mu         sync.Mutex
	generation uint64
	ownerID    string
	entities   map[string]entity.Entity
	orderedIDs []string
	pagination Pagination
	loading    Loading
	errs       Errors
}

// New creates an empty cache. invalidator may be nil.
func New(kind entity.Kind, remote store.EntityStore, ledger *Ledger, invalidator Invalidator, settings Settings) *Cache {
	if settings.FirstBatchSize <= 0 {
		settings.FirstBatchSize = DefaultSettings().FirstBatchSize
	}
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = DefaultSettings().ChunkSize
	}
	return &Cache{
		kind:        kind,
		remote:      remote,
		ledger:      ledger,
		invalidator: invalidator,
		settings:    settings,
		entities:    map[string]entity.Entity{},
	}
}

// Kind returns the entity kind this cache holds.
func (c *Cache) Kind() entity.Kind { return c.kind }

// Ledger exposes the deletion ledger (for persistence wiring and the
// restore path).
func (c *Cache) Ledger() *Ledger { return c.ledger }

// Initialize loads the total count and the first small batch for an owner.
// Calling it again for the same owner with data already loaded is a no-op;
// calling it for a different owner clears the previous owner's state first.
func (c *Cache) Initialize(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return ErrNoOwner
	}

	c.mu.Lock()
	if c.ownerID == ownerID && c.pagination.Initialized && len(c.orderedIDs) > 0 {
		c.mu.Unlock()
		return nil
	}
	if c.loading.Initializing {
		c.mu.Unlock()
		return nil
	}
	if c.ownerID != "" && c.ownerID != ownerID {
		c.clearLocked()
	}
	c.ownerID = ownerID
	c.loading.Initializing = true
	c.errs.Initialize = ""
	gen := c.generation
	firstBatch := c.settings.FirstBatchSize
	c.mu.Unlock()

	type firstPage struct {
		total int
		rows  []entity.Entity
	}
	result, err := retry.Do(ctx, c.settings.Retry, func(ctx context.Context) (firstPage, error) {
		total, err := c.remote.Count(ctx, ownerID, c.kind)
		if err != nil {
			return firstPage{}, err
		}
		rows, err := c.remote.SelectPage(ctx, ownerID, c.kind, 0, firstBatch)
		if err != nil {
			return firstPage{}, err
		}
		return firstPage{total: total, rows: rows}, nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.ownerID != ownerID {
		// owner changed or cache cleared while the request was in flight
		return nil
	}
	c.loading.Initializing = false
	if err != nil {
		c.errs.Initialize = err.Error()
		logger.WithKind("cache", string(c.kind)).Errorf("initialize failed for owner %s: %v", ownerID, err)
		return err
	}

	c.mergeRowsLocked(result.rows)
	c.pagination.TotalCount = result.total
	c.pagination.Offset = len(result.rows)
	c.pagination.FirstBatchLoaded = true
	c.pagination.Initialized = true
	c.recomputeLocked(len(result.rows) == 0)
	if c.ledger != nil {
		c.ledger.SetInitialized(true)
	}
	logger.WithKind("cache", string(c.kind)).Infof("initialized owner %s: %d/%d rows",
		ownerID, c.pagination.LoadedCount, c.pagination.TotalCount)
	return nil
}

// FetchNext loads the next chunk. It returns immediately when a fetch is
// already in flight, nothing more is available, or no owner is set; a second
// concurrent call is dropped, not queued. On failure the pagination counters
// are left untouched so a retry resumes from the same offset.
func (c *Cache) FetchNext(ctx context.Context) error {
	c.mu.Lock()
	if c.loading.Fetching || !c.pagination.HasMore || c.ownerID == "" {
		c.mu.Unlock()
		return nil
	}
	c.loading.Fetching = true
	c.errs.Fetch = ""
	gen := c.generation
	ownerID := c.ownerID
	offset := c.pagination.Offset
	chunk := c.settings.ChunkSize
	c.mu.Unlock()

	rows, err := retry.Do(ctx, c.settings.Retry, func(ctx context.Context) ([]entity.Entity, error) {
		return c.remote.SelectPage(ctx, ownerID, c.kind, offset, chunk)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.ownerID != ownerID {
		return nil
	}
	c.loading.Fetching = false
	if err != nil {
		c.errs.Fetch = err.Error()
		return err
	}

	added := c.mergeRowsLocked(rows)
	c.pagination.Offset = offset + chunk
	c.recomputeLocked(len(rows) == 0)
	if added > 0 {
		c.notifyLocked()
	}
	logger.WithKind("cache", string(c.kind)).Debugf("fetched chunk at offset %d: %d rows, %d new, loaded %d/%d",
		offset, len(rows), added, c.pagination.LoadedCount, c.pagination.TotalCount)
	return nil
}

// Clear resets entities, order, pagination and loading flags to empty. The
// deletion ledger is retained: it is the one piece of state that stays
// meaningful across sessions. Its initialized flag is reset so the next
// session re-initializes.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.generation++
	c.ownerID = ""
	c.entities = map[string]entity.Entity{}
	c.orderedIDs = nil
	c.pagination = Pagination{}
	c.loading = Loading{}
	c.errs = Errors{}
	if c.ledger != nil {
		c.ledger.SetInitialized(false)
	}
}

// RemoveEntities drops ids from the cache and records them in the deletion
// ledger. It is optimistic: callers invoke it before the remote delete
// confirms and roll back with RestoreEntities if that fails. The removed
// entities are returned for exactly that rollback.
func (c *Cache) RemoveEntities(ids []string) []entity.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}

	var removed []entity.Entity
	kept := c.orderedIDs[:0]
	for _, id := range c.orderedIDs {
		if !drop[id] {
			kept = append(kept, id)
			continue
		}
		if e, ok := c.entities[id]; ok {
			removed = append(removed, e)
			delete(c.entities, id)
		}
	}
	c.orderedIDs = kept
	if c.ledger != nil {
		c.ledger.Add(ids...)
	}

	// The remote delete is in flight for these rows too, so the
	// point-in-time total shrinks with them.
	c.pagination.TotalCount -= len(removed)
	c.recomputeLocked(false)
	if len(removed) > 0 {
		c.notifyLocked()
	}
	return removed
}

// RestoreEntities is the inverse of RemoveEntities: it re-inserts entities
// after a failed optimistic delete. The deletion ledger is not touched here;
// the caller decides whether the ids should stay recorded.
func (c *Cache) RestoreEntities(entities []entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if _, ok := c.entities[e.ID]; ok {
			c.entities[e.ID] = e.Clone()
			continue
		}
		c.entities[e.ID] = e.Clone()
		c.orderedIDs = append(c.orderedIDs, e.ID)
		restored++
	}
	c.pagination.TotalCount += restored
	c.recomputeLocked(false)
	if restored > 0 {
		c.notifyLocked()
	}
}

// AddEntity inserts or replaces a single entity, appending its id to the
// order list when new.
func (c *Cache) AddEntity(e entity.Entity) {
	if e.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.entities[e.ID]
	c.entities[e.ID] = e.Clone()
	if !existed {
		c.orderedIDs = append(c.orderedIDs, e.ID)
		c.pagination.TotalCount++
		c.recomputeLocked(false)
		c.notifyLocked()
	}
}

// UpdateEntity merges partial fields into an already-cached entity. An
// absent id is a no-op.
func (c *Cache) UpdateEntity(id string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[id]
	if !ok {
		return
	}
	c.entities[id] = e.Merge(fields)
}

// SetUpdateError records a remote upsert failure into the reactive state.
func (c *Cache) SetUpdateError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs.Update = msg
}

// SetDeleteError records a remote delete failure into the reactive state.
func (c *Cache) SetDeleteError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs.Delete = msg
}

// SetRestoreError records a restore failure into the reactive state.
func (c *Cache) SetRestoreError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs.Restore = msg
}

// SetBackgroundLoading flips the background phase flag (owned by the
// background loader).
func (c *Cache) SetBackgroundLoading(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading.BackgroundLoading = v
}

// HasMore reports whether more chunks remain.
func (c *Cache) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagination.HasMore
}

// Owner returns the current owner id ("" when cleared).
func (c *Cache) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerID
}

// Snapshot returns a deep copy of the reactive state.
func (c *Cache) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	entities := make(map[string]entity.Entity, len(c.entities))
	for id, e := range c.entities {
		entities[id] = e.Clone()
	}
	ordered := make([]string, len(c.orderedIDs))
	copy(ordered, c.orderedIDs)

	var deleted []string
	if c.ledger != nil {
		deleted = c.ledger.All()
	}

	return State{
		OwnerID:    c.ownerID,
		Kind:       c.kind,
		Entities:   entities,
		OrderedIDs: ordered,
		DeletedIDs: deleted,
		Pagination: c.pagination,
		Loading:    c.loading,
		Errors:     c.errs,
	}
}

// mergeRowsLocked appends genuinely-new rows, skipping ids already present
// (duplicate delivery) and ids recorded as deleted. Returns the number of
// rows actually added.
func (c *Cache) mergeRowsLocked(rows []entity.Entity) int {
	added := 0
	for _, e := range rows {
		if e.ID == "" {
			continue
		}
		if _, ok := c.entities[e.ID]; ok {
			continue
		}
		if c.ledger != nil && c.ledger.Has(e.ID) {
			continue
		}
		c.entities[e.ID] = e.Clone()
		c.orderedIDs = append(c.orderedIDs, e.ID)
		added++
	}
	return added
}

// recomputeLocked refreshes the derived pagination fields. emptyPage forces
// exhaustion even if the point-in-time total has drifted upward.
func (c *Cache) recomputeLocked(emptyPage bool) {
	c.pagination.LoadedCount = len(c.orderedIDs)
	c.pagination.HasMore = c.pagination.LoadedCount < c.pagination.TotalCount
	if emptyPage && c.pagination.FirstBatchLoaded {
		c.pagination.HasMore = false
	}
	c.pagination.AllLoaded = !c.pagination.HasMore && c.pagination.FirstBatchLoaded
}

func (c *Cache) notifyLocked() {
	if c.invalidator != nil && c.ownerID != "" {
		c.invalidator.EntitiesChanged(c.ownerID)
	}
}
