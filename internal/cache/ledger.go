package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/tessara/pipecache/internal/persist"
)

// Ledger is the durable set of entity ids the user has deleted. Unlike the
// bulk cache, which is disposable and re-fetchable, the ledger survives
// logout/login and process restarts; it is flushed by the persistence
// scheduler whenever dirty.
type Ledger struct {
	mu          sync.RWMutex
	kind        string
	ids         map[string]struct{}
	initialized bool
	dirty       bool
	lastUpdate  int64
}

// NewLedger creates an empty ledger for an entity kind.
func NewLedger(kind string) *Ledger {
	return &Ledger{kind: kind, ids: map[string]struct{}{}}
}

// Kind returns the entity kind this ledger belongs to.
func (l *Ledger) Kind() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kind
}

// Add records ids as deleted and marks the ledger dirty.
func (l *Ledger) Add(ids ...string) {
	if len(ids) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		l.ids[id] = struct{}{}
	}
	l.dirty = true
}

// Remove drops ids from the ledger (used when a deleted entity is
// explicitly restored). Unknown ids are ignored.
func (l *Ledger) Remove(ids ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := false
	for _, id := range ids {
		if _, ok := l.ids[id]; ok {
			delete(l.ids, id)
			removed = true
		}
	}
	if removed {
		l.dirty = true
	}
}

// Has reports whether an id is recorded as deleted.
func (l *Ledger) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// All returns the deleted ids, sorted for deterministic serialization.
func (l *Ledger) All() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of deleted ids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Initialized reports the persisted initialized flag restored at rehydration.
func (l *Ledger) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialized
}

// SetInitialized records the owning cache's initialized flag for persistence.
func (l *Ledger) SetInitialized(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized != v {
		l.initialized = v
		l.dirty = true
	}
}

// IsDirty reports whether the ledger changed since the last flush.
func (l *Ledger) IsDirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// ClearDirty resets the dirty flag after a successful flush.
func (l *Ledger) ClearDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = false
}

// GetLastUpdate returns the timestamp of the last persisted snapshot.
func (l *Ledger) GetLastUpdate() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastUpdate
}

// SetLastUpdate records the timestamp stamped into the persisted snapshot.
func (l *Ledger) SetLastUpdate(ts int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUpdate = ts
}

// Snapshot serializes the ledger into a state document for storage.
func (l *Ledger) Snapshot() persist.StateDocument {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.ids))
	for id := range l.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return persist.StateDocument{
		Version:     persist.StateVersion,
		Kind:        l.kind,
		DeletedIDs:  ids,
		Initialized: l.initialized,
		LastUpdate:  time.Now().UnixMilli(),
	}
}

// Rehydrate replaces the ledger's contents with a persisted snapshot. The
// snapshot wins outright: the fresh instance starts empty, so a union would
// be meaningless, and bulk entity data is never restored this way.
func (l *Ledger) Rehydrate(doc persist.StateDocument) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = make(map[string]struct{}, len(doc.DeletedIDs))
	for _, id := range doc.DeletedIDs {
		if id != "" {
			l.ids[id] = struct{}{}
		}
	}
	l.initialized = doc.Initialized
	l.lastUpdate = doc.LastUpdate
	l.dirty = false
}
