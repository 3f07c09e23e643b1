package cache

import (
	"context"

	"github.com/tessara/pipecache/internal/entity"
)

// ReadOnlyCache is the minimal cache API for read-only consumers.
type ReadOnlyCache interface {
	Snapshot() State
	HasMore() bool
	Owner() string
}

// EntityCache is the cache API the HTTP handlers need: the full operation
// surface of one instance.
type EntityCache interface {
	ReadOnlyCache
	Initialize(ctx context.Context, ownerID string) error
	FetchNext(ctx context.Context) error
	Clear()
	RemoveEntities(ids []string) []entity.Entity
	RestoreEntities(entities []entity.Entity)
	AddEntity(e entity.Entity)
	UpdateEntity(id string, fields map[string]any)
	SetUpdateError(msg string)
	SetDeleteError(msg string)
	SetRestoreError(msg string)
	Ledger() *Ledger
}

// Loader is the background loader surface exposed to the API layer.
type Loader interface {
	Start(ctx context.Context)
	Pause()
	Resume()
	Paused() bool
	Running() bool
}
