package store

import (
	"context"
	"errors"

	"github.com/tessara/pipecache/internal/entity"
)

var (
	// ErrNotFound is returned when an entity id does not exist for the owner.
	ErrNotFound = errors.New("entity not found")

	// ErrPermissionDenied marks a deterministic authorization failure.
	// It is never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable marks a transient remote failure worth retrying.
	ErrUnavailable = errors.New("store unavailable")
)

// EntityStore is the remote CRM backend as the cache sees it: rows addressable
// by owner, paginated by offset/limit with a stable creation-time-descending
// sort. Upsert is idempotent by id, so calls through the retry wrapper are
// safe to repeat.
type EntityStore interface {
	Count(ctx context.Context, ownerID string, kind entity.Kind) (int, error)
	SelectPage(ctx context.Context, ownerID string, kind entity.Kind, offset, limit int) ([]entity.Entity, error)
	Upsert(ctx context.Context, ownerID string, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, ownerID string, kind entity.Kind, ids []string) error
}
