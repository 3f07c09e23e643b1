package controller

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/tessara/pipecache/internal/cache"
	"github.com/tessara/pipecache/internal/entity"
	"github.com/tessara/pipecache/internal/facet"
	"github.com/tessara/pipecache/internal/logger"
	"github.com/tessara/pipecache/internal/retry"
	"github.com/tessara/pipecache/internal/store"
)

// CacheController exposes the per-kind entity caches to the rendering layer:
// reactive state snapshots plus the operation surface (initialize, fetch-next,
// clear, remove, restore, upsert) and background-loader controls.
type CacheController struct {
	baseCtx  context.Context
	remote   store.EntityStore
	caches   map[entity.Kind]cache.EntityCache
	loaders  map[entity.Kind]cache.Loader
	bridge   *facet.Bridge
	retryCfg retry.Config
}

// NewCacheController wires the controller to the app's caches and loaders.
func NewCacheController(
	baseCtx context.Context,
	remote store.EntityStore,
	caches map[entity.Kind]cache.EntityCache,
	loaders map[entity.Kind]cache.Loader,
	bridge *facet.Bridge,
	retryCfg retry.Config,
) *CacheController {
	return &CacheController{
		baseCtx:  baseCtx,
		remote:   remote,
		caches:   caches,
		loaders:  loaders,
		bridge:   bridge,
		retryCfg: retryCfg,
	}
}

func (cc *CacheController) lookup(c *gin.Context) (entity.Kind, cache.EntityCache, bool) {
	kind, err := entity.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", nil, false
	}
	ec, ok := cc.caches[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cache for kind"})
		return "", nil, false
	}
	return kind, ec, true
}

// State handles GET /api/:kind/state - the full reactive state snapshot.
func (cc *CacheController) State(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ec.Snapshot())
}

type initializeRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
}

// Initialize handles POST /api/:kind/initialize - count + first batch, then
// kicks off background loading. Re-posting the same owner is a no-op.
func (cc *CacheController) Initialize(c *gin.Context) {
	kind, ec, ok := cc.lookup(c)
	if !ok {
		return
	}

	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ownerId is required"})
		return
	}

	if err := ec.Initialize(c.Request.Context(), req.OwnerID); err != nil {
		logger.WithKind("cache-controller", string(kind)).Errorf("initialize failed: %v", err)
		c.JSON(http.StatusBadGateway, ec.Snapshot())
		return
	}

	// stream the rest in outside the request lifetime
	if loader, ok := cc.loaders[kind]; ok && ec.HasMore() {
		loader.Start(cc.baseCtx)
	}
	c.JSON(http.StatusOK, ec.Snapshot())
}

// FetchNext handles POST /api/:kind/fetch-next - one manual chunk (the
// "refresh" recovery path after background failures).
func (cc *CacheController) FetchNext(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}
	if err := ec.FetchNext(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, ec.Snapshot())
		return
	}
	c.JSON(http.StatusOK, ec.Snapshot())
}

// Clear handles POST /api/:kind/clear - the logout reset. Bulk state is
// dropped; the deletion ledger survives.
func (cc *CacheController) Clear(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}
	ec.Clear()
	c.JSON(http.StatusOK, ec.Snapshot())
}

type removeRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

// Remove handles DELETE /api/:kind - optimistic local removal followed by the
// remote delete. If the remote call fails after retries, the local removal is
// rolled back and 502 returned.
func (cc *CacheController) Remove(c *gin.Context) {
	kind, ec, ok := cc.lookup(c)
	if !ok {
		return
	}

	var req removeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}
	ownerID := ec.Owner()
	if ownerID == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "cache not initialized"})
		return
	}

	removed := ec.RemoveEntities(req.IDs)

	_, err := retry.Do(c.Request.Context(), cc.retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, cc.remote.Delete(ctx, ownerID, kind, req.IDs)
	})
	if err != nil {
		// roll back the optimistic removal; the ids stay in the ledger until
		// the restore endpoint clears them
		ec.RestoreEntities(removed)
		ec.SetDeleteError(err.Error())
		logger.WithKind("cache-controller", string(kind)).Errorf("remote delete failed, restored %d entities: %v", len(removed), err)
		c.JSON(http.StatusBadGateway, ec.Snapshot())
		return
	}
	c.JSON(http.StatusOK, ec.Snapshot())
}

type restoreRequest struct {
	Entities []entity.Entity `json:"entities" binding:"required,min=1"`
}

// Restore handles POST /api/:kind/restore - the caller-driven rollback path.
// Restored entities are live again, so their ids are dropped from the
// deletion ledger here, explicitly.
func (cc *CacheController) Restore(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}

	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entities are required"})
		return
	}

	ec.RestoreEntities(req.Entities)
	if ledger := ec.Ledger(); ledger != nil {
		ids := make([]string, 0, len(req.Entities))
		for _, e := range req.Entities {
			ids = append(ids, e.ID)
		}
		ledger.Remove(ids...)
	}
	c.JSON(http.StatusOK, ec.Snapshot())
}

// Upsert handles PUT /api/:kind - decode, remote upsert, then cache merge.
// Malformed rows are rejected at the boundary, not defaulted.
func (cc *CacheController) Upsert(c *gin.Context) {
	kind, ec, ok := cc.lookup(c)
	if !ok {
		return
	}

	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity payload"})
		return
	}
	e, err := entity.Decode(kind, raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	ownerID := ec.Owner()
	if ownerID == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "cache not initialized"})
		return
	}

	saved, err := retry.Do(c.Request.Context(), cc.retryCfg, func(ctx context.Context) (entity.Entity, error) {
		return cc.remote.Upsert(ctx, ownerID, e)
	})
	if err != nil {
		ec.SetUpdateError(err.Error())
		logger.WithKind("cache-controller", string(kind)).Errorf("remote upsert failed for %s: %v", e.ID, err)
		c.JSON(http.StatusBadGateway, ec.Snapshot())
		return
	}

	ec.AddEntity(saved)
	c.JSON(http.StatusOK, ec.Snapshot())
}

// PauseBackground handles POST /api/:kind/background/pause.
func (cc *CacheController) PauseBackground(c *gin.Context) {
	kind, _, ok := cc.lookup(c)
	if !ok {
		return
	}
	loader, ok := cc.loaders[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no loader for kind"})
		return
	}
	loader.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// ResumeBackground handles POST /api/:kind/background/resume.
func (cc *CacheController) ResumeBackground(c *gin.Context) {
	kind, _, ok := cc.lookup(c)
	if !ok {
		return
	}
	loader, ok := cc.loaders[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no loader for kind"})
		return
	}
	loader.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// Facets handles GET /api/:kind/facets/:fieldId - the distinct filter values
// for one column, derived from the loaded entities and memoized until the
// invalidation bridge evicts them.
func (cc *CacheController) Facets(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}
	fieldID := c.Param("fieldId")
	ownerID := ec.Owner()
	if ownerID == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "cache not initialized"})
		return
	}

	values := cc.bridge.Facets().Get(ownerID, fieldID, func() []string {
		return deriveFacetValues(ec.Snapshot(), fieldID)
	})
	c.JSON(http.StatusOK, gin.H{"fieldId": fieldID, "values": values})
}

type columnsChangedRequest struct {
	Before []facet.ColumnSpec `json:"before"`
	After  []facet.ColumnSpec `json:"after"`
}

// ColumnsChanged handles POST /api/:kind/columns-changed - the grid reports a
// column-configuration diff and the bridge evicts dependent facet values.
func (cc *CacheController) ColumnsChanged(c *gin.Context) {
	_, ec, ok := cc.lookup(c)
	if !ok {
		return
	}
	var req columnsChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid columns payload"})
		return
	}
	ownerID := ec.Owner()
	if ownerID == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "cache not initialized"})
		return
	}
	cc.bridge.ColumnsChanged(ownerID, req.Before, req.After)
	c.Status(http.StatusNoContent)
}

// deriveFacetValues scans a snapshot for the distinct values of one field,
// sorted for a stable filter dropdown.
func deriveFacetValues(state cache.State, fieldID string) []string {
	seen := map[string]bool{}
	var values []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}

	for _, id := range state.OrderedIDs {
		e, ok := state.Entities[id]
		if !ok {
			continue
		}
		switch fieldID {
		case "name":
			add(e.Name)
		case "company":
			add(e.Company)
		case "status":
			add(e.Status)
		default:
			if v, ok := e.Fields[fieldID].(string); ok {
				add(v)
			}
		}
	}
	sort.Strings(values)
	return values
}
