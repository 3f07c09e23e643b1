package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/tessara/pipecache/internal/cache"
	"github.com/tessara/pipecache/internal/config"
	"github.com/tessara/pipecache/internal/entity"
	"github.com/tessara/pipecache/internal/facet"
	"github.com/tessara/pipecache/internal/logger"
	"github.com/tessara/pipecache/internal/persist"
	"github.com/tessara/pipecache/internal/retry"
	"github.com/tessara/pipecache/internal/store"
)

// Kinds are the entity caches this service hosts.
var Kinds = []entity.Kind{entity.KindContacts, entity.KindOpportunities}

// App is the application container (immutable dependencies + lifecycle
// context). It is not a request context; handlers should still use gin's
// request context.
type App struct {
	Config    *config.Config
	StateRepo *persist.StateRepository
	Store     store.EntityStore
	Bridge    *facet.Bridge
	Caches    map[entity.Kind]*cache.Cache
	Loaders   map[entity.Kind]*cache.BackgroundLoader

	BaseCtx context.Context
	Cancel  context.CancelFunc
}

// New builds the container: one cache, ledger and background loader per kind,
// with ledgers rehydrated from durable storage (running the legacy migration
// when needed).
func New(cfg *config.Config, stateRepo *persist.StateRepository, entityStore store.EntityStore) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if stateRepo == nil {
		return nil, errors.New("state repository is nil")
	}
	if entityStore == nil {
		return nil, errors.New("entity store is nil")
	}

	facets, err := facet.NewCache(cfg.Cache.FacetMaxEntries)
	if err != nil {
		return nil, err
	}
	bridge := facet.NewBridge(facets)

	settings := cache.Settings{
		FirstBatchSize: cfg.Cache.FirstBatchSize,
		ChunkSize:      cfg.Cache.ChunkSize,
		Retry:          retry.Config{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff},
	}

	caches := map[entity.Kind]*cache.Cache{}
	loaders := map[entity.Kind]*cache.BackgroundLoader{}
	for _, kind := range Kinds {
		ledger := cache.NewLedger(string(kind))
		doc, err := stateRepo.Load(string(kind))
		if err != nil {
			return nil, fmt.Errorf("load %s state: %w", kind, err)
		}
		ledger.Rehydrate(doc)

		c := cache.New(kind, entityStore, ledger, bridge, settings)
		caches[kind] = c
		loaders[kind] = cache.NewBackgroundLoader(c, cfg.Cache.BackgroundDelay, cfg.Cache.MaxConsecutiveFailures)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Config:    cfg,
		StateRepo: stateRepo,
		Store:     entityStore,
		Bridge:    bridge,
		Caches:    caches,
		Loaders:   loaders,
		BaseCtx:   ctx,
		Cancel:    cancel,
	}, nil
}

// Shutdown cancels the base context; schedulers and loaders flush and exit.
func (a *App) Shutdown() {
	if a == nil || a.Cancel == nil {
		return
	}
	a.Cancel()
}

// StartWatchers launches the per-ledger persistence schedulers and the
// state-file watcher. Background loaders start later, when a cache is
// initialized for an owner.
func (a *App) StartWatchers() error {
	var ledgers []persist.LedgerStore
	for _, c := range a.Caches {
		cache.StartPersistenceScheduler(a.BaseCtx, c.Ledger(), a.StateRepo, a.Config.Data.PersistInterval)
		ledgers = append(ledgers, c.Ledger())
	}

	if err := a.StateRepo.StartWatcher(a.BaseCtx, ledgers); err != nil {
		return fmt.Errorf("start state watcher: %w", err)
	}
	logger.WithComponent("app").Infof("watchers started for %d caches", len(a.Caches))
	return nil
}

// EntityCaches adapts the concrete caches to the handler-facing interface.
func (a *App) EntityCaches() map[entity.Kind]cache.EntityCache {
	out := map[entity.Kind]cache.EntityCache{}
	for kind, c := range a.Caches {
		out[kind] = c
	}
	return out
}

// CacheLoaders adapts the concrete loaders to the handler-facing interface.
func (a *App) CacheLoaders() map[entity.Kind]cache.Loader {
	out := map[entity.Kind]cache.Loader{}
	for kind, l := range a.Loaders {
		out[kind] = l
	}
	return out
}

// RetryConfig is the wrapper configuration for remote calls made by handlers.
func (a *App) RetryConfig() retry.Config {
	return retry.Config{MaxAttempts: a.Config.Retry.MaxAttempts, Backoff: a.Config.Retry.Backoff}
}
