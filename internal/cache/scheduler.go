package cache

import (
	"context"
	"time"

	"github.com/tessara/pipecache/internal/logger"
	"github.com/tessara/pipecache/internal/persist"
)

// StateSaver persists a ledger snapshot. Implemented by persist.StateRepository.
type StateSaver interface {
	Save(ctx context.Context, doc *persist.StateDocument) error
}

// StartPersistenceScheduler runs a goroutine that periodically flushes a
// dirty deletion ledger to durable storage. Every RemoveEntities marks the
// ledger dirty; the bulk cache is disposable, the ledger is not, so only the
// ledger is written through here. On ctx.Done a final flush runs before
// returning. Returns a channel closed when shutdown completes.
func StartPersistenceScheduler(
	ctx context.Context,
	ledger *Ledger,
	repo StateSaver,
	interval time.Duration,
) <-chan struct{} {
	done := make(chan struct{})
	kind := ledger.Kind()
	logger.WithKind("persist", kind).Debugf("starting persistence scheduler with interval: %v", interval)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final flush on shutdown - use background context to ensure it completes
				flushLedger(context.Background(), ledger, repo)
				logger.WithKind("persist", kind).Info("persistence scheduler stopped after final flush")
				return
			case <-ticker.C:
				flushLedger(ctx, ledger, repo)
			}
		}
	}()
	return done
}

// flushLedger persists the ledger if dirty. It respects context cancellation
// to allow graceful shutdown.
func flushLedger(ctx context.Context, ledger *Ledger, repo StateSaver) {
	if !ledger.IsDirty() {
		return
	}
	if err := ctx.Err(); err != nil {
		logger.WithKind("persist", ledger.Kind()).Debugf("flush cancelled: %v", err)
		return
	}

	doc := ledger.Snapshot()
	if err := repo.Save(ctx, &doc); err != nil {
		logger.WithKind("persist", ledger.Kind()).Errorf("persist error: failed to save: %v", err)
		return
	}

	ledger.ClearDirty()
	ledger.SetLastUpdate(doc.LastUpdate)
	logger.WithKind("persist", ledger.Kind()).Debugf("ledger persisted: %d deleted ids", len(doc.DeletedIDs))
}
