// Package persist owns the durable key-value storage for cache state:
// one versioned JSON document per entity kind, written atomically, plus a
// directory watcher that picks up externally replaced state files.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"

	"github.com/tessara/pipecache/internal/logger"
)

// LedgerStore is the live-state interface the watcher callback needs.
// Implemented by cache.Ledger.
type LedgerStore interface {
	Kind() string
	GetLastUpdate() int64
	IsDirty() bool
	Rehydrate(doc StateDocument)
}

// StateRepository persists StateDocuments under <dir>/<kind>-state.json.
type StateRepository struct {
	dir       string
	validator *validator.Validate
	mu        sync.Mutex
}

// NewStateRepository creates the repository, creating dir if needed.
func NewStateRepository(dir string) (*StateRepository, error) {
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateRepository{dir: dir, validator: validator.New()}, nil
}

func (r *StateRepository) statePath(kind string) string {
	return filepath.Join(r.dir, kind+"-state.json")
}

// legacyPath is the pre-versioning storage location: a bare JSON id array.
func (r *StateRepository) legacyPath(kind string) string {
	return filepath.Join(r.dir, kind+"-deleted.json")
}

// Load reads the state document for a kind. A missing file yields an empty
// current-version document. If a legacy deleted-ids file exists, its ids are
// merged in once and the legacy file removed; running Load again after that
// is a no-op with respect to migration.
func (r *StateRepository) Load(kind string) (StateDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.loadUnlocked(kind)
	if err != nil {
		return StateDocument{}, err
	}

	migrated, err := r.migrateLegacyUnlocked(kind, &doc)
	if err != nil {
		return StateDocument{}, err
	}
	if migrated {
		if err := r.saveUnlocked(&doc); err != nil {
			return StateDocument{}, fmt.Errorf("persist migrated state: %w", err)
		}
	}
	return doc, nil
}

func (r *StateRepository) loadUnlocked(kind string) (StateDocument, error) {
	file, err := os.Open(r.statePath(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyState(kind), nil
		}
		return StateDocument{}, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	var doc StateDocument
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return StateDocument{}, fmt.Errorf("decode state file: %w", err)
	}
	if doc.Kind == "" {
		doc.Kind = kind
	}
	if err := r.validator.Struct(&doc); err != nil {
		return StateDocument{}, fmt.Errorf("validate state file: %w", err)
	}
	return doc, nil
}

// migrateLegacyUnlocked folds a legacy bare-array file into doc, removing the
// legacy file. Returns true when a migration happened.
func (r *StateRepository) migrateLegacyUnlocked(kind string, doc *StateDocument) (bool, error) {
	payload, err := os.ReadFile(r.legacyPath(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read legacy state: %w", err)
	}

	var legacyIDs []string
	if err := json.Unmarshal(payload, &legacyIDs); err != nil {
		return false, fmt.Errorf("decode legacy state: %w", err)
	}

	seen := map[string]bool{}
	for _, id := range doc.DeletedIDs {
		seen[id] = true
	}
	for _, id := range legacyIDs {
		if id != "" && !seen[id] {
			doc.DeletedIDs = append(doc.DeletedIDs, id)
			seen[id] = true
		}
	}
	doc.Version = StateVersion

	if err := os.Remove(r.legacyPath(kind)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove legacy state: %w", err)
	}
	logger.WithComponent("persist").Infof("migrated %d legacy deleted ids for %s", len(legacyIDs), kind)
	return true, nil
}

// Save validates and writes a document atomically (temp file + rename).
func (r *StateRepository) Save(ctx context.Context, doc *StateDocument) error {
	if doc == nil {
		return errors.New("state document is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.validator.Struct(doc); err != nil {
		return fmt.Errorf("validate before save: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveUnlocked(doc)
}

func (r *StateRepository) saveUnlocked(doc *StateDocument) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpFile, err := os.CreateTemp(r.dir, doc.Kind+"-state.json.tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), r.statePath(doc.Kind)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// StartWatcher reloads state files replaced out-of-band (restored backups,
// manual edits) and rehydrates the matching ledger. The directory is watched
// rather than the files so atomic replace sequences are still observed.
// Events are matched by basename against the registered ledgers and debounced.
// Cancel ctx to stop the goroutine and close the watcher.
func (r *StateRepository) StartWatcher(ctx context.Context, ledgers []LedgerStore) error {
	byBase := map[string]LedgerStore{}
	for _, l := range ledgers {
		byBase[filepath.Base(r.statePath(l.Kind()))] = l
	}
	if len(byBase) == 0 {
		return errors.New("at least one ledger is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// debounce coalesces bursty fsnotify events (write+chmod/rename)
		// into a single reload per kind.
		timers := map[string]*time.Timer{}
		schedule := func(base string, l LedgerStore) {
			if t := timers[base]; t != nil {
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
			}
			timers[base] = time.AfterFunc(200*time.Millisecond, r.makeReloadCallback(l))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l, watched := byBase[filepath.Base(event.Name)]
				if !watched {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule(filepath.Base(event.Name), l)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithComponent("persist").Errorf("watcher error: %v", err)
			}
		}
	}()

	return nil
}

// makeReloadCallback returns the debounced reload for one ledger.
func (r *StateRepository) makeReloadCallback(l LedgerStore) func() {
	return func() {
		diskDoc, err := r.Load(l.Kind())
		if err != nil {
			logger.WithComponent("persist").Errorf("watch reload failed: %v", err)
			return
		}

		if diskDoc.LastUpdate < l.GetLastUpdate() {
			logger.WithComponent("persist").Debugf("disk state for %s is older than memory, skipping reload", l.Kind())
			return
		}
		if l.IsDirty() {
			// memory will be flushed over the disk copy soon anyway
			logger.WithComponent("persist").Warnf("disk state for %s is newer but ledger is dirty; skipping reload", l.Kind())
			return
		}

		l.Rehydrate(diskDoc)
		logger.WithComponent("persist").Infof("ledger for %s rehydrated from disk", l.Kind())
	}
}
