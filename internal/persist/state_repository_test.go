package persist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestNewStateRepository_RequiresDir(t *testing.T) {
	if _, err := NewStateRepository(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestLoad_MissingFileYieldsEmptyState(t *testing.T) {
	repo, err := NewStateRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	doc, err := repo.Load("contacts")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Version != StateVersion || doc.Kind != "contacts" || len(doc.DeletedIDs) != 0 {
		t.Errorf("empty state = %+v", doc)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	doc := StateDocument{
		Version:     StateVersion,
		Kind:        "opportunities",
		DeletedIDs:  []string{"o-1", "o-2"},
		Initialized: true,
		LastUpdate:  time.Now().UnixMilli(),
	}
	if err := repo.Save(context.Background(), &doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := repo.Load("opportunities")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, doc) {
		t.Errorf("loaded = %+v, want %+v", loaded, doc)
	}

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "opportunities-state.json" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestSave_RejectsInvalidDocument(t *testing.T) {
	repo, err := NewStateRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	if err := repo.Save(context.Background(), &StateDocument{Version: StateVersion}); err == nil {
		t.Error("document without kind must be rejected")
	}
	if err := repo.Save(context.Background(), nil); err == nil {
		t.Error("nil document must be rejected")
	}
}

func TestLoad_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "contacts-state.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := repo.Load("contacts"); err == nil {
		t.Error("corrupt state file must error, not be silently replaced")
	}
}

func TestLoad_MigratesLegacyDeletedFileOnce(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	legacy := filepath.Join(dir, "contacts-deleted.json")
	if err := os.WriteFile(legacy, []byte(`["a","b","a",""]`), 0o644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	doc, err := repo.Load("contacts")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(doc.DeletedIDs, []string{"a", "b"}) {
		t.Errorf("migrated ids = %v, want [a b]", doc.DeletedIDs)
	}
	if doc.Version != StateVersion {
		t.Errorf("migrated version = %d", doc.Version)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy file must be removed after migration")
	}

	// second load finds the persisted migrated state, not a re-migration
	again, err := repo.Load("contacts")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !reflect.DeepEqual(again.DeletedIDs, []string{"a", "b"}) {
		t.Errorf("second load ids = %v", again.DeletedIDs)
	}
}

func TestLoad_MergesLegacyIntoExistingState(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	existing := StateDocument{Version: StateVersion, Kind: "contacts", DeletedIDs: []string{"a"}}
	if err := repo.Save(context.Background(), &existing); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "contacts-deleted.json"), []byte(`["a","c"]`), 0o644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	doc, err := repo.Load("contacts")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(doc.DeletedIDs, []string{"a", "c"}) {
		t.Errorf("merged ids = %v, want [a c]", doc.DeletedIDs)
	}
}

type fakeLedger struct {
	mu         sync.Mutex
	kind       string
	lastUpdate int64
	dirty      bool
	rehydrated []StateDocument
}

func (f *fakeLedger) Kind() string { return f.kind }

func (f *fakeLedger) GetLastUpdate() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate
}

func (f *fakeLedger) IsDirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

func (f *fakeLedger) Rehydrate(doc StateDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rehydrated = append(f.rehydrated, doc)
}

func (f *fakeLedger) rehydrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rehydrated)
}

func (f *fakeLedger) firstRehydration() StateDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rehydrated[0]
}

func TestStartWatcher_RehydratesOnExternalReplace(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	ledger := &fakeLedger{kind: "contacts"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := repo.StartWatcher(ctx, []LedgerStore{ledger}); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	doc := StateDocument{
		Version:    StateVersion,
		Kind:       "contacts",
		DeletedIDs: []string{"x"},
		LastUpdate: time.Now().UnixMilli(),
	}
	payload, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, "contacts-state.json"), payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ledger.rehydrations() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ledger.rehydrations() == 0 {
		t.Fatal("external file replace never rehydrated the ledger")
	}
	got := ledger.firstRehydration()
	if !reflect.DeepEqual(got.DeletedIDs, []string{"x"}) {
		t.Errorf("rehydrated ids = %v, want [x]", got.DeletedIDs)
	}
}

func TestStartWatcher_SkipsWhenLedgerIsDirty(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewStateRepository(dir)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	ledger := &fakeLedger{kind: "contacts", dirty: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := repo.StartWatcher(ctx, []LedgerStore{ledger}); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	doc := StateDocument{
		Version:    StateVersion,
		Kind:       "contacts",
		DeletedIDs: []string{"x"},
		LastUpdate: time.Now().UnixMilli(),
	}
	payload, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, "contacts-state.json"), payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if ledger.rehydrations() != 0 {
		t.Error("dirty ledger must not be clobbered by a disk reload")
	}
}

func TestStartWatcher_RequiresLedgers(t *testing.T) {
	repo, err := NewStateRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	if err := repo.StartWatcher(context.Background(), nil); err == nil {
		t.Error("expected error with no ledgers")
	}
}
