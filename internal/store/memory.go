package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tessara/pipecache/internal/entity"
)

type ownerKey struct {
	owner string
	kind  entity.Kind
}

// MemoryStore is an in-process EntityStore used by the memory backend mode
// and by tests. Rows are kept per (owner, kind) and served in creation-time
// descending order, matching the remote contract.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[ownerKey][]entity.Entity

	// failNext holds errors to return, one per upcoming call, before normal
	// behavior resumes. Used to exercise retry and error paths.
	failNext []error

	countCalls  int
	selectCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[ownerKey][]entity.Entity{}}
}

// Seed replaces the rows for an owner/kind. Input order is ignored; rows are
// stored sorted by CreatedAt descending with id as tiebreaker.
func (m *MemoryStore) Seed(ownerID string, kind entity.Kind, rows []entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := make([]entity.Entity, len(rows))
	for i, r := range rows {
		cloned[i] = r.Clone()
	}
	sort.SliceStable(cloned, func(i, j int) bool {
		if !cloned[i].CreatedAt.Equal(cloned[j].CreatedAt) {
			return cloned[i].CreatedAt.After(cloned[j].CreatedAt)
		}
		return cloned[i].ID > cloned[j].ID
	})
	m.rows[ownerKey{ownerID, kind}] = cloned
}

// FailNext queues errors returned by the next calls (any operation), in order.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// CountCalls reports how many Count queries have been issued.
func (m *MemoryStore) CountCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countCalls
}

// SelectCalls reports how many SelectPage queries have been issued.
func (m *MemoryStore) SelectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectCalls
}

func (m *MemoryStore) popFault() error {
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *MemoryStore) Count(ctx context.Context, ownerID string, kind entity.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCalls++
	if err := m.popFault(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(m.rows[ownerKey{ownerID, kind}]), nil
}

func (m *MemoryStore) SelectPage(ctx context.Context, ownerID string, kind entity.Kind, offset, limit int) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectCalls++
	if err := m.popFault(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all := m.rows[ownerKey{ownerID, kind}]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]entity.Entity, 0, end-offset)
	for _, e := range all[offset:end] {
		page = append(page, e.Clone())
	}
	return page, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, ownerID string, e entity.Entity) (entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(); err != nil {
		return entity.Entity{}, err
	}
	if err := ctx.Err(); err != nil {
		return entity.Entity{}, err
	}

	key := ownerKey{ownerID, e.Kind}
	rows := m.rows[key]
	for i := range rows {
		if rows[i].ID == e.ID {
			rows[i] = e.Clone()
			return e.Clone(), nil
		}
	}
	// new rows are the most recently created, so they sort to the front
	m.rows[key] = append([]entity.Entity{e.Clone()}, rows...)
	return e.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, ownerID string, kind entity.Kind, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	key := ownerKey{ownerID, kind}
	kept := m.rows[key][:0]
	for _, e := range m.rows[key] {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	m.rows[key] = kept
	return nil
}
