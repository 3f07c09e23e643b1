package store

import (
	"context"
	"testing"

	"github.com/tessara/pipecache/internal/entity"
)

var _ EntityStore = (*PostgresStore)(nil)
var _ EntityStore = (*MemoryStore)(nil)

func TestPostgresStore_DeleteWithNoIDsIsNoOp(t *testing.T) {
	// an empty id list must return before touching the connection
	s := &PostgresStore{}
	if err := s.Delete(context.Background(), "o1", entity.KindContacts, nil); err != nil {
		t.Errorf("delete with no ids: %v", err)
	}
}
