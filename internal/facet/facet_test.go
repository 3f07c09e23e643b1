package facet

import (
	"fmt"
	"reflect"
	"testing"
)

func TestCache_GetDerivesOnceThenServesCached(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	derivations := 0
	derive := func() []string {
		derivations++
		return []string{"won", "lost"}
	}

	first := c.Get("owner-1", "status", derive)
	second := c.Get("owner-1", "status", derive)
	if derivations != 1 {
		t.Errorf("derive ran %d times, want 1", derivations)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached values diverged: %v vs %v", first, second)
	}

	// a different field derives independently
	c.Get("owner-1", "region", derive)
	if derivations != 2 {
		t.Errorf("derive ran %d times after second field, want 2", derivations)
	}
}

func TestCache_InvalidateField(t *testing.T) {
	c, _ := NewCache(8)
	derivations := 0
	derive := func() []string { derivations++; return nil }

	c.Get("owner-1", "status", derive)
	c.Get("owner-1", "region", derive)
	c.InvalidateField("owner-1", "status")

	c.Get("owner-1", "region", derive)
	if derivations != 2 {
		t.Error("untouched field must stay cached")
	}
	c.Get("owner-1", "status", derive)
	if derivations != 3 {
		t.Error("invalidated field must re-derive")
	}
}

func TestCache_InvalidateOwnerLeavesOtherOwners(t *testing.T) {
	c, _ := NewCache(8)
	derivations := 0
	derive := func() []string { derivations++; return nil }

	c.Get("owner-1", "status", derive)
	c.Get("owner-1", "region", derive)
	c.Get("owner-2", "status", derive)
	c.InvalidateOwner("owner-1")

	c.Get("owner-2", "status", derive)
	if derivations != 3 {
		t.Error("other owners must survive an owner purge")
	}
	c.Get("owner-1", "status", derive)
	c.Get("owner-1", "region", derive)
	if derivations != 5 {
		t.Errorf("purged owner must re-derive everything, derivations = %d", derivations)
	}
}

func TestCache_BoundedByLRU(t *testing.T) {
	c, _ := NewCache(4)
	for i := 0; i < 10; i++ {
		c.Get("owner-1", fmt.Sprintf("field-%d", i), func() []string { return nil })
	}
	if c.Len() != 4 {
		t.Errorf("Len() = %d, want the LRU bound 4", c.Len())
	}
}

func TestBridge_EntitiesChangedPurgesOwner(t *testing.T) {
	c, _ := NewCache(8)
	b := NewBridge(c)
	derivations := 0
	derive := func() []string { derivations++; return nil }

	c.Get("owner-1", "status", derive)
	b.EntitiesChanged("owner-1")
	c.Get("owner-1", "status", derive)
	if derivations != 2 {
		t.Error("entity change must evict the owner's facet values")
	}
}

func filterable(ids ...string) []ColumnSpec {
	cols := make([]ColumnSpec, len(ids))
	for i, id := range ids {
		cols[i] = ColumnSpec{FieldID: id, Filterable: true}
	}
	return cols
}

func TestBridge_ColumnsChanged(t *testing.T) {
	seed := func(c *Cache) {
		for _, f := range []string{"status", "region", "owner"} {
			c.Get("owner-1", f, func() []string { return nil })
		}
	}

	t.Run("no change keeps everything", func(t *testing.T) {
		c, _ := NewCache(8)
		b := NewBridge(c)
		seed(c)
		b.ColumnsChanged("owner-1", filterable("status", "region"), filterable("status", "region"))
		if c.Len() != 3 {
			t.Errorf("Len() = %d, want 3", c.Len())
		}
	})

	t.Run("single changed field evicts only that field", func(t *testing.T) {
		c, _ := NewCache(8)
		b := NewBridge(c)
		seed(c)
		b.ColumnsChanged("owner-1", filterable("status", "region"), filterable("region"))
		if c.Len() != 2 {
			t.Errorf("Len() = %d, want 2", c.Len())
		}
		derived := false
		c.Get("owner-1", "region", func() []string { derived = true; return nil })
		if derived {
			t.Error("unchanged field must stay cached")
		}
	})

	t.Run("deleted column counts as changed", func(t *testing.T) {
		c, _ := NewCache(8)
		b := NewBridge(c)
		seed(c)
		after := []ColumnSpec{
			{FieldID: "status", Filterable: true, Deleted: true},
			{FieldID: "region", Filterable: true},
		}
		b.ColumnsChanged("owner-1", filterable("status", "region"), after)
		derived := false
		c.Get("owner-1", "status", func() []string { derived = true; return nil })
		if !derived {
			t.Error("deleted column's facet values must be evicted")
		}
	})

	t.Run("multiple changed fields purge the owner", func(t *testing.T) {
		c, _ := NewCache(8)
		b := NewBridge(c)
		seed(c)
		b.ColumnsChanged("owner-1", filterable("status", "region"), filterable("pipeline", "stage"))
		if c.Len() != 0 {
			t.Errorf("Len() = %d, want full purge", c.Len())
		}
	})
}
