package trace

import "testing"

func TestCursorFillAndReset(t *testing.T) {
	buf := NewBuffer(4)
	cur := NewCursor(buf)

	for i := 0; i < 3; i++ {
		if full := cur.Put(Entry{Type: TypeMemoryRead, Param0: uint32(i)}); full {
			t.Fatalf("Put() reported full after %d of 4 entries", i+1)
		}
	}
	if !cur.Put(Entry{Type: TypeMemoryRead, Param0: 3}) {
		t.Fatal("Put() did not report full at capacity")
	}
	if cur.Len() != 4 {
		t.Errorf("Len() = %d, want 4", cur.Len())
	}

	pending := cur.Pending()
	if len(pending) != 4 {
		t.Fatalf("Pending() returned %d entries, want 4", len(pending))
	}
	for i, e := range pending {
		if e.Param0 != uint32(i) {
			t.Errorf("pending entry %d has Param0 = %d, want %d", i, e.Param0, i)
		}
	}

	cur.Reset()
	if cur.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", cur.Len())
	}
	if len(cur.Pending()) != 0 {
		t.Errorf("Pending() after Reset returned %d entries, want 0", len(cur.Pending()))
	}
}

func TestCursorReuseAfterReset(t *testing.T) {
	cur := NewCursor(NewBuffer(2))

	cur.Put(Entry{Param1: 1})
	cur.Put(Entry{Param1: 2})
	cur.Reset()

	cur.Put(Entry{Param1: 3})
	pending := cur.Pending()
	if len(pending) != 1 || pending[0].Param1 != 3 {
		t.Errorf("Pending() after reuse = %+v, want one entry with Param1 = 3", pending)
	}
}

func TestNewBufferDefaultCapacity(t *testing.T) {
	if got := NewBuffer(0).Capacity(); got != DefaultBufferCapacity {
		t.Errorf("NewBuffer(0).Capacity() = %d, want %d", got, DefaultBufferCapacity)
	}
	if got := NewBuffer(-5).Capacity(); got != DefaultBufferCapacity {
		t.Errorf("NewBuffer(-5).Capacity() = %d, want %d", got, DefaultBufferCapacity)
	}
	if got := NewBuffer(16).Capacity(); got != 16 {
		t.Errorf("NewBuffer(16).Capacity() = %d, want 16", got)
	}
}
