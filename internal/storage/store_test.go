package storage

import (
	"bytes"
	"testing"

	"github.com/dreamware/clusterd/internal/protocol"
)

// TestMemoryStore tests the locked record lifecycle
func TestMemoryStore(t *testing.T) {
	t.Run("missing record gets default dmaster", func(t *testing.T) {
		store := NewMemoryStore(func(key []byte) uint32 { return uint32(len(key)) })

		if err := store.Acquire([]byte("abc"), nil); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		hdr, data, err := store.Fetch([]byte("abc"))
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if hdr.Dmaster != 3 || hdr.RSN != 0 || data != nil {
			t.Errorf("Expected initial header with dmaster 3, got %+v data=%q", hdr, data)
		}
	})

	t.Run("store and fetch", func(t *testing.T) {
		store := NewMemoryStore(nil)
		key := []byte("k1")

		if err := store.Acquire(key, nil); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		want := protocol.RecordHeader{RSN: 7, Dmaster: 2, Flags: protocol.RecROHaveDelegations}
		if err := store.Store(key, want, []byte("value")); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		hdr, data, err := store.Fetch(key)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if hdr != want || !bytes.Equal(data, []byte("value")) {
			t.Errorf("Got %+v %q", hdr, data)
		}

		// Returned slice is a copy
		data[0] = 'X'
		_, again, _ := store.Fetch(key)
		if !bytes.Equal(again, []byte("value")) {
			t.Errorf("Fetch returned store-owned memory")
		}
	})

	t.Run("unlocked access is rejected", func(t *testing.T) {
		store := NewMemoryStore(nil)

		if _, _, err := store.Fetch([]byte("k")); err != ErrNotLocked {
			t.Errorf("Expected ErrNotLocked from Fetch, got %v", err)
		}
		if err := store.Store([]byte("k"), protocol.RecordHeader{}, nil); err != ErrNotLocked {
			t.Errorf("Expected ErrNotLocked from Store, got %v", err)
		}
		if err := store.Release([]byte("k")); err != ErrNotLocked {
			t.Errorf("Expected ErrNotLocked from Release, got %v", err)
		}
	})

	t.Run("peek", func(t *testing.T) {
		store := NewMemoryStore(nil)
		if _, _, err := store.Peek([]byte("k")); err != ErrNotFound {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		_ = store.Acquire([]byte("k"), nil)
		_ = store.Store([]byte("k"), protocol.RecordHeader{RSN: 1}, []byte("v"))
		_ = store.Release([]byte("k"))

		hdr, data, err := store.Peek([]byte("k"))
		if err != nil || hdr.RSN != 1 || string(data) != "v" {
			t.Errorf("Peek got %+v %q %v", hdr, data, err)
		}
	})
}

// TestMemoryStoreContention tests retry and requeue behaviour
func TestMemoryStoreContention(t *testing.T) {
	t.Run("busy key returns retry and requeues in order", func(t *testing.T) {
		store := NewMemoryStore(nil)
		key := []byte("k")

		release, err := store.Hold(key)
		if err != nil {
			t.Fatalf("Hold failed: %v", err)
		}

		var order []int
		for i := 1; i <= 3; i++ {
			i := i
			if err := store.Acquire(key, func() { order = append(order, i) }); err != ErrRetry {
				t.Fatalf("Expected ErrRetry, got %v", err)
			}
		}
		if got := store.Stats().Waiters; got != 3 {
			t.Errorf("Expected 3 waiters, got %d", got)
		}

		release()
		release() // second call is a no-op

		if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
			t.Errorf("Expected requeue order [1 2 3], got %v", order)
		}
		if err := store.Acquire(key, nil); err != nil {
			t.Errorf("Expected key to be free after release, got %v", err)
		}
	})

	t.Run("frozen store", func(t *testing.T) {
		store := NewMemoryStore(nil)
		store.Freeze()
		if !store.Frozen() {
			t.Fatal("Expected store to be frozen")
		}

		fired := 0
		if err := store.Acquire([]byte("a"), func() { fired++ }); err != ErrRetry {
			t.Fatalf("Expected ErrRetry while frozen, got %v", err)
		}
		if fired != 0 {
			t.Fatal("Requeue fired before thaw")
		}

		store.Thaw()
		if fired != 1 {
			t.Errorf("Expected requeue on thaw, fired=%d", fired)
		}
		if err := store.Acquire([]byte("a"), nil); err != nil {
			t.Errorf("Acquire after thaw failed: %v", err)
		}
	})
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore(nil)
	for _, k := range []string{"a", "bb"} {
		_ = store.Acquire([]byte(k), nil)
		_ = store.Store([]byte(k), protocol.RecordHeader{}, []byte(k))
	}
	_ = store.Release([]byte("a"))

	st := store.Stats()
	if st.Records != 2 || st.Bytes != 3 || st.Locked != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if len(store.Keys()) != 2 {
		t.Errorf("Expected 2 keys")
	}
}

func TestTrackingStore(t *testing.T) {
	ts := NewTrackingStore()
	key := []byte("k")

	if !ts.Add(key, 3) || !ts.Add(key, 1) {
		t.Fatal("Expected new holders to be added")
	}
	if ts.Add(key, 3) {
		t.Error("Duplicate holder reported as new")
	}
	nodes := ts.Nodes(key)
	if len(nodes) != 2 || nodes[0] != 1 || nodes[1] != 3 {
		t.Errorf("Expected [1 3], got %v", nodes)
	}

	ts.Delete(key)
	if len(ts.Nodes(key)) != 0 || ts.Len() != 0 {
		t.Error("Expected tracking entry to be removed")
	}
}
