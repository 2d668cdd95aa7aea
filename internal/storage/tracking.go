package storage

import (
	"sync"

	"golang.org/x/exp/slices"
)

// TrackingStore records which nodes hold a read-only delegation per key.
type TrackingStore struct {
	mu      sync.Mutex
	holders map[string]map[uint32]struct{}
}

// NewTrackingStore creates an empty tracking store.
func NewTrackingStore() *TrackingStore {
	return &TrackingStore{holders: make(map[string]map[uint32]struct{})}
}

// Add records that pnn holds a delegation for key. It reports whether pnn
// was newly added.
func (t *TrackingStore) Add(key []byte, pnn uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.holders[string(key)]
	if !ok {
		set = make(map[uint32]struct{})
		t.holders[string(key)] = set
	}
	if _, ok := set[pnn]; ok {
		return false
	}
	set[pnn] = struct{}{}
	return true
}

// Nodes returns the holders of key in ascending pnn order.
func (t *TrackingStore) Nodes(key []byte) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.holders[string(key)]
	nodes := make([]uint32, 0, len(set))
	for pnn := range set {
		nodes = append(nodes, pnn)
	}
	slices.Sort(nodes)
	return nodes
}

// Delete drops all holders of key.
func (t *TrackingStore) Delete(key []byte) {
	t.mu.Lock()
	delete(t.holders, string(key))
	t.mu.Unlock()
}

// Len returns the number of tracked keys.
func (t *TrackingStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.holders)
}
