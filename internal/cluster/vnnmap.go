package cluster

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// ErrEmptyMap is returned when a VNN map is built with no nodes.
var ErrEmptyMap = errors.New("vnn map has no nodes")

// VNNMap maps the key hash space onto lmaster nodes.
//
// The lmaster of a key does not necessarily hold the record; it always
// knows which node does, and is where a call starts looking when the
// local copy gives no better hint. The map is replaced as a whole when
// the cluster moves to a new generation, and every node builds it from
// the same sorted set of active pnns, so all members agree on the
// lmaster of every key.
//
// VNNMap is safe for concurrent use. Lmaster is called from the event
// loop and from the record store when it builds the initial header of a
// missing record.
type VNNMap struct {
	mu         sync.RWMutex
	generation uint32
	vnn        []uint32
}

// NewVNNMap creates a map for generation over pnns.
func NewVNNMap(generation uint32, pnns []uint32) (*VNNMap, error) {
	m := &VNNMap{}
	if err := m.Set(generation, pnns); err != nil {
		return nil, err
	}
	return m, nil
}

// Set replaces the map contents. pnns are used in ascending order so
// every node computes the same map.
func (m *VNNMap) Set(generation uint32, pnns []uint32) error {
	if len(pnns) == 0 {
		return ErrEmptyMap
	}
	vnn := slices.Clone(pnns)
	slices.Sort(vnn)
	vnn = slices.Compact(vnn)

	m.mu.Lock()
	m.generation = generation
	m.vnn = vnn
	m.mu.Unlock()
	return nil
}

// Generation returns the generation the map was built for.
func (m *VNNMap) Generation() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Nodes returns the pnns in the map.
func (m *VNNMap) Nodes() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.vnn)
}

// Lmaster returns the lmaster of key: the entry at xxhash(key) modulo the
// map size. An empty map answers 0.
func (m *VNNMap) Lmaster(key []byte) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.vnn) == 0 {
		return 0
	}
	return m.vnn[xxhash.Sum64(key)%uint64(len(m.vnn))]
}
