package cluster

import (
	"errors"
	"fmt"
	"sync"
)

// NodeFlags is the per-node flag set.
type NodeFlags uint32

const (
	FlagDisconnected        NodeFlags = 0x00000001
	FlagUnhealthy           NodeFlags = 0x00000002
	FlagPermanentlyDisabled NodeFlags = 0x00000004
	FlagBanned              NodeFlags = 0x00000008
	FlagStopped             NodeFlags = 0x00000020

	// FlagsInactive make a node ineligible for record ownership.
	FlagsInactive = FlagDisconnected | FlagBanned | FlagStopped
)

// Has reports whether any bit of f2 is set.
func (f NodeFlags) Has(f2 NodeFlags) bool { return f&f2 != 0 }

func (f NodeFlags) String() string {
	if f == 0 {
		return "OK"
	}
	names := []struct {
		flag NodeFlags
		name string
	}{
		{FlagDisconnected, "DISCONNECTED"},
		{FlagUnhealthy, "UNHEALTHY"},
		{FlagPermanentlyDisabled, "DISABLED"},
		{FlagBanned, "BANNED"},
		{FlagStopped, "STOPPED"},
	}
	s := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

// ErrUnknownNode is returned for a pnn or address not in the node table.
var ErrUnknownNode = errors.New("unknown node")

// Node is one cluster member.
type Node struct {
	PNN     uint32    `json:"pnn"`
	Address string    `json:"address"`
	Flags   NodeFlags `json:"flags"`
}

// NodeMap is the cluster node table.
type NodeMap struct {
	mu    sync.RWMutex
	nodes []Node
}

// NewNodeMap builds a table from the ordered address list. Every node
// except self starts disconnected until it is heard from.
func NewNodeMap(addresses []string, self uint32) *NodeMap {
	m := &NodeMap{nodes: make([]Node, len(addresses))}
	for i, addr := range addresses {
		m.nodes[i] = Node{PNN: uint32(i), Address: addr}
		if uint32(i) != self {
			m.nodes[i].Flags = FlagDisconnected
		}
	}
	return m
}

// PNNForAddress returns the pnn configured for addr.
func PNNForAddress(addresses []string, addr string) (uint32, error) {
	for i, a := range addresses {
		if a == addr {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: address %q", ErrUnknownNode, addr)
}

// Len returns the number of configured nodes.
func (m *NodeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Get returns a copy of node pnn.
func (m *NodeMap) Get(pnn uint32) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(pnn) >= len(m.nodes) {
		return Node{}, fmt.Errorf("%w: pnn %d", ErrUnknownNode, pnn)
	}
	return m.nodes[pnn], nil
}

// All returns a copy of every node in pnn order.
func (m *NodeMap) All() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Node, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// Modify sets and clears flags on node pnn and returns the old and new
// flag sets.
func (m *NodeMap) Modify(pnn uint32, set, clear NodeFlags) (NodeFlags, NodeFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(pnn) >= len(m.nodes) {
		return 0, 0, fmt.Errorf("%w: pnn %d", ErrUnknownNode, pnn)
	}
	old := m.nodes[pnn].Flags
	m.nodes[pnn].Flags = (old | set) &^ clear
	return old, m.nodes[pnn].Flags, nil
}

// Connected returns the pnns of every node not flagged disconnected,
// excluding self.
func (m *NodeMap) Connected(self uint32) []uint32 {
	return m.filter(func(n Node) bool {
		return n.PNN != self && !n.Flags.Has(FlagDisconnected)
	})
}

// Active returns the pnns of every node eligible for record ownership.
func (m *NodeMap) Active() []uint32 {
	return m.filter(func(n Node) bool { return !n.Flags.Has(FlagsInactive) })
}

// IsConnected reports whether node pnn is known and connected.
func (m *NodeMap) IsConnected(pnn uint32) bool {
	n, err := m.Get(pnn)
	return err == nil && !n.Flags.Has(FlagDisconnected)
}

func (m *NodeMap) filter(keep func(Node) bool) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint32, 0, len(m.nodes))
	for _, n := range m.nodes {
		if keep(n) {
			out = append(out, n.PNN)
		}
	}
	return out
}
