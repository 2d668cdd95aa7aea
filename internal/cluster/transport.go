package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNodeUnreachable is returned when a packet cannot be queued for
	// its destination.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrTransportClosed is returned after Shutdown.
	ErrTransportClosed = errors.New("transport closed")
)

// Handler receives what a transport reads off the network. Both methods
// are called from transport goroutines and must not block; the daemon
// posts the work onto its event loop.
type Handler interface {
	// Deliver receives one complete packet.
	Deliver(pkt []byte)
	// NodeDown reports that the stream to node pnn is gone. It may be
	// reported more than once per outage.
	NodeDown(pnn uint32)
}

// DeliverFunc is a Handler that only receives packets.
type DeliverFunc func(pkt []byte)

func (f DeliverFunc) Deliver(pkt []byte) { f(pkt) }
func (DeliverFunc) NodeDown(uint32)      {}

// Transport carries packets between daemons.
type Transport interface {
	// Start begins receiving packets addressed to this node and reporting
	// lost peers to h.
	Start(ctx context.Context, h Handler) error
	// SendPacket queues pkt for node dest. It never blocks on the network.
	SendPacket(dest uint32, pkt []byte) error
	// Shutdown stops the transport.
	Shutdown() error
}

// Network is an in-process packet switch between endpoints.
type Network struct {
	mu        sync.RWMutex
	endpoints map[uint32]*Endpoint
	down      map[uint32]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[uint32]*Endpoint),
		down:      make(map[uint32]bool),
	}
}

// Endpoint returns the transport for node pnn, creating it on first use.
func (n *Network) Endpoint(pnn uint32) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[pnn]; ok {
		return ep
	}
	ep := &Endpoint{net: n, pnn: pnn}
	n.endpoints[pnn] = ep
	return ep
}

// SetDown cuts node pnn off from the network, or reconnects it. Cutting a
// node off reports it down to every other endpoint, and every other node
// down to it.
func (n *Network) SetDown(pnn uint32, down bool) {
	n.mu.Lock()
	was := n.down[pnn]
	n.down[pnn] = down
	var peers []*Endpoint
	self := n.endpoints[pnn]
	if down && !was {
		for p, ep := range n.endpoints {
			if p != pnn {
				peers = append(peers, ep)
			}
		}
	}
	n.mu.Unlock()

	for _, ep := range peers {
		if h := ep.handler(); h != nil {
			h.NodeDown(pnn)
		}
		if self == nil {
			continue
		}
		if h := self.handler(); h != nil {
			h.NodeDown(ep.pnn)
		}
	}
}

// lost reports pnn down to every other started endpoint.
func (n *Network) lost(pnn uint32) {
	n.mu.RLock()
	var peers []*Endpoint
	for p, ep := range n.endpoints {
		if p != pnn {
			peers = append(peers, ep)
		}
	}
	n.mu.RUnlock()

	for _, ep := range peers {
		if h := ep.handler(); h != nil {
			h.NodeDown(pnn)
		}
	}
}

func (n *Network) route(src, dest uint32) (*Endpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.down[src] || n.down[dest] {
		return nil, fmt.Errorf("%w: %d", ErrNodeUnreachable, dest)
	}
	ep, ok := n.endpoints[dest]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeUnreachable, dest)
	}
	return ep, nil
}

// Endpoint is one node's attachment to a Network.
type Endpoint struct {
	net *Network
	pnn uint32

	mu     sync.RWMutex
	h      Handler
	closed bool
}

func (e *Endpoint) Start(_ context.Context, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	e.h = h
	return nil
}

func (e *Endpoint) handler() Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	return e.h
}

func (e *Endpoint) SendPacket(dest uint32, pkt []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	target, err := e.net.route(e.pnn, dest)
	if err != nil {
		return err
	}
	th := target.handler()
	if th == nil {
		return fmt.Errorf("%w: %d", ErrNodeUnreachable, dest)
	}

	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	th.Deliver(buf)
	return nil
}

// Shutdown detaches the endpoint and reports this node down to the others.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.h = nil
	e.mu.Unlock()

	e.net.lost(e.pnn)
	return nil
}
