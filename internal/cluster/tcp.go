package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
)

const (
	peerQueueLen = 1024
	dialTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

// TCPTransport connects daemons with one outbound TCP stream per peer.
// Inbound streams are only read; outbound streams are only written.
type TCPTransport struct {
	self  uint32
	addrs []string
	log   *zap.Logger

	mu      sync.Mutex
	h       Handler
	ln      net.Listener
	peers   map[uint32]*peer
	inbound map[net.Conn]struct{}
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type peer struct {
	pnn   uint32
	addr  string
	queue chan []byte
	// down is set once a failure has been reported, until a write succeeds
	down bool
}

// NewTCPTransport creates a transport for node self of the cluster whose
// peer addresses are addrs (indexed by pnn).
func NewTCPTransport(self uint32, addrs []string) *TCPTransport {
	return &TCPTransport{
		self:    self,
		addrs:   addrs,
		log:     logger.Named("transport").With(logger.PNN(self)),
		peers:   make(map[uint32]*peer),
		inbound: make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound listen address, or nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCPTransport) Start(ctx context.Context, h Handler) error {
	if int(t.self) >= len(t.addrs) {
		return fmt.Errorf("%w: pnn %d", ErrUnknownNode, t.self)
	}
	ln, err := net.Listen("tcp", t.addrs[t.self])
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.addrs[t.self], err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.h = h
	t.ln = ln
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ctx, ln, h)

	t.log.Info("transport listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener, h Handler) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				t.log.Warn("accept failed", logger.Err(err))
			}
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn, h)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn, h Handler) {
	defer t.wg.Done()
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()

	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Debug("inbound stream closed",
					zap.String("remote", conn.RemoteAddr().String()), logger.Err(err))
			}
			return
		}
		h.Deliver(pkt)
	}
}

func (t *TCPTransport) SendPacket(dest uint32, pkt []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	p, ok := t.peers[dest]
	if !ok {
		if int(dest) >= len(t.addrs) {
			return fmt.Errorf("%w: %d", ErrNodeUnreachable, dest)
		}
		p = &peer{pnn: dest, addr: t.addrs[dest], queue: make(chan []byte, peerQueueLen)}
		t.peers[dest] = p
		t.wg.Add(1)
		go t.writeLoop(p)
	}

	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case p.queue <- buf:
		return nil
	default:
		return fmt.Errorf("%w: %d: send queue full", ErrNodeUnreachable, dest)
	}
}

func (t *TCPTransport) writeLoop(p *peer) {
	defer t.wg.Done()
	log := t.log.With(logger.DestNode(p.pnn))

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for pkt := range p.queue {
		if conn == nil {
			c, err := net.DialTimeout("tcp", p.addr, dialTimeout)
			if err != nil {
				log.Debug("dial failed, dropping packet", logger.Err(err))
				t.peerDown(p)
				continue
			}
			conn = c
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WritePacket(conn, pkt); err != nil {
			log.Warn("write failed, dropping connection", logger.Err(err))
			conn.Close()
			conn = nil
			t.peerDown(p)
			continue
		}
		p.down = false
	}
}

// peerDown reports p's stream lost, once per outage. Only p's writeLoop
// touches p.down.
func (t *TCPTransport) peerDown(p *peer) {
	if p.down {
		return
	}
	p.down = true

	t.mu.Lock()
	h, closed := t.h, t.closed
	t.mu.Unlock()
	if h != nil && !closed {
		h.NodeDown(p.pnn)
	}
}

func (t *TCPTransport) Shutdown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	var err error
	if t.ln != nil {
		err = t.ln.Close()
	}
	for _, p := range t.peers {
		close(p.queue)
	}
	for c := range t.inbound {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}
