package client

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/reqid"
	"github.com/dreamware/clusterd/internal/routing"
	"github.com/dreamware/clusterd/internal/state"
)

// ErrNotFound is returned for an unknown client id.
var ErrNotFound = errors.New("client not found")

// PacketHandler processes one packet from a client on the event loop.
type PacketHandler func(c *Client, pkt []byte)

// Registry tracks the connected clients. Accept, Lookup and Disconnect
// must be called on the event loop.
type Registry struct {
	loop    *eventloop.Loop
	st      *state.DaemonState
	srvids  *routing.SrvIDTable
	tunnels *routing.TunnelTable
	log     *zap.Logger

	ids          *reqid.Table[*Client]
	handler      PacketHandler
	onDisconnect []func(*Client)
}

// NewRegistry creates a registry. maxClients <= 0 means unlimited.
func NewRegistry(loop *eventloop.Loop, st *state.DaemonState, srvids *routing.SrvIDTable,
	tunnels *routing.TunnelTable, maxClients int) *Registry {
	return &Registry{
		loop:    loop,
		st:      st,
		srvids:  srvids,
		tunnels: tunnels,
		log:     logger.Named("client"),
		ids:     reqid.New[*Client](maxClients),
	}
}

// SetHandler sets the function client packets are dispatched to.
func (r *Registry) SetHandler(h PacketHandler) { r.handler = h }

// OnDisconnect registers fn to run during client destruction, after the
// client was removed from the registry.
func (r *Registry) OnDisconnect(fn func(*Client)) {
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Accept registers conn as a new client and starts its pumps. On failure
// conn is closed and no client is registered.
func (r *Registry) Accept(conn io.ReadWriteCloser, pid int32) (uint32, error) {
	c := &Client{
		PID:   pid,
		DBs:   make(map[uint32]struct{}),
		conn:  conn,
		queue: newSendQueue(),
		sent:  func() { r.st.Stats.ClientPacketsSent.Add(1) },
	}
	id, err := r.ids.Insert(c)
	if err != nil {
		conn.Close()
		r.log.Warn("rejecting client", logger.Err(err))
		return 0, fmt.Errorf("accept client: %w", err)
	}
	c.ID = id
	r.st.Stats.NumClients.Add(1)

	go r.readLoop(c)
	go r.writeLoop(c)

	r.log.Debug("client connected", logger.ClientID(id), zap.Int32("pid", pid))
	return id, nil
}

// Lookup returns the client with id.
func (r *Registry) Lookup(id uint32) (*Client, error) {
	c, ok := r.ids.Find(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Len returns the number of connected clients.
func (r *Registry) Len() int { return r.ids.Len() }

// Each calls fn for every connected client.
func (r *Registry) Each(fn func(*Client)) {
	r.ids.Each(func(_ uint32, c *Client) { fn(c) })
}

// Disconnect destroys client id. Unknown ids are ignored.
func (r *Registry) Disconnect(id uint32) {
	c, ok := r.ids.Find(id)
	if !ok {
		return
	}
	r.ids.Remove(id)

	subs := r.srvids.DeregisterAll(id)
	tuns := r.tunnels.DeregisterAll(id)
	r.st.Stats.NumClients.Add(-1)

	if c.HasTransaction() {
		r.log.Warn("client with open transaction went away, forcing recovery",
			logger.ClientID(id), logger.DBID(c.TxnDB),
			zap.Int("pending_persistent", c.PendingPersistentTxn))
		r.st.SetRecoveryMode(state.RecoveryActive)
	}
	if c.TxnRelease != nil {
		c.TxnRelease()
		c.TxnRelease = nil
	}

	c.queue.close()
	c.conn.Close()

	for _, fn := range r.onDisconnect {
		fn(c)
	}
	r.log.Debug("client disconnected", logger.ClientID(id),
		zap.Int("srvids", subs), zap.Int("tunnels", tuns))
}

func (r *Registry) readLoop(c *Client) {
	for {
		pkt, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				r.st.Stats.ProtocolErrors.Add(1)
				r.log.Warn("dropping client after read error", logger.ClientID(c.ID), logger.Err(err))
			}
			r.loop.Post(func() { r.disconnect(c) })
			return
		}
		r.loop.Post(func() { r.deliver(c, pkt) })
	}
}

// disconnect destroys c unless its id already belongs to a newer client.
func (r *Registry) disconnect(c *Client) {
	if r.current(c) {
		r.Disconnect(c.ID)
	}
}

func (r *Registry) current(c *Client) bool {
	cur, ok := r.ids.Find(c.ID)
	return ok && cur == c
}

func (r *Registry) deliver(c *Client, pkt []byte) {
	if !r.current(c) {
		return
	}
	r.st.Stats.ClientPacketsRecv.Add(1)
	if r.handler != nil {
		r.handler(c, pkt)
	}
}

func (r *Registry) writeLoop(c *Client) {
	for {
		items, ok := c.queue.pop()
		if !ok {
			return
		}
		for _, pkt := range items {
			if err := protocol.WritePacket(c.conn, pkt); err != nil {
				r.loop.Post(func() { r.disconnect(c) })
				return
			}
		}
	}
}
