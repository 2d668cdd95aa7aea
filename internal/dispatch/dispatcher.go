package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/reqid"
	"github.com/dreamware/clusterd/internal/routing"
	"github.com/dreamware/clusterd/internal/state"
)

var (
	// ErrNodeDisconnected completes work addressed to a node that went away.
	ErrNodeDisconnected = errors.New("node disconnected")
	// ErrTimeout completes a control that got no reply in time.
	ErrTimeout = errors.New("timed out")
	// ErrUnknownDB is returned for a database id that is not attached.
	ErrUnknownDB = database.ErrNotFound
)

// Config holds the dispatch tunables.
type Config struct {
	FetchCollapse        bool
	DeferredFetchTimeout time.Duration
	ControlTimeout       time.Duration
	ROGrace              time.Duration
	MaxHopCount          uint32
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		FetchCollapse:        true,
		DeferredFetchTimeout: 30 * time.Second,
		ControlTimeout:       60 * time.Second,
		ROGrace:              time.Second,
		MaxHopCount:          100,
	}
}

// Options are the collaborators of a Dispatcher.
type Options struct {
	Config    Config
	State     *state.DaemonState
	Loop      *eventloop.Loop
	Transport cluster.Transport
	Nodes     *cluster.NodeMap
	VNN       *cluster.VNNMap
	DBs       *database.Registry
	Clients   *client.Registry
	SrvIDs    *routing.SrvIDTable
	Tunnels   *routing.TunnelTable

	// Revoker reclaims read-only delegations. Nil uses the built-in
	// UPDATE_RECORD based procedure.
	Revoker Revoker
	// Fatal is called for consistency-fatal conditions. Nil logs at fatal
	// level, which exits the process.
	Fatal func(format string, args ...any)
	// OnShutdown is run when a SHUTDOWN control is received.
	OnShutdown func()
}

// Dispatcher is the packet router of one daemon. All methods except
// Deliver must be called on the event loop.
type Dispatcher struct {
	cfg       Config
	st        *state.DaemonState
	loop      *eventloop.Loop
	transport cluster.Transport
	nodes     *cluster.NodeMap
	vnn       *cluster.VNNMap
	dbs       *database.Registry
	clients   *client.Registry
	srvids    *routing.SrvIDTable
	tunnels   *routing.TunnelTable
	builder   protocol.Builder
	log       *zap.Logger

	calls    *CallRegistry
	controls map[uint32]ControlHandler
	revoker  Revoker
	monitor  *cluster.Monitor

	// per database: deferred fetch index and active revokes
	dbctx map[uint32]*dbContext

	remoteCalls     *reqid.Table[*remoteCall]
	pendingControls *reqid.Table[*pendingControl]
	controlsByNode  map[uint32]map[uint32]struct{}

	txns map[uint32][]protocol.RecordData

	fatal      func(format string, args ...any)
	onShutdown func()
}

type dbContext struct {
	fetches *fetchIndex
	revokes map[string]*revoke
}

// New creates a dispatcher and hooks it into the client registry.
func New(o Options) *Dispatcher {
	d := &Dispatcher{
		cfg:             o.Config,
		st:              o.State,
		loop:            o.Loop,
		transport:       o.Transport,
		nodes:           o.Nodes,
		vnn:             o.VNN,
		dbs:             o.DBs,
		clients:         o.Clients,
		srvids:          o.SrvIDs,
		tunnels:         o.Tunnels,
		builder:         protocol.Builder{State: o.State},
		log:             logger.Named("dispatch"),
		calls:           NewCallRegistry(),
		dbctx:           make(map[uint32]*dbContext),
		remoteCalls:     reqid.New[*remoteCall](0),
		pendingControls: reqid.New[*pendingControl](0),
		controlsByNode:  make(map[uint32]map[uint32]struct{}),
		txns:            make(map[uint32][]protocol.RecordData),
		revoker:         o.Revoker,
		fatal:           o.Fatal,
		onShutdown:      o.OnShutdown,
	}
	if d.revoker == nil {
		d.revoker = &updateRecordRevoker{d: d}
	}
	if d.fatal == nil {
		d.fatal = func(format string, args ...any) {
			d.log.Fatal(fmt.Sprintf(format, args...))
		}
	}
	d.controls = d.builtinControls()

	if d.clients != nil {
		d.clients.SetHandler(d.HandleClientPacket)
		d.clients.OnDisconnect(d.clientGone)
	}
	d.st.OnGeneration(func(uint32) { d.loop.Post(d.resendCalls) })
	return d
}

// Calls returns the call function registry.
func (d *Dispatcher) Calls() *CallRegistry { return d.calls }

// RegisterControl installs or replaces the handler for opcode.
func (d *Dispatcher) RegisterControl(opcode uint32, h ControlHandler) {
	d.controls[opcode] = h
}

// SetMonitor attaches the keepalive monitor. Node packets count as
// liveness, and a node the monitor disconnects has its pending work failed.
func (d *Dispatcher) SetMonitor(m *cluster.Monitor) {
	d.monitor = m
	m.SetSendFunction(d.sendKeepalive)
	m.SetOnDisconnect(d.NodeDisconnected)
}

// Deliver posts a packet received from the transport onto the loop. It
// is safe to call from any goroutine.
func (d *Dispatcher) Deliver(pkt []byte) {
	d.loop.Post(func() { d.HandleNodePacket(pkt) })
}

// NodeDown posts a transport report that the stream to pnn is gone. The
// node is disconnected right away, failing the calls and controls
// waiting on it, instead of after the keepalive limit.
func (d *Dispatcher) NodeDown(pnn uint32) {
	d.loop.Post(func() {
		if pnn == d.self() {
			return
		}
		if d.monitor != nil {
			d.monitor.Disconnect(pnn)
			return
		}
		d.NodeDisconnected(pnn)
	})
}

func (d *Dispatcher) self() uint32 { return d.st.PNN() }

func (d *Dispatcher) resolve(dest uint32) uint32 {
	if dest == protocol.CurrentNode {
		return d.self()
	}
	return dest
}

func (d *Dispatcher) ctx(db *database.Database) *dbContext {
	c, ok := d.dbctx[db.ID]
	if !ok {
		c = &dbContext{
			fetches: newFetchIndex(d, db),
			revokes: make(map[string]*revoke),
		}
		d.dbctx[db.ID] = c
	}
	return c
}

// HandleClientPacket processes one packet from a local client.
func (d *Dispatcher) HandleClientPacket(c *client.Client, pkt []byte) {
	h, body, err := protocol.Decode(pkt)
	if err != nil {
		d.st.Stats.ProtocolErrors.Add(1)
		d.log.Warn("dropping malformed client packet", logger.ClientID(c.ID), logger.Err(err))
		return
	}

	switch p := body.(type) {
	case *protocol.CallRequest:
		d.clientCall(c, h, p, pkt)
	case *protocol.Message:
		d.clientMessage(c, h, p)
	case *protocol.ControlRequest:
		d.clientControl(c, h, p)
	case *protocol.Tunnel:
		d.clientTunnel(c, h, p)
	default:
		d.st.Stats.ProtocolErrors.Add(1)
		d.log.Warn("unexpected operation from client",
			logger.ClientID(c.ID), logger.Operation(h.Operation))
	}
}

// HandleNodePacket processes one packet from another node.
func (d *Dispatcher) HandleNodePacket(pkt []byte) {
	h, body, err := protocol.Decode(pkt)
	if err != nil {
		d.st.Stats.ProtocolErrors.Add(1)
		d.log.Warn("dropping malformed node packet", logger.Err(err))
		return
	}
	d.st.Stats.NodePacketsRecv.Add(1)

	if h.DestNode != d.self() {
		d.log.Warn("dropping misrouted packet",
			logger.Operation(h.Operation), logger.SrcNode(h.SrcNode), logger.DestNode(h.DestNode))
		return
	}
	if d.monitor != nil {
		d.monitor.Heard(h.SrcNode)
	}

	switch h.Operation {
	case protocol.OpReqCall, protocol.OpReplyCall, protocol.OpReplyDmaster, protocol.OpReplyError:
		if h.Generation != d.st.Generation() {
			d.log.Debug("dropping call packet from another generation",
				logger.Operation(h.Operation), logger.SrcNode(h.SrcNode),
				logger.Generation(h.Generation), zap.Uint32("current", d.st.Generation()))
			return
		}
	}

	switch p := body.(type) {
	case *protocol.CallRequest:
		d.nodeCall(h, p, pkt)
	case *protocol.CallReply:
		d.nodeReplyCall(h, p)
	case *protocol.DmasterReply:
		d.nodeReplyDmaster(h, p, pkt)
	case *protocol.ErrorReply:
		d.nodeReplyError(h, p)
	case *protocol.Message:
		d.deliverMessage(p)
	case *protocol.ControlRequest:
		d.nodeControl(h, p)
	case *protocol.ControlReply:
		d.nodeReplyControl(h, p)
	case *protocol.Keepalive:
		d.st.Stats.KeepalivesRecv.Add(1)
	case *protocol.Tunnel:
		d.deliverTunnel(p)
	}
}

// sendNode encodes body and sends it to dest.
func (d *Dispatcher) sendNode(dest uint32, reqid uint32, body protocol.Packet) error {
	h := d.builder.Build(body.Op(), 0, dest, reqid)
	return d.sendNodeHeader(dest, h, body)
}

func (d *Dispatcher) sendNodeHeader(dest uint32, h protocol.Header, body protocol.Packet) error {
	if err := d.transport.SendPacket(dest, protocol.Encode(h, body)); err != nil {
		return err
	}
	d.st.Stats.NodePacketsSent.Add(1)
	return nil
}

func (d *Dispatcher) sendKeepalive(dest uint32) error {
	ka := &protocol.Keepalive{Version: protocol.Version, Uptime: uint32(d.st.Uptime() / time.Second)}
	if err := d.sendNode(dest, 0, ka); err != nil {
		return err
	}
	d.st.Stats.KeepalivesSent.Add(1)
	return nil
}

// sendClient sends body to client id as a reply to reqid. A client that
// has gone away is skipped.
func (d *Dispatcher) sendClient(id uint32, reqid uint32, body protocol.Packet) {
	c, err := d.clients.Lookup(id)
	if err != nil {
		d.log.Debug("client gone, dropping reply", logger.ClientID(id), logger.Operation(body.Op()))
		return
	}
	h := d.builder.Build(body.Op(), 0, d.self(), reqid)
	if err := c.Send(protocol.Encode(h, body)); err != nil {
		d.log.Debug("reply to closed client", logger.ClientID(id), logger.Err(err))
	}
}

// requeueClientPacket replays pkt as if client id had just sent it. A
// client that has gone away is skipped.
func (d *Dispatcher) requeueClientPacket(id uint32, pkt []byte) {
	c, err := d.clients.Lookup(id)
	if err != nil {
		d.log.Debug("client gone, dropping deferred packet", logger.ClientID(id))
		return
	}
	d.HandleClientPacket(c, pkt)
}

// NodeDisconnected fails every control and call waiting on pnn.
func (d *Dispatcher) NodeDisconnected(pnn uint32) {
	d.failControlsTo(pnn)
	d.failCallsTo(pnn)
}

func (d *Dispatcher) clientGone(c *client.Client) {
	delete(d.txns, c.ID)
}
