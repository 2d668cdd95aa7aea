package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/metrics"
	"github.com/dreamware/clusterd/internal/protocol"
)

// ControlContext is the input of a control handler.
type ControlContext struct {
	Req *protocol.ControlRequest
	// Src is the node the control came from; the local pnn for client
	// controls.
	Src uint32
	// Client is the requesting local client, nil when the control came
	// from another node.
	Client *client.Client
}

// ControlHandler executes one control opcode. A non-nil error turns into
// a failed reply carrying its text; status is then used if non-zero.
type ControlHandler func(cc *ControlContext) (status int32, data []byte, err error)

var errNeedClient = errors.New("control requires a local client")

type pendingControl struct {
	dest  uint32
	start time.Time
	timer *eventloop.Timer
	cb    func(*protocol.ControlReply)
}

// runControl executes req locally.
func (d *Dispatcher) runControl(req *protocol.ControlRequest, src uint32, c *client.Client) *protocol.ControlReply {
	h, ok := d.controls[req.Opcode]
	if !ok {
		return &protocol.ControlReply{Status: protocol.StatusError, ErrMsg: fmt.Sprintf("unknown control %d", req.Opcode)}
	}
	status, data, err := h(&ControlContext{Req: req, Src: src, Client: c})
	if err != nil {
		if status == 0 {
			status = protocol.StatusError
		}
		return &protocol.ControlReply{Status: status, ErrMsg: err.Error()}
	}
	return &protocol.ControlReply{Status: status, Data: data}
}

func (d *Dispatcher) clientControl(c *client.Client, h protocol.Header, req *protocol.ControlRequest) {
	d.st.Stats.TotalControls.Add(1)
	req.ClientID = c.ID
	noReply := req.Flags&protocol.ControlFlagNoReply != 0

	reply := func(rep *protocol.ControlReply) {
		if !noReply {
			d.sendClient(c.ID, h.ReqID, rep)
		}
	}

	dest := d.resolve(h.DestNode)
	switch {
	case dest == protocol.BroadcastAll || dest == protocol.BroadcastConnected:
		if !noReply {
			reply(&protocol.ControlReply{Status: protocol.StatusError, ErrMsg: "broadcast controls must not expect a reply"})
			return
		}
		for _, pnn := range d.broadcastTargets(dest) {
			if pnn == d.self() {
				d.runControl(req, pnn, c)
				continue
			}
			d.sendControl(pnn, req, nil)
		}

	case dest == d.self():
		reply(d.runControl(req, dest, c))

	default:
		var cb func(*protocol.ControlReply)
		if !noReply {
			cb = reply
		}
		d.sendControl(dest, req, cb)
	}
}

// broadcastTargets lists the nodes a broadcast destination reaches,
// including this one.
func (d *Dispatcher) broadcastTargets(dest uint32) []uint32 {
	self := d.self()
	if dest == protocol.BroadcastConnected {
		return append(d.nodes.Connected(self), self)
	}
	all := d.nodes.All()
	pnns := make([]uint32, 0, len(all))
	for _, n := range all {
		pnns = append(pnns, n.PNN)
	}
	return pnns
}

// SendControl sends req to dest and calls cb with the reply. cb always
// runs from a later loop event, on a timeout, or when dest disconnects.
func (d *Dispatcher) SendControl(dest uint32, req *protocol.ControlRequest, cb func(*protocol.ControlReply)) {
	d.sendControl(d.resolve(dest), req, cb)
}

func (d *Dispatcher) sendControl(dest uint32, req *protocol.ControlRequest, cb func(*protocol.ControlReply)) {
	noReply := req.Flags&protocol.ControlFlagNoReply != 0
	later := func(rep *protocol.ControlReply) {
		if cb != nil && !noReply {
			d.loop.Post(func() { cb(rep) })
		}
	}

	if dest == d.self() {
		d.loop.Post(func() {
			rep := d.runControl(req, dest, nil)
			if cb != nil && !noReply {
				cb(rep)
			}
		})
		return
	}
	if !d.nodes.IsConnected(dest) {
		later(&protocol.ControlReply{Status: protocol.StatusUnreachable, ErrMsg: ErrNodeDisconnected.Error()})
		return
	}

	pc := &pendingControl{dest: dest, start: time.Now(), cb: cb}
	id, err := d.pendingControls.Insert(pc)
	if err != nil {
		later(&protocol.ControlReply{Status: protocol.StatusError, ErrMsg: err.Error()})
		return
	}

	if err := d.sendNode(dest, id, req); err != nil {
		d.pendingControls.Remove(id)
		later(&protocol.ControlReply{Status: protocol.StatusUnreachable, ErrMsg: err.Error()})
		return
	}
	if noReply {
		d.pendingControls.Remove(id)
		return
	}

	d.st.Stats.PendingControls.Add(1)
	byNode, ok := d.controlsByNode[dest]
	if !ok {
		byNode = make(map[uint32]struct{})
		d.controlsByNode[dest] = byNode
	}
	byNode[id] = struct{}{}

	timeout := d.cfg.ControlTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	if timeout > 0 {
		pc.timer = d.loop.AfterFunc(timeout, func() {
			d.st.Stats.ControlTimeouts.Add(1)
			d.log.Warn("control timed out",
				logger.PNN(dest), logger.ReqID(id), zap.Uint32("opcode", req.Opcode))
			d.completeControl(id, pc, &protocol.ControlReply{Status: protocol.StatusTimeout, ErrMsg: ErrTimeout.Error()})
		})
	}
}

// completeControl finishes pending control id once. Stale completions,
// for instance a reply racing a timeout, are ignored.
func (d *Dispatcher) completeControl(id uint32, pc *pendingControl, rep *protocol.ControlReply) {
	cur, ok := d.pendingControls.Find(id)
	if !ok || cur != pc {
		return
	}
	d.pendingControls.Remove(id)
	if byNode, ok := d.controlsByNode[pc.dest]; ok {
		delete(byNode, id)
		if len(byNode) == 0 {
			delete(d.controlsByNode, pc.dest)
		}
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	d.st.Stats.PendingControls.Add(-1)
	metrics.ObserveControl(pc.start)
	if pc.cb != nil {
		pc.cb(rep)
	}
}

func (d *Dispatcher) nodeControl(h protocol.Header, req *protocol.ControlRequest) {
	d.st.Stats.TotalControls.Add(1)
	rep := d.runControl(req, h.SrcNode, nil)
	if req.Flags&protocol.ControlFlagNoReply != 0 {
		return
	}
	if err := d.sendNode(h.SrcNode, h.ReqID, rep); err != nil {
		d.log.Warn("failed to send control reply", logger.PNN(h.SrcNode), logger.Err(err))
	}
}

func (d *Dispatcher) nodeReplyControl(h protocol.Header, rep *protocol.ControlReply) {
	pc, ok := d.pendingControls.Find(h.ReqID)
	if !ok || pc.dest != h.SrcNode {
		d.log.Debug("reply for unknown control", logger.ReqID(h.ReqID), logger.SrcNode(h.SrcNode))
		return
	}
	d.completeControl(h.ReqID, pc, rep)
}

// failControlsTo fails every control waiting on pnn, oldest first.
func (d *Dispatcher) failControlsTo(pnn uint32) {
	byNode := d.controlsByNode[pnn]
	if len(byNode) == 0 {
		return
	}
	ids := make([]uint32, 0, len(byNode))
	for id := range byNode {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if pc, ok := d.pendingControls.Find(id); ok {
			d.completeControl(id, pc, &protocol.ControlReply{
				Status: protocol.StatusUnreachable,
				ErrMsg: ErrNodeDisconnected.Error(),
			})
		}
	}
	d.log.Info("failed controls to disconnected node", logger.PNN(pnn), logger.Count(len(ids)))
}
