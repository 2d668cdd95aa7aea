package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/storage"
)

// redirectLmasterEvery is how often a redirected call goes back to the
// lmaster instead of the dmaster a stale local copy names.
const redirectLmasterEvery = 3

// remoteCall is a REQ_CALL this node sent and is waiting on.
type remoteCall struct {
	db   *database.Database
	req  *protocol.CallRequest
	dest uint32
	done func(callResult)
}

// sendRemoteCall sends req to dest. done runs exactly once, always from a
// later loop event.
func (d *Dispatcher) sendRemoteCall(db *database.Database, req *protocol.CallRequest, dest uint32, done func(callResult)) {
	rc := &remoteCall{db: db, req: req, dest: dest, done: done}
	id, err := d.remoteCalls.Insert(rc)
	if err != nil {
		d.loop.Post(func() { done(callResult{status: protocol.StatusError, err: err}) })
		return
	}

	out := *req
	out.HopCount = 0
	if err := d.sendNode(dest, id, &out); err != nil {
		d.remoteCalls.Remove(id)
		d.loop.Post(func() {
			done(callResult{status: protocol.StatusUnreachable, err: fmt.Errorf("send call to node %d: %w", dest, err)})
		})
	}
}

func (d *Dispatcher) takeRemoteCall(id uint32) (*remoteCall, bool) {
	rc, ok := d.remoteCalls.Find(id)
	if !ok {
		return nil, false
	}
	d.remoteCalls.Remove(id)
	return rc, true
}

func (d *Dispatcher) nodeReplyCall(h protocol.Header, p *protocol.CallReply) {
	rc, ok := d.takeRemoteCall(h.ReqID)
	if !ok {
		d.log.Debug("reply for unknown call", logger.ReqID(h.ReqID), logger.SrcNode(h.SrcNode))
		return
	}
	rc.done(callResult{status: p.Status, data: p.Data})
}

func (d *Dispatcher) nodeReplyError(h protocol.Header, p *protocol.ErrorReply) {
	rc, ok := d.takeRemoteCall(h.ReqID)
	if !ok {
		d.log.Debug("error reply for unknown call", logger.ReqID(h.ReqID), logger.SrcNode(h.SrcNode))
		return
	}
	status := p.Status
	if status == 0 {
		status = protocol.StatusError
	}
	rc.done(callResult{status: status, err: errors.New(p.Msg)})
}

// nodeReplyDmaster makes this node the dmaster of the migrated record and
// then runs the waiting call against it.
func (d *Dispatcher) nodeReplyDmaster(h protocol.Header, p *protocol.DmasterReply, pkt []byte) {
	rc, ok := d.remoteCalls.Find(h.ReqID)
	if !ok {
		d.log.Warn("dmaster reply for unknown call", logger.ReqID(h.ReqID), logger.SrcNode(h.SrcNode))
		return
	}
	db := rc.db
	if db == nil || db.ID != p.DBID {
		d.remoteCalls.Remove(h.ReqID)
		rc.done(callResult{status: protocol.StatusError, err: fmt.Errorf("dmaster reply for database 0x%08x", p.DBID)})
		return
	}

	err := db.Store.Acquire(p.Key, func() {
		d.loop.Post(func() { d.HandleNodePacket(pkt) })
	})
	if errors.Is(err, storage.ErrRetry) {
		return
	}
	d.remoteCalls.Remove(h.ReqID)
	if err != nil {
		rc.done(callResult{status: protocol.StatusError, err: err})
		return
	}

	hdr := p.Record
	hdr.Dmaster = d.self()
	hdr.Flags |= protocol.RecMigratedWithData
	if err := db.Store.Store(p.Key, hdr, p.Data); err != nil {
		d.release(db, p.Key)
		d.fatal("failed to store migrated record in db 0x%08x: %v", db.ID, err)
		return
	}
	db.Stats.Migrations.Add(1)

	res := d.runLocal(db, p.Key, hdr, p.Data, rc.req)
	d.release(db, p.Key)
	rc.done(res)
}

// failCallsTo completes every call outstanding at pnn with an error.
func (d *Dispatcher) failCallsTo(pnn uint32) {
	var ids []uint32
	d.remoteCalls.Each(func(id uint32, rc *remoteCall) {
		if rc.dest == pnn {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	for _, id := range ids {
		if rc, ok := d.takeRemoteCall(id); ok {
			rc.done(callResult{status: protocol.StatusUnreachable, err: ErrNodeDisconnected})
		}
	}
	if len(ids) > 0 {
		d.log.Info("failed calls to disconnected node", logger.PNN(pnn), logger.Count(len(ids)))
	}
}

// resendCalls sends every outstanding remote call again under the current
// generation. Packets of the old generation are dropped on arrival, so the
// old sends can no longer be answered. Each call restarts at the lmaster
// of its key.
func (d *Dispatcher) resendCalls() {
	var ids []uint32
	d.remoteCalls.Each(func(id uint32, _ *remoteCall) { ids = append(ids, id) })
	if len(ids) == 0 {
		return
	}
	slices.Sort(ids)

	failed := 0
	for _, id := range ids {
		rc, ok := d.remoteCalls.Find(id)
		if !ok {
			continue
		}
		dest := d.vnn.Lmaster(rc.req.Key)
		out := *rc.req
		out.HopCount = 0
		if err := d.sendNode(dest, id, &out); err != nil {
			d.remoteCalls.Remove(id)
			failed++
			rc.done(callResult{status: protocol.StatusUnreachable, err: fmt.Errorf("resend call to node %d: %w", dest, err)})
			continue
		}
		rc.dest = dest
	}
	d.log.Info("resent calls for new generation",
		logger.Generation(d.st.Generation()), logger.Count(len(ids)), zap.Int("failed", failed))
}

// nodeCall serves a REQ_CALL from another node.
func (d *Dispatcher) nodeCall(h protocol.Header, req *protocol.CallRequest, pkt []byte) {
	src := h.SrcNode
	replyErr := func(status int32, msg string) {
		if err := d.sendNode(src, h.ReqID, &protocol.ErrorReply{Status: status, Msg: msg}); err != nil {
			d.log.Warn("failed to send error reply", logger.PNN(src), logger.Err(err))
		}
	}

	db, err := d.dbs.Lookup(req.DBID)
	if err != nil {
		replyErr(protocol.StatusError, fmt.Sprintf("unknown database 0x%08x", req.DBID))
		return
	}
	key := req.Key

	err = db.Store.Acquire(key, func() {
		d.loop.Post(func() { d.HandleNodePacket(pkt) })
	})
	if errors.Is(err, storage.ErrRetry) {
		return
	}
	if err != nil {
		replyErr(protocol.StatusError, err.Error())
		return
	}
	hdr, data, err := db.Store.Fetch(key)
	if err != nil {
		d.release(db, key)
		replyErr(protocol.StatusError, err.Error())
		return
	}

	readonly := req.Flags&protocol.CallFlagWantReadonly != 0 && db.ReadonlyTracking() &&
		req.CallID == protocol.CallFetchWithHeader
	hdr, handled := d.checkDelegations(db, key, hdr, data, readonly, func() { d.HandleNodePacket(pkt) })
	if handled {
		return
	}

	if hdr.Dmaster != d.self() {
		d.redirect(db, h, req, hdr)
		d.release(db, key)
		return
	}

	if readonly {
		d.grantReadonly(db, h, key, hdr, data)
		return
	}

	if req.Flags&protocol.CallFlagImmediateMigration != 0 && src != d.self() {
		d.migrate(db, h, key, hdr, data)
		return
	}

	res := d.runLocal(db, key, hdr, data, req)
	d.release(db, key)
	db.Stats.LocalCalls.Add(1)
	if res.err != nil {
		replyErr(res.status, res.err.Error())
		return
	}
	if err := d.sendNode(src, h.ReqID, &protocol.CallReply{Status: res.status, Data: res.data}); err != nil {
		d.log.Warn("failed to send call reply", logger.PNN(src), logger.Err(err))
	}
}

// redirect forwards a call for a record this node is not dmaster of. The
// lmaster always knows the dmaster, so the call goes there unless this
// node is the lmaster, in which case it goes to the dmaster it recorded.
func (d *Dispatcher) redirect(db *database.Database, h protocol.Header, req *protocol.CallRequest, hdr protocol.RecordHeader) {
	req.HopCount++
	d.st.Stats.RaiseMaxHopCount(int64(req.HopCount))
	if d.cfg.MaxHopCount > 0 && req.HopCount > d.cfg.MaxHopCount {
		d.log.Error("call exceeded hop count, failing it",
			logger.DBID(db.ID), logger.Key(req.Key), logger.SrcNode(h.SrcNode))
		msg := fmt.Sprintf("hop count %d exceeded", req.HopCount)
		if err := d.sendNode(h.SrcNode, h.ReqID, &protocol.ErrorReply{Status: protocol.StatusError, Msg: msg}); err != nil {
			d.log.Warn("failed to send error reply", logger.PNN(h.SrcNode), logger.Err(err))
		}
		return
	}

	// Follow the local copy's idea of the dmaster, going back to the
	// lmaster every redirectLmasterEvery hops.
	target := hdr.Dmaster
	if lmaster := d.vnn.Lmaster(req.Key); lmaster != d.self() &&
		(req.HopCount%redirectLmasterEvery == 0 || target == d.self()) {
		target = lmaster
	}
	db.Stats.Redirects.Add(1)

	fh := h
	fh.DestNode = target
	fh.Generation = d.st.Generation()
	if err := d.sendNodeHeader(target, fh, req); err != nil {
		d.log.Warn("failed to redirect call", logger.PNN(target), logger.Err(err))
	}
}

// grantReadonly hands the requester a read-only copy and records it as a
// delegation holder. The caller holds the record lock; it is released here.
func (d *Dispatcher) grantReadonly(db *database.Database, h protocol.Header, key []byte,
	hdr protocol.RecordHeader, data []byte) {
	if !hdr.Has(protocol.RecROHaveDelegations) {
		hdr.RSN++
		hdr.Flags |= protocol.RecROHaveDelegations
		if err := db.Store.Store(key, hdr, data); err != nil {
			d.release(db, key)
			d.fatal("failed to mark delegations in db 0x%08x: %v", db.ID, err)
			return
		}
	}
	db.Tracking.Add(key, h.SrcNode)
	d.release(db, key)

	d.st.Stats.TotalRODelegations.Add(1)
	db.Stats.RODelegations.Add(1)

	copyHdr := hdr
	copyHdr.Flags = hdr.Flags&^protocol.RecROFlags | protocol.RecROHaveReadonly
	reply := append(copyHdr.Append(make([]byte, 0, protocol.RecordHeaderSize+len(data))), data...)
	if err := d.sendNode(h.SrcNode, h.ReqID, &protocol.CallReply{Data: reply}); err != nil {
		d.log.Warn("failed to send read-only copy", logger.PNN(h.SrcNode), logger.Err(err))
	}
}

// migrate hands the record to the requester. The local copy keeps the
// value and names the requester as dmaster. The caller holds the record
// lock; it is released here.
func (d *Dispatcher) migrate(db *database.Database, h protocol.Header, key []byte,
	hdr protocol.RecordHeader, data []byte) {
	hdr.RSN++
	hdr.Dmaster = h.SrcNode
	hdr.Flags &^= protocol.RecMigratedWithData
	if err := db.Store.Store(key, hdr, data); err != nil {
		d.release(db, key)
		d.fatal("failed to store migrating record in db 0x%08x: %v", db.ID, err)
		return
	}
	d.release(db, key)

	reply := &protocol.DmasterReply{DBID: db.ID, Record: hdr, Key: key, Data: data}
	if err := d.sendNode(h.SrcNode, h.ReqID, reply); err != nil {
		d.log.Warn("failed to migrate record", logger.PNN(h.SrcNode), logger.Err(err))
	}
}
