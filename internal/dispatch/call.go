package dispatch

import (
	"errors"
	"time"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/metrics"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/storage"
)

// clientCall is one client REQ_CALL between entry and reply.
type clientCall struct {
	client   uint32
	reqid    uint32
	pkt      []byte
	req      *protocol.CallRequest
	origCall uint32
	readonly bool
	start    time.Time
	finished bool
}

type callResult struct {
	status int32
	data   []byte
	err    error
}

// finish balances the pending-calls counter. Every path through clientCall
// reaches it exactly once.
func (d *Dispatcher) finish(cc *clientCall) {
	if cc.finished {
		return
	}
	cc.finished = true
	d.st.Stats.PendingCalls.Add(-1)
}

func (d *Dispatcher) clientCall(c *client.Client, h protocol.Header, req *protocol.CallRequest, pkt []byte) {
	d.st.Stats.TotalCalls.Add(1)
	d.st.Stats.PendingCalls.Add(1)

	cc := &clientCall{
		client:   c.ID,
		reqid:    h.ReqID,
		pkt:      pkt,
		req:      req,
		origCall: req.CallID,
		start:    time.Now(),
	}

	dest := d.resolve(h.DestNode)
	if dest != d.self() {
		db, _ := d.dbs.Lookup(req.DBID)
		d.sendRemoteCall(db, req, dest, func(res callResult) {
			d.completeClientCall(cc, metrics.PathRemote, res)
		})
		return
	}

	db, err := d.dbs.Lookup(req.DBID)
	if err != nil {
		d.log.Warn("call for unknown database, dropping",
			logger.ClientID(c.ID), logger.DBID(req.DBID))
		d.drop(cc)
		return
	}
	db.Stats.Calls.Add(1)

	// Only fetches can be served from a read-only copy. A plain FETCH is
	// run as FETCH_WITH_HEADER so the copy can be kept, and the header is
	// stripped again from the reply.
	if req.Flags&protocol.CallFlagWantReadonly != 0 {
		switch {
		case !db.ReadonlyTracking():
			req.Flags &^= protocol.CallFlagWantReadonly
		case req.CallID == protocol.CallFetch:
			cc.readonly = true
			req.CallID = protocol.CallFetchWithHeader
		case req.CallID == protocol.CallFetchWithHeader:
			cc.readonly = true
		}
	}

	key := req.Key
	err = db.Store.Acquire(key, func() {
		d.loop.Post(func() { d.requeueClientPacket(cc.client, pkt) })
	})
	if errors.Is(err, storage.ErrRetry) {
		d.finish(cc)
		return
	}
	if err != nil {
		d.log.Error("failed to lock record", logger.DBID(db.ID), logger.Key(key), logger.Err(err))
		d.drop(cc)
		return
	}

	hdr, data, err := db.Store.Fetch(key)
	if err != nil {
		d.release(db, key)
		d.log.Error("failed to fetch record", logger.DBID(db.ID), logger.Key(key), logger.Err(err))
		d.drop(cc)
		return
	}

	dbc := d.ctx(db)
	if d.cfg.FetchCollapse {
		if q := dbc.fetches.lookup(key); q != nil {
			dbc.fetches.add(q, deferredCall{client: cc.client, pkt: pkt})
			d.release(db, key)
			d.finish(cc)
			return
		}
	}

	replay := func() { d.requeueClientPacket(cc.client, pkt) }
	hdr, handled := d.checkDelegations(db, key, hdr, data, cc.readonly, replay)
	if handled {
		d.finish(cc)
		return
	}

	if hdr.Dmaster == d.self() || (cc.readonly && hdr.Has(protocol.RecROHaveReadonly)) {
		res := d.runLocal(db, key, hdr, data, req)
		d.release(db, key)
		db.Stats.LocalCalls.Add(1)
		d.completeClientCall(cc, metrics.PathLocal, res)
		return
	}

	var q *fetchQueue
	if d.cfg.FetchCollapse {
		q = dbc.fetches.start(key)
	}
	db.Stats.RemoteCalls.Add(1)
	d.release(db, key)

	d.sendRemoteCall(db, req, hdr.Dmaster, func(res callResult) {
		if cc.readonly && res.err == nil {
			d.storeDelegatedCopy(db, key, res.data)
		}
		d.completeClientCall(cc, metrics.PathRemote, res)
		if q != nil {
			dbc.fetches.destroy(q)
		}
	})
}

func (d *Dispatcher) drop(cc *clientCall) {
	d.st.Stats.DroppedCalls.Add(1)
	d.finish(cc)
}

// runLocal executes req against a locked record and stores any update.
func (d *Dispatcher) runLocal(db *database.Database, key []byte, hdr protocol.RecordHeader,
	data []byte, req *protocol.CallRequest) callResult {
	cctx := &CallContext{
		Key:      key,
		Header:   hdr,
		Data:     data,
		CallData: req.CallData,
		Readonly: hdr.Dmaster != d.self(),
	}
	if err := d.calls.execute(req.CallID, cctx); err != nil {
		return callResult{status: protocol.StatusError, err: err}
	}
	if cctx.Updated {
		if err := db.Store.Store(key, hdr, cctx.NewData); err != nil {
			return callResult{status: protocol.StatusError, err: err}
		}
	}
	return callResult{status: cctx.Status, data: cctx.Reply}
}

// completeClientCall turns a call result into the reply the client asked
// for and balances the pending counter.
func (d *Dispatcher) completeClientCall(cc *clientCall, path string, res callResult) {
	defer d.finish(cc)
	metrics.ObserveCall(path, cc.start)

	if res.err != nil {
		d.sendClient(cc.client, cc.reqid, &protocol.ErrorReply{Status: res.status, Msg: res.err.Error()})
		return
	}
	data := res.data
	if cc.readonly && cc.origCall == protocol.CallFetch {
		if len(data) >= protocol.RecordHeaderSize {
			data = data[protocol.RecordHeaderSize:]
		} else {
			data = nil
		}
	}
	d.sendClient(cc.client, cc.reqid, &protocol.CallReply{Status: res.status, Data: data})
}

// storeDelegatedCopy keeps the read-only copy returned by the dmaster so
// later read-only calls are served locally.
func (d *Dispatcher) storeDelegatedCopy(db *database.Database, key, reply []byte) {
	rh, err := protocol.ParseRecordHeader(reply)
	if err != nil || !rh.Has(protocol.RecROHaveReadonly) {
		return
	}
	if err := db.Store.Acquire(key, nil); err != nil {
		return
	}
	defer d.release(db, key)

	cur, _, err := db.Store.Fetch(key)
	if err != nil || cur.Dmaster == d.self() || cur.RSN > rh.RSN {
		return
	}
	if err := db.Store.Store(key, rh, reply[protocol.RecordHeaderSize:]); err != nil {
		d.log.Warn("failed to store read-only copy", logger.DBID(db.ID), logger.Key(key), logger.Err(err))
	}
}

func (d *Dispatcher) release(db *database.Database, key []byte) {
	if err := db.Store.Release(key); err != nil {
		d.log.Error("failed to unlock record", logger.DBID(db.ID), logger.Key(key), logger.Err(err))
	}
}
