package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/metrics"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/storage"
)

// Revoker reclaims the read-only copies of a record handed out to other
// nodes. done must be called exactly once, from a loop event after Revoke
// has returned.
type Revoker interface {
	Revoke(db *database.Database, key []byte, hdr protocol.RecordHeader, data []byte, done func(error))
}

// revoke is an in-flight revocation and the calls waiting for it.
type revoke struct {
	key      []byte
	start    time.Time
	deferred []deferredReplay
}

type deferredReplay struct {
	readonly bool
	replay   func()
}

// checkDelegations applies the read-only delegation rules to a locked
// record. When it reports handled the lock has been released and the call
// is either deferred or dropped; otherwise the lock is still held and the
// returned header is current.
func (d *Dispatcher) checkDelegations(db *database.Database, key []byte, hdr protocol.RecordHeader,
	data []byte, readonly bool, replay func()) (protocol.RecordHeader, bool) {
	switch hdr.ReadonlyState() {
	case protocol.ReadonlyRevokeComplete:
		hdr.Flags &^= protocol.RecROFlags
		if err := db.Store.Store(key, hdr, data); err != nil {
			d.release(db, key)
			d.fatal("failed to clear revoke flags in db 0x%08x: %v", db.ID, err)
			return hdr, true
		}
		if db.Tracking != nil {
			db.Tracking.Delete(key)
		}
		return hdr, false

	case protocol.ReadonlyRevoking:
		d.release(db, key)
		d.deferOnRevoke(db, key, hdr, data, readonly, replay)
		return hdr, true
	}

	if hdr.Dmaster == d.self() && hdr.Has(protocol.RecROHaveDelegations) && !readonly {
		hdr.Flags |= protocol.RecRORevoking
		if err := db.Store.Store(key, hdr, data); err != nil {
			d.release(db, key)
			d.fatal("failed to mark record revoking in db 0x%08x: %v", db.ID, err)
			return hdr, true
		}
		d.release(db, key)
		d.deferOnRevoke(db, key, hdr, data, readonly, replay)
		return hdr, true
	}
	return hdr, false
}

// deferOnRevoke parks replay behind the revoke of key, starting one if
// none is running.
func (d *Dispatcher) deferOnRevoke(db *database.Database, key []byte, hdr protocol.RecordHeader,
	data []byte, readonly bool, replay func()) {
	r := d.startRevoke(db, key, hdr, data)
	r.deferred = append(r.deferred, deferredReplay{readonly: readonly, replay: replay})
	d.st.Stats.DeferredCalls.Add(1)
	db.Stats.DeferredCalls.Add(1)
}

// startRevoke returns the active revoke for key or begins a new one. At
// most one revoke per record runs at a time.
func (d *Dispatcher) startRevoke(db *database.Database, key []byte, hdr protocol.RecordHeader, data []byte) *revoke {
	dbc := d.ctx(db)
	if r, ok := dbc.revokes[string(key)]; ok {
		return r
	}
	r := &revoke{key: append([]byte(nil), key...), start: time.Now()}
	dbc.revokes[string(r.key)] = r
	d.st.Stats.TotalRORevokes.Add(1)
	db.Stats.RORevokes.Add(1)
	d.log.Debug("revoking read-only delegations", logger.DBID(db.ID), logger.Key(key))

	d.revoker.Revoke(db, r.key, hdr, data, func(err error) { d.finishRevoke(db, r, err) })
	return r
}

// finishRevoke records the outcome on the record and replays the waiters.
// Read-only waiters are held back for the grace period so writers get the
// record first.
func (d *Dispatcher) finishRevoke(db *database.Database, r *revoke, result error) {
	aerr := db.Store.Acquire(r.key, func() {
		d.loop.Post(func() { d.finishRevoke(db, r, result) })
	})
	if errors.Is(aerr, storage.ErrRetry) {
		return
	}
	if aerr != nil {
		d.fatal("failed to lock revoked record in db 0x%08x: %v", db.ID, aerr)
		return
	}
	hdr, data, err := db.Store.Fetch(r.key)
	if err != nil {
		d.release(db, r.key)
		d.fatal("failed to fetch revoked record in db 0x%08x: %v", db.ID, err)
		return
	}
	if result == nil {
		hdr.Flags |= protocol.RecRORevokeComplete
	} else {
		d.log.Warn("revoke failed, delegations kept",
			logger.DBID(db.ID), logger.Key(r.key), logger.Err(result))
		hdr.Flags &^= protocol.RecRORevoking
	}
	if err := db.Store.Store(r.key, hdr, data); err != nil {
		d.release(db, r.key)
		d.fatal("failed to store revoked record in db 0x%08x: %v", db.ID, err)
		return
	}
	d.release(db, r.key)

	dbc := d.ctx(db)
	if dbc.revokes[string(r.key)] == r {
		delete(dbc.revokes, string(r.key))
	}
	metrics.ObserveRevoke(time.Since(r.start))

	for _, w := range r.deferred {
		if w.readonly {
			d.loop.AfterFunc(d.cfg.ROGrace, w.replay)
		} else {
			d.loop.Post(w.replay)
		}
	}
	r.deferred = nil
}

// revoking reports whether a revoke of key is in flight.
func (d *Dispatcher) revoking(db *database.Database, key []byte) bool {
	_, ok := d.ctx(db).revokes[string(key)]
	return ok
}

// updateRecordRevoker overwrites every delegated copy with a newer record
// naming this node as dmaster, using UPDATE_RECORD controls. Copies held
// by disconnected nodes are skipped; recovery discards them.
type updateRecordRevoker struct {
	d *Dispatcher
}

func (r *updateRecordRevoker) Revoke(db *database.Database, key []byte, hdr protocol.RecordHeader,
	data []byte, done func(error)) {
	d := r.d
	self := d.self()

	var targets []uint32
	if db.Tracking != nil {
		for _, pnn := range db.Tracking.Nodes(key) {
			if pnn != self && d.nodes.IsConnected(pnn) {
				targets = append(targets, pnn)
			}
		}
	}
	if len(targets) == 0 {
		d.loop.Post(func() { done(nil) })
		return
	}

	rec := protocol.RecordData{
		DBID:   db.ID,
		Header: protocol.RecordHeader{RSN: hdr.RSN + 1, Dmaster: self},
		Key:    key,
		Data:   data,
	}
	payload := rec.Marshal()

	remaining := len(targets)
	var failed error
	for _, pnn := range targets {
		pnn := pnn
		req := &protocol.ControlRequest{Opcode: protocol.ControlUpdateRecord, Data: payload}
		d.sendControl(pnn, req, func(rep *protocol.ControlReply) {
			if rep.Status != protocol.StatusOK && failed == nil {
				failed = fmt.Errorf("update record on node %d: %s", pnn, rep.ErrMsg)
			}
			remaining--
			if remaining == 0 {
				done(failed)
			}
		})
	}
}
