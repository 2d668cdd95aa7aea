package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/metrics"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/state"
)

// Status is the payload of the STATUS control.
type Status struct {
	PNN          uint32          `json:"pnn"`
	Incarnation  string          `json:"incarnation"`
	Uptime       string          `json:"uptime"`
	RecoveryMode string          `json:"recovery_mode"`
	RunState     string          `json:"run_state"`
	Generation   uint32          `json:"generation"`
	Clients      int             `json:"clients"`
	Stats        state.Snapshot  `json:"stats"`
	Nodes        []cluster.Node  `json:"nodes"`
	Databases    []database.Info `json:"databases"`
}

func (d *Dispatcher) builtinControls() map[uint32]ControlHandler {
	return map[uint32]ControlHandler{
		protocol.ControlPing:              d.ctrlPing,
		protocol.ControlGetPNN:            d.ctrlGetPNN,
		protocol.ControlGetRecMode:        d.ctrlGetRecMode,
		protocol.ControlSetRecMode:        d.ctrlSetRecMode,
		protocol.ControlGetGeneration:     d.ctrlGetGeneration,
		protocol.ControlSetGeneration:     d.ctrlSetGeneration,
		protocol.ControlStatus:            d.ctrlStatus,
		protocol.ControlGetNodeMap:        d.ctrlGetNodeMap,
		protocol.ControlRegisterSrvID:     d.ctrlRegisterSrvID,
		protocol.ControlDeregisterSrvID:   d.ctrlDeregisterSrvID,
		protocol.ControlTunnelRegister:    d.ctrlTunnelRegister,
		protocol.ControlTunnelDeregister:  d.ctrlTunnelDeregister,
		protocol.ControlDBAttach:          d.ctrlDBAttach,
		protocol.ControlGetDBID:           d.ctrlGetDBID,
		protocol.ControlUpdateRecord:      d.ctrlUpdateRecord,
		protocol.ControlTransactionStart:  d.ctrlTransactionStart,
		protocol.ControlPersistentStore:   d.ctrlPersistentStore,
		protocol.ControlTransactionCommit: d.ctrlTransactionCommit,
		protocol.ControlFreeze:            d.ctrlFreeze,
		protocol.ControlThaw:              d.ctrlThaw,
		protocol.ControlShutdown:          d.ctrlShutdown,
	}
}

// ctrlPing answers with the number of connected clients.
func (d *Dispatcher) ctrlPing(*ControlContext) (int32, []byte, error) {
	return int32(d.clients.Len()), nil, nil
}

func (d *Dispatcher) ctrlGetPNN(*ControlContext) (int32, []byte, error) {
	return int32(d.self()), nil, nil
}

func (d *Dispatcher) ctrlGetRecMode(*ControlContext) (int32, []byte, error) {
	return int32(d.st.RecoveryMode()), nil, nil
}

func (d *Dispatcher) ctrlSetRecMode(cc *ControlContext) (int32, []byte, error) {
	v, err := protocol.DecodeUint32(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	mode := state.RecoveryMode(v)
	if mode != state.RecoveryNormal && mode != state.RecoveryActive {
		return 0, nil, fmt.Errorf("invalid recovery mode %d", v)
	}
	if d.st.RecoveryMode() != mode {
		metrics.RecoveryModeChanges.Inc()
		d.log.Info("recovery mode changed", logger.PNN(cc.Src), logger.Op(mode.String()))
	}
	d.st.SetRecoveryMode(mode)
	return 0, nil, nil
}

func (d *Dispatcher) ctrlGetGeneration(*ControlContext) (int32, []byte, error) {
	return 0, protocol.EncodeUint32(d.st.Generation()), nil
}

// ctrlSetGeneration installs a new generation and rebuilds the VNN map
// from the active nodes.
func (d *Dispatcher) ctrlSetGeneration(cc *ControlContext) (int32, []byte, error) {
	gen, err := protocol.DecodeUint32(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	if err := d.vnn.Set(gen, d.nodes.Active()); err != nil {
		return 0, nil, err
	}
	d.st.SetGeneration(gen)
	d.log.Info("generation changed", logger.Generation(gen))
	return 0, nil, nil
}

func (d *Dispatcher) ctrlStatus(*ControlContext) (int32, []byte, error) {
	s := Status{
		PNN:          d.self(),
		Incarnation:  d.st.Incarnation.String(),
		Uptime:       d.st.Uptime().Truncate(time.Second).String(),
		RecoveryMode: d.st.RecoveryMode().String(),
		RunState:     d.st.RunState().String(),
		Generation:   d.st.Generation(),
		Clients:      d.clients.Len(),
		Stats:        d.st.Stats.Snapshot(),
		Nodes:        d.nodes.All(),
	}
	for _, db := range d.dbs.All() {
		s.Databases = append(s.Databases, db.Info())
	}
	data, err := json.Marshal(s)
	return 0, data, err
}

func (d *Dispatcher) ctrlGetNodeMap(*ControlContext) (int32, []byte, error) {
	data, err := json.Marshal(d.nodes.All())
	return 0, data, err
}

func (d *Dispatcher) ctrlRegisterSrvID(cc *ControlContext) (int32, []byte, error) {
	if cc.Client == nil {
		return 0, nil, errNeedClient
	}
	id := cc.Client.ID
	d.srvids.Register(cc.Req.SrvID, id, func(srvid uint64, data []byte) {
		d.sendClient(id, 0, &protocol.Message{SrvID: srvid, Data: data})
	})
	return 0, nil, nil
}

func (d *Dispatcher) ctrlDeregisterSrvID(cc *ControlContext) (int32, []byte, error) {
	if cc.Client == nil {
		return 0, nil, errNeedClient
	}
	return 0, nil, d.srvids.Deregister(cc.Req.SrvID, cc.Client.ID)
}

func (d *Dispatcher) ctrlTunnelRegister(cc *ControlContext) (int32, []byte, error) {
	if cc.Client == nil {
		return 0, nil, errNeedClient
	}
	return 0, nil, d.tunnels.Register(cc.Req.SrvID, cc.Client.ID)
}

func (d *Dispatcher) ctrlTunnelDeregister(cc *ControlContext) (int32, []byte, error) {
	if cc.Client == nil {
		return 0, nil, errNeedClient
	}
	return 0, nil, d.tunnels.Deregister(cc.Req.SrvID, cc.Client.ID)
}

// ctrlDBAttach attaches a database. Attaches from local clients are
// propagated to the connected nodes so the database exists cluster-wide.
func (d *Dispatcher) ctrlDBAttach(cc *ControlContext) (int32, []byte, error) {
	a, err := protocol.ParseDBAttach(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	var flags database.Flags
	if a.Flags&protocol.AttachPersistent != 0 {
		flags |= database.FlagPersistent
	}
	if a.Flags&protocol.AttachReplicated != 0 {
		flags |= database.FlagReplicated
	}
	db, err := d.dbs.Attach(a.Name, flags)
	if err != nil {
		return 0, nil, err
	}

	if cc.Client != nil {
		cc.Client.DBs[db.ID] = struct{}{}
		for _, pnn := range d.nodes.Connected(d.self()) {
			d.sendControl(pnn, &protocol.ControlRequest{
				Opcode: protocol.ControlDBAttach,
				Flags:  protocol.ControlFlagNoReply,
				Data:   cc.Req.Data,
			}, nil)
		}
	}
	return 0, protocol.EncodeUint32(db.ID), nil
}

func (d *Dispatcher) ctrlGetDBID(cc *ControlContext) (int32, []byte, error) {
	db, err := d.dbs.ByName(string(cc.Req.Data))
	if err != nil {
		return 0, nil, err
	}
	return 0, protocol.EncodeUint32(db.ID), nil
}

// ctrlUpdateRecord overwrites a local copy with a newer one. It is how a
// dmaster invalidates read-only delegations. A busy record fails the
// control so the revoke is retried.
func (d *Dispatcher) ctrlUpdateRecord(cc *ControlContext) (int32, []byte, error) {
	rec, err := protocol.ParseRecordData(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	db, err := d.dbs.Lookup(rec.DBID)
	if err != nil {
		return 0, nil, err
	}
	if err := db.Store.Acquire(rec.Key, nil); err != nil {
		return 0, nil, fmt.Errorf("update record: %w", err)
	}
	defer d.release(db, rec.Key)

	cur, _, err := db.Store.Fetch(rec.Key)
	if err != nil {
		return 0, nil, err
	}
	if cur.RSN > rec.Header.RSN && !cur.Has(protocol.RecROHaveReadonly) {
		d.log.Debug("ignoring stale record update",
			logger.DBID(db.ID), logger.Key(rec.Key))
		return 0, nil, nil
	}
	return 0, nil, db.Store.Store(rec.Key, rec.Header, rec.Data)
}

func (d *Dispatcher) persistentDB(dbid uint32) (*database.Database, error) {
	db, err := d.dbs.Lookup(dbid)
	if err != nil {
		return nil, err
	}
	if !db.Persistent() {
		return nil, fmt.Errorf("database %q is not persistent", db.Name)
	}
	return db, nil
}

func (d *Dispatcher) ctrlTransactionStart(cc *ControlContext) (int32, []byte, error) {
	if cc.Client == nil {
		return 0, nil, errNeedClient
	}
	dbid, err := protocol.DecodeUint32(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	if _, err := d.persistentDB(dbid); err != nil {
		return 0, nil, err
	}
	if cc.Client.TxnDB != 0 {
		return 0, nil, errors.New("transaction already open")
	}
	cc.Client.TxnDB = dbid
	d.txns[cc.Client.ID] = nil
	return 0, nil, nil
}

// ctrlPersistentStore writes a persistent record. Inside a transaction the
// write is buffered until commit.
func (d *Dispatcher) ctrlPersistentStore(cc *ControlContext) (int32, []byte, error) {
	rec, err := protocol.ParseRecordData(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	db, err := d.persistentDB(rec.DBID)
	if err != nil {
		return 0, nil, err
	}
	if c := cc.Client; c != nil && c.TxnDB == rec.DBID {
		d.txns[c.ID] = append(d.txns[c.ID], rec)
		c.PendingPersistentTxn++
		return 0, nil, nil
	}
	if err := db.Store.Acquire(rec.Key, nil); err != nil {
		return 0, nil, fmt.Errorf("persistent store: %w", err)
	}
	defer d.release(db, rec.Key)
	_, err = d.writePersistent(db, rec)
	return 0, nil, err
}

// writePersistent stores rec over a locked record, bumping the rsn past
// the local copy.
func (d *Dispatcher) writePersistent(db *database.Database, rec protocol.RecordData) (protocol.RecordHeader, error) {
	cur, _, err := db.Store.Fetch(rec.Key)
	if err != nil {
		return protocol.RecordHeader{}, err
	}
	hdr := rec.Header
	if hdr.RSN <= cur.RSN {
		hdr.RSN = cur.RSN + 1
	}
	hdr.Dmaster = d.self()
	return hdr, db.Store.Store(rec.Key, hdr, rec.Data)
}

// ctrlTransactionCommit applies the buffered writes atomically with
// respect to other calls and replicates them to the connected nodes.
func (d *Dispatcher) ctrlTransactionCommit(cc *ControlContext) (int32, []byte, error) {
	c := cc.Client
	if c == nil {
		return 0, nil, errNeedClient
	}
	dbid, err := protocol.DecodeUint32(cc.Req.Data)
	if err != nil {
		return 0, nil, err
	}
	if c.TxnDB == 0 || c.TxnDB != dbid {
		return 0, nil, errors.New("no transaction open on this database")
	}
	db, err := d.persistentDB(dbid)
	if err != nil {
		return 0, nil, err
	}

	writes := d.txns[c.ID]
	var locked [][]byte
	unlock := func() {
		for _, k := range locked {
			d.release(db, k)
		}
	}
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if seen[string(w.Key)] {
			continue
		}
		if err := db.Store.Acquire(w.Key, nil); err != nil {
			unlock()
			return 0, nil, fmt.Errorf("commit: %w", err)
		}
		seen[string(w.Key)] = true
		locked = append(locked, w.Key)
	}

	peers := d.nodes.Connected(d.self())
	for _, w := range writes {
		hdr, err := d.writePersistent(db, w)
		if err != nil {
			unlock()
			d.fatal("failed to commit persistent write in db 0x%08x: %v", db.ID, err)
			return 0, nil, err
		}
		w.Header = hdr
		for _, pnn := range peers {
			d.sendControl(pnn, &protocol.ControlRequest{
				Opcode: protocol.ControlPersistentStore,
				Flags:  protocol.ControlFlagNoReply,
				Data:   w.Marshal(),
			}, nil)
		}
	}
	unlock()

	c.TxnDB = 0
	c.PendingPersistentTxn = 0
	delete(d.txns, c.ID)
	return 0, nil, nil
}

func (d *Dispatcher) ctrlFreeze(*ControlContext) (int32, []byte, error) {
	d.dbs.FreezeAll()
	return 0, nil, nil
}

func (d *Dispatcher) ctrlThaw(*ControlContext) (int32, []byte, error) {
	d.dbs.ThawAll()
	return 0, nil, nil
}

func (d *Dispatcher) ctrlShutdown(cc *ControlContext) (int32, []byte, error) {
	d.log.Info("shutdown requested", logger.PNN(cc.Src))
	if d.onShutdown != nil {
		d.loop.Post(d.onShutdown)
	}
	return 0, nil, nil
}
