package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/protocol"
)

// fakeRevoker completes revokes with the queued results, then succeeds.
type fakeRevoker struct {
	d       *Dispatcher
	calls   int
	results []error
}

func (f *fakeRevoker) Revoke(_ *database.Database, _ []byte, _ protocol.RecordHeader, _ []byte, done func(error)) {
	f.calls++
	var err error
	if len(f.results) > 0 {
		err, f.results = f.results[0], f.results[1:]
	}
	f.d.loop.Post(func() { done(err) })
}

func TestReadonlyDelegationAndRevoke(t *testing.T) {
	tc := newTestCluster(t, 2, testConfig())
	n0, n1 := tc.nodes[0], tc.nodes[1]
	dbid := tc.attach(t, testDB, 0)
	key := keyWithLmaster(t, n0.vnn, 0)
	db0, db1 := n0.db(t, dbid), n1.db(t, dbid)

	cl0 := n0.connect(t)
	r := cl0.call(dbid, callStore, 0, key, []byte("v1"))
	tc.drain()
	cl0.reply(r)

	// A read-only fetch on node 1 gets a delegated copy.
	cl1 := n1.connect(t)
	r = cl1.call(dbid, protocol.CallFetch, protocol.CallFlagWantReadonly, key, nil)
	tc.drain()
	assert.Equal(t, []byte("v1"), cl1.reply(r).Data, "FETCH replies carry no record header")

	hdr0, _, err := db0.Store.Peek(key)
	require.NoError(t, err)
	assert.True(t, hdr0.Has(protocol.RecROHaveDelegations))
	assert.Equal(t, []uint32{1}, db0.Tracking.Nodes(key))
	assert.Equal(t, int64(1), n0.st.Stats.TotalRODelegations.Load())

	hdr1, data1, err := db1.Store.Peek(key)
	require.NoError(t, err)
	assert.True(t, hdr1.Has(protocol.RecROHaveReadonly))
	assert.Equal(t, uint32(0), hdr1.Dmaster)
	assert.Equal(t, []byte("v1"), data1)

	// The next read-only fetch is served from the copy.
	r = cl1.call(dbid, protocol.CallFetchWithHeader, protocol.CallFlagWantReadonly, key, nil)
	tc.drain()
	reply := cl1.reply(r).Data
	require.Len(t, reply, protocol.RecordHeaderSize+2)
	rh, err := protocol.ParseRecordHeader(reply)
	require.NoError(t, err)
	assert.True(t, rh.Has(protocol.RecROHaveReadonly))
	assert.Equal(t, uint64(1), db1.Stats.LocalCalls.Load())
	assert.Equal(t, uint64(1), db1.Stats.RemoteCalls.Load())

	// A write on the dmaster revokes the delegation first.
	r = cl0.call(dbid, callStore, 0, key, []byte("v2"))
	assert.True(t, n0.d.revoking(db0, key))
	tc.drain()
	assert.Equal(t, []byte("v2"), cl0.reply(r).Data)

	hdr0, data0, err := db0.Store.Peek(key)
	require.NoError(t, err)
	assert.Zero(t, hdr0.Flags&protocol.RecROFlags)
	assert.Equal(t, []byte("v2"), data0)
	assert.Empty(t, db0.Tracking.Nodes(key))
	assert.False(t, n0.d.revoking(db0, key))

	hdr1, _, err = db1.Store.Peek(key)
	require.NoError(t, err)
	assert.False(t, hdr1.Has(protocol.RecROHaveReadonly))
	assert.Equal(t, uint32(0), hdr1.Dmaster)
	assert.Equal(t, hdr0.RSN+1, hdr1.RSN, "the overwrite is newer than the copy it replaced")

	assert.Equal(t, int64(1), n0.st.Stats.TotalRORevokes.Load())
	assert.Equal(t, int64(0), n0.st.Stats.PendingCalls.Load())
	assert.Equal(t, int64(0), n0.st.Stats.PendingControls.Load())
}

func TestReadonlyFlagDoesNotReplaceAppCall(t *testing.T) {
	const callApp uint32 = 0x20

	t.Run("local", func(t *testing.T) {
		tc := newTestCluster(t, 1, testConfig())
		n := tc.nodes[0]
		dbid := tc.attach(t, testDB, 0)
		require.True(t, n.db(t, dbid).ReadonlyTracking())

		ran := false
		n.d.Calls().Register(callApp, func(c *CallContext) error {
			ran = true
			c.Reply = []byte("app")
			return nil
		})

		cl := n.connect(t)
		r := cl.call(dbid, callApp, protocol.CallFlagWantReadonly, []byte("k"), nil)
		tc.drain()
		assert.Equal(t, []byte("app"), cl.reply(r).Data)
		assert.True(t, ran)
		assert.Equal(t, int64(0), n.st.Stats.PendingCalls.Load())
	})

	t.Run("write through a delegated copy revokes", func(t *testing.T) {
		tc := newTestCluster(t, 2, testConfig())
		n0, n1 := tc.nodes[0], tc.nodes[1]
		dbid := tc.attach(t, testDB, 0)
		key := keyWithLmaster(t, n0.vnn, 0)

		cl0 := n0.connect(t)
		r := cl0.call(dbid, callStore, 0, key, []byte("v1"))
		tc.drain()
		cl0.reply(r)

		cl1 := n1.connect(t)
		r = cl1.call(dbid, protocol.CallFetch, protocol.CallFlagWantReadonly, key, nil)
		tc.drain()
		cl1.reply(r)
		require.Equal(t, []uint32{1}, n0.db(t, dbid).Tracking.Nodes(key))

		// The app call is not served from node 1's copy and is not
		// granted a delegation: node 0 revokes, then runs it.
		r = cl1.call(dbid, callStore, protocol.CallFlagWantReadonly, key, []byte("v2"))
		tc.drain()
		assert.Equal(t, []byte("v2"), cl1.reply(r).Data)

		_, data0, err := n0.db(t, dbid).Store.Peek(key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), data0)
		assert.Empty(t, n0.db(t, dbid).Tracking.Nodes(key))
		assert.Equal(t, int64(1), n0.st.Stats.TotalRORevokes.Load())
		assert.Equal(t, int64(1), n0.st.Stats.TotalRODelegations.Load())
		assert.Equal(t, int64(0), n1.st.Stats.PendingCalls.Load())
	})
}

func TestWriteFromPeerRevokesDelegations(t *testing.T) {
	tc := newTestCluster(t, 3, testConfig())
	n0, n1, n2 := tc.nodes[0], tc.nodes[1], tc.nodes[2]
	dbid := tc.attach(t, testDB, 0)
	key := keyWithLmaster(t, n0.vnn, 0)

	cl1 := n1.connect(t)
	r := cl1.call(dbid, protocol.CallFetch, protocol.CallFlagWantReadonly, key, nil)
	tc.drain()
	cl1.reply(r)

	cl2 := n2.connect(t)
	r = cl2.call(dbid, callStore, 0, key, []byte("w"))
	tc.drain()
	assert.Equal(t, []byte("w"), cl2.reply(r).Data)

	hdr1, _, err := n1.db(t, dbid).Store.Peek(key)
	require.NoError(t, err)
	assert.False(t, hdr1.Has(protocol.RecROHaveReadonly), "delegated copy was overwritten")
	assert.Equal(t, int64(1), n0.st.Stats.TotalRORevokes.Load())
}

func TestOneRevokePerRecord(t *testing.T) {
	tc := newTestCluster(t, 1, testConfig())
	n := tc.nodes[0]
	dbid := tc.attach(t, testDB, 0)
	db := n.db(t, dbid)
	key := []byte("hot")
	setRecord(t, db, key, protocol.RecordHeader{RSN: 3, Flags: protocol.RecROHaveDelegations}, []byte("v"))

	fr := &fakeRevoker{d: n.d}
	n.d.revoker = fr
	cl := n.connect(t)

	r1 := cl.call(dbid, callStore, 0, key, []byte("a"))
	r2 := cl.call(dbid, callStore, 0, key, []byte("b"))
	assert.Equal(t, 1, fr.calls)
	assert.Len(t, n.d.ctx(db).revokes, 1)

	hdr, _, err := db.Store.Peek(key)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadonlyRevoking, hdr.ReadonlyState())

	tc.drain()
	assert.Equal(t, []byte("a"), cl.reply(r1).Data)
	assert.Equal(t, []byte("b"), cl.reply(r2).Data)
	assert.Equal(t, 1, fr.calls)
	assert.Empty(t, n.d.ctx(db).revokes)
	assert.Equal(t, int64(0), n.st.Stats.PendingCalls.Load())
}

func TestFailedRevokeKeepsDelegationsAndRetries(t *testing.T) {
	tc := newTestCluster(t, 1, testConfig())
	n := tc.nodes[0]
	dbid := tc.attach(t, testDB, 0)
	db := n.db(t, dbid)
	key := []byte("hot")
	setRecord(t, db, key, protocol.RecordHeader{RSN: 3, Flags: protocol.RecROHaveDelegations}, []byte("v"))

	fr := &fakeRevoker{d: n.d, results: []error{errors.New("node busy")}}
	n.d.revoker = fr
	cl := n.connect(t)

	r := cl.call(dbid, callStore, 0, key, []byte("new"))
	n.loop.Drain()
	assert.Equal(t, []byte("new"), cl.reply(r).Data)
	assert.Equal(t, 2, fr.calls, "the replayed write starts a fresh revoke")
	assert.Equal(t, int64(2), n.st.Stats.TotalRORevokes.Load())

	hdr, data, err := db.Store.Peek(key)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadonlyNormal, hdr.ReadonlyState())
	assert.Equal(t, []byte("new"), data)
}

func TestReadonlyCallWaitsOutGraceAfterRevoke(t *testing.T) {
	tc := newTestCluster(t, 1, testConfig())
	n := tc.nodes[0]
	dbid := tc.attach(t, testDB, 0)
	db := n.db(t, dbid)
	key := []byte("hot")
	setRecord(t, db, key, protocol.RecordHeader{RSN: 3, Flags: protocol.RecROHaveDelegations}, []byte("v"))
	n.d.revoker = &fakeRevoker{d: n.d}

	writer := n.connect(t)
	reader := n.connect(t)

	w := writer.call(dbid, callStore, 0, key, []byte("fresh"))
	rd := reader.call(dbid, protocol.CallFetch, protocol.CallFlagWantReadonly, key, nil)

	tc.drain()
	assert.Equal(t, []byte("fresh"), writer.reply(w).Data)
	reader.recvNone()

	tc.clk.Step(testConfig().ROGrace)
	tc.drain()
	assert.Equal(t, []byte("fresh"), reader.reply(rd).Data)
	assert.Equal(t, int64(0), n.st.Stats.PendingCalls.Load())
}
