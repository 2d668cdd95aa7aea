package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/routing"
	"github.com/dreamware/clusterd/internal/state"
)

const (
	testDB = "test.tdb"

	// callStore replaces the record value with the call data and echoes it.
	callStore uint32 = 0x00000001
)

type testNode struct {
	pnn     uint32
	st      *state.DaemonState
	loop    *eventloop.Loop
	nodes   *cluster.NodeMap
	vnn     *cluster.VNNMap
	dbs     *database.Registry
	clients *client.Registry
	srvids  *routing.SrvIDTable
	tunnels *routing.TunnelTable
	d       *Dispatcher
}

type testCluster struct {
	clk   *testingclock.FakeClock
	net   *cluster.Network
	nodes []*testNode
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxHopCount = 10
	return cfg
}

func addresses(n int) []string {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:4379", i+1)
	}
	return addrs
}

// newTestNode builds one daemon core with every peer connected and
// generation 1.
func newTestNode(t *testing.T, clk *testingclock.FakeClock, pnn uint32, n int,
	tr cluster.Transport, cfg Config) *testNode {
	t.Helper()

	st := state.New()
	st.SetPNN(pnn)
	st.SetGeneration(1)
	st.SetRecoveryMode(state.RecoveryNormal)
	st.SetRunState(state.RunStateRunning)

	nodes := cluster.NewNodeMap(addresses(n), pnn)
	pnns := make([]uint32, n)
	for i := 0; i < n; i++ {
		pnns[i] = uint32(i)
		if uint32(i) != pnn {
			_, _, err := nodes.Modify(uint32(i), 0, cluster.FlagDisconnected)
			require.NoError(t, err)
		}
	}
	vnn, err := cluster.NewVNNMap(1, pnns)
	require.NoError(t, err)

	tn := &testNode{
		pnn:     pnn,
		st:      st,
		loop:    eventloop.New(clk),
		nodes:   nodes,
		vnn:     vnn,
		dbs:     database.NewRegistry(vnn.Lmaster),
		srvids:  routing.NewSrvIDTable(),
		tunnels: routing.NewTunnelTable(),
	}
	tn.clients = client.NewRegistry(tn.loop, st, tn.srvids, tn.tunnels, 0)
	tn.d = New(Options{
		Config:    cfg,
		State:     st,
		Loop:      tn.loop,
		Transport: tr,
		Nodes:     nodes,
		VNN:       vnn,
		DBs:       tn.dbs,
		Clients:   tn.clients,
		SrvIDs:    tn.srvids,
		Tunnels:   tn.tunnels,
		Fatal: func(format string, args ...any) {
			t.Errorf("fatal: "+format, args...)
		},
	})
	tn.d.Calls().Register(callStore, func(c *CallContext) error {
		c.Update(c.CallData)
		c.Reply = c.CallData
		return nil
	})
	require.NoError(t, tr.Start(context.Background(), tn.d))
	return tn
}

func newTestCluster(t *testing.T, n int, cfg Config) *testCluster {
	t.Helper()
	tc := &testCluster{
		clk: testingclock.NewFakeClock(time.Now()),
		net: cluster.NewNetwork(),
	}
	for i := 0; i < n; i++ {
		tc.nodes = append(tc.nodes, newTestNode(t, tc.clk, uint32(i), n, tc.net.Endpoint(uint32(i)), cfg))
	}
	return tc
}

// drain runs every node's loop until the whole cluster is idle.
func (tc *testCluster) drain() {
	for {
		ran := 0
		for _, n := range tc.nodes {
			ran += n.loop.Drain()
		}
		if ran == 0 {
			return
		}
	}
}

// attach attaches name on every node.
func (tc *testCluster) attach(t *testing.T, name string, flags database.Flags) uint32 {
	t.Helper()
	var id uint32
	for _, n := range tc.nodes {
		db, err := n.dbs.Attach(name, flags)
		require.NoError(t, err)
		id = db.ID
	}
	return id
}

func (n *testNode) db(t *testing.T, id uint32) *database.Database {
	t.Helper()
	db, err := n.dbs.Lookup(id)
	require.NoError(t, err)
	return db
}

// keyWithLmaster returns a key whose lmaster is pnn.
func keyWithLmaster(t *testing.T, vnn *cluster.VNNMap, pnn uint32) []byte {
	t.Helper()
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		if vnn.Lmaster(k) == pnn {
			return k
		}
	}
	t.Fatalf("no key maps to node %d", pnn)
	return nil
}

// setRecord writes a record header and value directly into the store.
func setRecord(t *testing.T, db *database.Database, key []byte, hdr protocol.RecordHeader, data []byte) {
	t.Helper()
	require.NoError(t, db.Store.Acquire(key, nil))
	require.NoError(t, db.Store.Store(key, hdr, data))
	require.NoError(t, db.Store.Release(key))
}

// blackhole is a transport that records packets and never delivers them.
// With fail set every send is refused.
type blackhole struct {
	sent []sentPacket
	fail bool
}

type sentPacket struct {
	dest uint32
	pkt  []byte
}

func (b *blackhole) Start(context.Context, cluster.Handler) error { return nil }
func (b *blackhole) Shutdown() error                              { return nil }

func (b *blackhole) SendPacket(dest uint32, pkt []byte) error {
	if b.fail {
		return fmt.Errorf("%w: %d", cluster.ErrNodeUnreachable, dest)
	}
	b.sent = append(b.sent, sentPacket{dest: dest, pkt: pkt})
	return nil
}

// pipeConn is a client connection whose reads block until close and whose
// writes are handed to the test one packet at a time.
type pipeConn struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (p *pipeConn) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *pipeConn) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	p.out <- buf
	return len(b), nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type testClient struct {
	t     *testing.T
	node  *testNode
	c     *client.Client
	conn  *pipeConn
	reqid uint32
}

func (n *testNode) connect(t *testing.T) *testClient {
	t.Helper()
	conn := newPipeConn()
	t.Cleanup(func() { conn.Close() })
	id, err := n.clients.Accept(conn, 100)
	require.NoError(t, err)
	c, err := n.clients.Lookup(id)
	require.NoError(t, err)
	return &testClient{t: t, node: n, c: c, conn: conn}
}

// send hands body to the dispatcher as if the client had written it and
// returns the request id used.
func (tc *testClient) send(dest uint32, body protocol.Packet) uint32 {
	tc.reqid++
	h := protocol.Header{Magic: protocol.Magic, Version: protocol.Version, ReqID: tc.reqid, DestNode: dest}
	tc.node.d.HandleClientPacket(tc.c, protocol.Encode(h, body))
	return tc.reqid
}

func (tc *testClient) call(db uint32, callID, flags uint32, key, data []byte) uint32 {
	return tc.send(protocol.CurrentNode, &protocol.CallRequest{
		Flags:    flags,
		DBID:     db,
		CallID:   callID,
		Key:      key,
		CallData: data,
	})
}

func (tc *testClient) control(dest uint32, req *protocol.ControlRequest) uint32 {
	return tc.send(dest, req)
}

// recv waits for the next packet the daemon sent to the client.
func (tc *testClient) recv() (protocol.Header, protocol.Packet) {
	tc.t.Helper()
	select {
	case pkt := <-tc.conn.out:
		h, body, err := protocol.Decode(pkt)
		require.NoError(tc.t, err)
		return h, body
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for a packet")
		return protocol.Header{}, nil
	}
}

// recvNone asserts that nothing is sent to the client shortly.
func (tc *testClient) recvNone() {
	tc.t.Helper()
	select {
	case pkt := <-tc.conn.out:
		h, _, _ := protocol.Decode(pkt)
		tc.t.Fatalf("unexpected %s to client", h.Operation)
	case <-time.After(50 * time.Millisecond):
	}
}

// reply waits for the CallReply to reqid.
func (tc *testClient) reply(reqid uint32) *protocol.CallReply {
	tc.t.Helper()
	h, body := tc.recv()
	require.Equal(tc.t, reqid, h.ReqID)
	r, ok := body.(*protocol.CallReply)
	require.Truef(tc.t, ok, "expected REPLY_CALL, got %s", h.Operation)
	return r
}

// controlReply waits for the ControlReply to reqid.
func (tc *testClient) controlReply(reqid uint32) *protocol.ControlReply {
	tc.t.Helper()
	h, body := tc.recv()
	require.Equal(tc.t, reqid, h.ReqID)
	r, ok := body.(*protocol.ControlReply)
	require.Truef(tc.t, ok, "expected REPLY_CONTROL, got %s", h.Operation)
	return r
}
