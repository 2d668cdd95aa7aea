package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/protocol"
)

func TestNodeMap(t *testing.T) {
	m := NewNodeMap([]string{"a:1", "b:1", "c:1"}, 1)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []uint32{1}, m.Active())
	assert.Empty(t, m.Connected(1))

	old, cur, err := m.Modify(0, 0, FlagDisconnected)
	require.NoError(t, err)
	assert.Equal(t, FlagDisconnected, old)
	assert.Equal(t, NodeFlags(0), cur)
	assert.Equal(t, []uint32{0}, m.Connected(1))
	assert.True(t, m.IsConnected(0))

	_, _, err = m.Modify(0, FlagBanned, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, m.Active())
	assert.Equal(t, "BANNED", mustGet(t, m, 0).Flags.String())

	_, err = m.Get(9)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func mustGet(t *testing.T, m *NodeMap, pnn uint32) Node {
	t.Helper()
	n, err := m.Get(pnn)
	require.NoError(t, err)
	return n
}

func TestPNNForAddress(t *testing.T) {
	addrs := []string{"10.0.0.1:4379", "10.0.0.2:4379"}
	pnn, err := PNNForAddress(addrs, "10.0.0.2:4379")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pnn)

	_, err = PNNForAddress(addrs, "10.0.0.3:4379")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestVNNMap(t *testing.T) {
	_, err := NewVNNMap(1, nil)
	assert.ErrorIs(t, err, ErrEmptyMap)

	m, err := NewVNNMap(3, []uint32{2, 0, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, m.Nodes())
	assert.Equal(t, uint32(3), m.Generation())

	// deterministic and spread over the nodes
	seen := map[uint32]int{}
	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		l := m.Lmaster(key)
		assert.Equal(t, l, m.Lmaster(key))
		seen[l]++
	}
	assert.Len(t, seen, 3)

	other, _ := NewVNNMap(3, []uint32{1, 2, 0})
	assert.Equal(t, m.Lmaster([]byte("abc")), other.Lmaster([]byte("abc")))
}

func TestNetwork(t *testing.T) {
	n := NewNetwork()
	a, b := n.Endpoint(0), n.Endpoint(1)
	assert.Same(t, a, n.Endpoint(0))

	var got [][]byte
	require.NoError(t, b.Start(context.Background(), DeliverFunc(func(p []byte) { got = append(got, p) })))
	require.NoError(t, a.Start(context.Background(), DeliverFunc(func([]byte) {})))

	pkt := []byte("hello")
	require.NoError(t, a.SendPacket(1, pkt))
	pkt[0] = 'X'
	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0]), "packet must be copied")

	assert.ErrorIs(t, a.SendPacket(7, pkt), ErrNodeUnreachable)

	n.SetDown(1, true)
	assert.ErrorIs(t, a.SendPacket(1, pkt), ErrNodeUnreachable)
	n.SetDown(1, false)
	assert.NoError(t, a.SendPacket(1, pkt))

	require.NoError(t, b.Shutdown())
	assert.ErrorIs(t, a.SendPacket(1, pkt), ErrNodeUnreachable)
	assert.ErrorIs(t, b.SendPacket(0, pkt), ErrTransportClosed)
}

func newMonitor(t *testing.T, limit int) (*Monitor, *NodeMap, *eventloop.Loop, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Unix(1000, 0))
	loop := eventloop.New(clk)
	nodes := NewNodeMap([]string{"a", "b", "c"}, 0)
	return NewMonitor(0, nodes, loop, time.Second, limit), nodes, loop, clk
}

func TestMonitorDisconnectsSilentNode(t *testing.T) {
	m, nodes, loop, clk := newMonitor(t, 3)

	var sent []uint32
	var down []uint32
	m.SetSendFunction(func(dest uint32) error { sent = append(sent, dest); return nil })
	m.SetOnDisconnect(func(pnn uint32) { down = append(down, pnn) })

	m.Heard(1)
	m.Heard(2)
	assert.True(t, nodes.IsConnected(1))
	assert.True(t, m.IsHealthy(2))

	m.Start()
	for i := 0; i < 3; i++ {
		m.Heard(2) // node 2 keeps talking
		clk.Step(time.Second)
		loop.Drain()
	}

	// first tick consumes the initial Heard, then two silent ticks
	assert.Empty(t, down)
	clk.Step(time.Second)
	loop.Drain()

	assert.Equal(t, []uint32{1}, down)
	assert.False(t, nodes.IsConnected(1))
	assert.True(t, nodes.IsConnected(2))
	assert.Equal(t, StatusDisconnected, m.GetNodeHealth(1).Status)
	assert.Contains(t, sent, uint32(1), "keepalives keep flowing to disconnected nodes")

	m.Stop()
	clk.Step(10 * time.Second)
	assert.Zero(t, loop.Drain())
}

func TestMonitorReconnect(t *testing.T) {
	m, nodes, _, _ := newMonitor(t, 1)

	var up []uint32
	m.SetOnConnect(func(pnn uint32) { up = append(up, pnn) })

	m.Heard(1)
	assert.Equal(t, []uint32{1}, up)

	m.Disconnect(1)
	assert.False(t, nodes.IsConnected(1))
	m.Disconnect(1) // already down, no second callback

	m.Heard(1)
	assert.Equal(t, []uint32{1, 1}, up)
	assert.Nil(t, m.GetNodeHealth(2))
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPTransport(t *testing.T) {
	addrs := []string{freePort(t), freePort(t)}
	a := NewTCPTransport(0, addrs)
	b := NewTCPTransport(1, addrs)

	got := make(chan []byte, 4)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, DeliverFunc(func([]byte) {})))
	require.NoError(t, b.Start(ctx, DeliverFunc(func(p []byte) { got <- p })))
	defer a.Shutdown()
	defer b.Shutdown()

	h := protocol.Header{Magic: protocol.Magic, Version: protocol.Version, DestNode: 1}
	pkt := protocol.Encode(h, &protocol.Keepalive{Version: 1, Uptime: 5})
	require.NoError(t, a.SendPacket(1, pkt))

	select {
	case p := <-got:
		_, body, err := protocol.Decode(p)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), body.(*protocol.Keepalive).Uptime)
	case <-time.After(5 * time.Second):
		t.Fatal("packet not delivered")
	}

	require.NoError(t, a.Shutdown())
	assert.ErrorIs(t, a.SendPacket(1, pkt), ErrTransportClosed)
}

// downRecorder is a Handler that records lost peers.
type downRecorder struct {
	mu   sync.Mutex
	down []uint32
	ch   chan uint32
}

func newDownRecorder() *downRecorder { return &downRecorder{ch: make(chan uint32, 16)} }

func (r *downRecorder) Deliver([]byte) {}

func (r *downRecorder) NodeDown(pnn uint32) {
	r.mu.Lock()
	r.down = append(r.down, pnn)
	r.mu.Unlock()
	select {
	case r.ch <- pnn:
	default:
	}
}

func (r *downRecorder) lost() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32{}, r.down...)
}

func TestNetworkReportsNodeDown(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	rec := make([]*downRecorder, 3)
	for i := range rec {
		rec[i] = newDownRecorder()
		require.NoError(t, n.Endpoint(uint32(i)).Start(ctx, rec[i]))
	}

	n.SetDown(2, true)
	assert.Equal(t, []uint32{2}, rec[0].lost())
	assert.Equal(t, []uint32{2}, rec[1].lost())
	assert.ElementsMatch(t, []uint32{0, 1}, rec[2].lost())

	n.SetDown(2, true) // already down
	assert.Len(t, rec[0].lost(), 1)

	n.SetDown(2, false)
	require.NoError(t, n.Endpoint(1).Shutdown())
	assert.Equal(t, []uint32{2, 1}, rec[0].lost())
	assert.Equal(t, []uint32{2}, rec[1].lost(), "a closed endpoint hears nothing")
}

func TestTCPTransportReportsUnreachablePeer(t *testing.T) {
	addrs := []string{freePort(t), freePort(t)}
	a := NewTCPTransport(0, addrs)
	rec := newDownRecorder()
	require.NoError(t, a.Start(context.Background(), rec))
	defer a.Shutdown()

	h := protocol.Header{Magic: protocol.Magic, Version: protocol.Version, DestNode: 1}
	pkt := protocol.Encode(h, &protocol.Keepalive{Version: 1})
	require.NoError(t, a.SendPacket(1, pkt))
	require.NoError(t, a.SendPacket(1, pkt))

	select {
	case pnn := <-rec.ch:
		assert.Equal(t, uint32(1), pnn)
	case <-time.After(5 * time.Second):
		t.Fatal("lost peer not reported")
	}
	require.NoError(t, a.Shutdown())
	assert.Equal(t, []uint32{1}, rec.lost(), "one report per outage")
}
