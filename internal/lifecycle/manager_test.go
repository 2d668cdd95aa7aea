package lifecycle

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/config"
	"github.com/dreamware/clusterd/internal/hooks"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/state"
)

type recordingHooks struct {
	mu     sync.Mutex
	events []string
	failOn string
}

func (h *recordingHooks) Run(_ context.Context, event string, _ ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	if event == h.failOn {
		return errors.New("script failed")
	}
	return nil
}

func (h *recordingHooks) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type recordingRecovery struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (r *recordingRecovery) Start() { r.mu.Lock(); r.started++; r.mu.Unlock() }
func (r *recordingRecovery) Stop()  { r.mu.Lock(); r.stopped++; r.mu.Unlock() }

func (r *recordingRecovery) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped
}

type failingIPs struct{ NopIPs }

func (failingIPs) TakeoverRun(context.Context) error { return errors.New("no takeover") }

type failingTransport struct{ cluster.Transport }

func (failingTransport) Start(context.Context, cluster.Handler) error {
	return errors.New("cannot bind")
}

type fixture struct {
	cfg      *config.Config
	hooks    *recordingHooks
	recovery *recordingRecovery
	exits    chan int
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "lc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Defaults()
	cfg.Socket = filepath.Join(dir, "d.sock")
	cfg.Nodes = []string{"n0", "n1"}
	cfg.NodeAddress = "n0"
	cfg.Databases = []config.Database{{Name: "locks.tdb"}}

	f := &fixture{
		cfg:      cfg,
		hooks:    &recordingHooks{},
		recovery: &recordingRecovery{},
		exits:    make(chan int, 4),
	}
	f.opts = Options{
		Config:    cfg,
		Transport: cluster.NewNetwork().Endpoint(0),
		Hooks:     f.hooks,
		Recovery:  f.recovery,
		Exit:      func(code int) { f.exits <- code },
	}
	return f
}

// start runs the manager in the background and waits for Running.
func (f *fixture) start(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	require.Eventually(t, func() bool {
		return m.State().RunState() == state.RunStateRunning
	}, 5*time.Second, 10*time.Millisecond)
	return cancel, errc
}

func (f *fixture) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-f.exits:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("exit was never called")
		return -1
	}
}

func dialControl(t *testing.T, socket string, opcode uint32) *protocol.ControlReply {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	h := protocol.Header{Magic: protocol.Magic, Version: protocol.Version, ReqID: 7, DestNode: protocol.CurrentNode}
	require.NoError(t, protocol.WritePacket(conn, protocol.Encode(h, &protocol.ControlRequest{Opcode: opcode})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	rh, body, err := protocol.Decode(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rh.ReqID)
	rep, ok := body.(*protocol.ControlReply)
	require.True(t, ok)
	return rep
}

func TestRunAndShutdown(t *testing.T) {
	f := newFixture(t)
	m := New(f.opts)
	cancel, errc := f.start(t, m)

	assert.Equal(t, []string{hooks.EventInit, hooks.EventSetup, hooks.EventStartup}, f.hooks.Events())
	started, _ := f.recovery.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, uint32(0), m.State().PNN())
	assert.Equal(t, state.RecoveryActive, m.State().RecoveryMode())

	rep := dialControl(t, f.cfg.Socket, protocol.ControlGetPNN)
	assert.Equal(t, protocol.StatusOK, rep.Status)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, 0, f.exitCode(t))

	assert.Equal(t, state.RunStateShutdown, m.State().RunState())
	assert.Equal(t, hooks.EventShutdown, f.hooks.Events()[3])
	_, stopped := f.recovery.counts()
	assert.Equal(t, 1, stopped)

	_, err := os.Stat(f.cfg.Socket)
	assert.True(t, os.IsNotExist(err), "socket should be removed")
}

func TestStartupFlagsApplied(t *testing.T) {
	f := newFixture(t)
	f.cfg.StartDisabled = true
	f.cfg.StartStopped = true
	m := New(f.opts)
	cancel, errc := f.start(t, m)
	defer func() {
		cancel()
		<-errc
	}()

	n, err := m.nodes.Get(0)
	require.NoError(t, err)
	assert.True(t, n.Flags.Has(cluster.FlagPermanentlyDisabled))
	assert.True(t, n.Flags.Has(cluster.FlagStopped))
	assert.True(t, m.dbs.Frozen())
}

func TestStaticRecoveryBringsDatabasesOnline(t *testing.T) {
	f := newFixture(t)
	f.opts.Recovery = nil
	m := New(f.opts)
	cancel, errc := f.start(t, m)
	defer func() {
		cancel()
		<-errc
	}()

	require.Eventually(t, func() bool {
		return m.State().RecoveryMode() == state.RecoveryNormal
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StaticGeneration, m.State().Generation())
	assert.False(t, m.dbs.Frozen())
	assert.Equal(t, []uint32{0, 1}, m.vnn.Nodes())
}

func TestShutdownRunsOnce(t *testing.T) {
	f := newFixture(t)
	m := New(f.opts)
	cancel, errc := f.start(t, m)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown(3)
		}()
	}
	wg.Wait()
	<-m.Done()

	assert.Equal(t, 3, f.exitCode(t))
	select {
	case code := <-f.exits:
		t.Fatalf("exit called twice, second code %d", code)
	default:
	}

	shutdowns := 0
	for _, e := range f.hooks.Events() {
		if e == hooks.EventShutdown {
			shutdowns++
		}
	}
	assert.Equal(t, 1, shutdowns)
	require.NoError(t, <-errc)
}

func TestShutdownControl(t *testing.T) {
	f := newFixture(t)
	m := New(f.opts)
	cancel, errc := f.start(t, m)
	defer cancel()

	rep := dialControl(t, f.cfg.Socket, protocol.ControlShutdown)
	assert.Equal(t, protocol.StatusOK, rep.Status)

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("SHUTDOWN control did not stop the daemon")
	}
	assert.Equal(t, 0, f.exitCode(t))
	require.NoError(t, <-errc)
}

func TestTakeoverFailureDoesNotBlockShutdown(t *testing.T) {
	f := newFixture(t)
	f.opts.IPs = failingIPs{}
	m := New(f.opts)
	cancel, errc := f.start(t, m)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, 0, f.exitCode(t))
}

func TestStartupFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		code   int
		events []string
	}{
		{
			name: "socket cannot be bound",
			mutate: func(f *fixture) {
				blocker := filepath.Join(filepath.Dir(f.cfg.Socket), "file")
				require.NoError(t, os.WriteFile(blocker, nil, 0o600))
				f.cfg.Socket = filepath.Join(blocker, "d.sock")
			},
			code:   ExitBind,
			events: nil,
		},
		{
			name:   "unknown node address",
			mutate: func(f *fixture) { f.cfg.NodeAddress = "elsewhere" },
			code:   ExitPNN,
			events: []string{hooks.EventInit},
		},
		{
			name:   "init event fails",
			mutate: func(f *fixture) { f.hooks.failOn = hooks.EventInit },
			code:   ExitSetupHook,
			events: []string{hooks.EventInit},
		},
		{
			name:   "setup event fails",
			mutate: func(f *fixture) { f.hooks.failOn = hooks.EventSetup },
			code:   ExitSetupHook,
			events: []string{hooks.EventInit, hooks.EventSetup},
		},
		{
			name:   "transport fails",
			mutate: func(f *fixture) { f.opts.Transport = failingTransport{} },
			code:   ExitTransport,
			events: []string{hooks.EventInit},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			m := New(f.opts)

			err := m.Run(context.Background())
			require.Error(t, err)
			var ee *ExitError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.code, ee.Code)
			assert.Equal(t, tt.code, f.exitCode(t))
			assert.Equal(t, tt.events, f.hooks.Events())

			started, _ := f.recovery.counts()
			assert.Zero(t, started)
			assert.NotEqual(t, state.RunStateRunning, m.State().RunState())
		})
	}
}

func TestPermille(t *testing.T) {
	assert.Equal(t, int64(500), permille(500*time.Millisecond, time.Second))
	assert.Equal(t, int64(2000), permille(2*time.Second, time.Second))
	assert.Equal(t, int64(0), permille(-time.Millisecond, time.Second))
}
