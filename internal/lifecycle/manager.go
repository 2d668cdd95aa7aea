package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/config"
	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/dispatch"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/hooks"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/routing"
	"github.com/dreamware/clusterd/internal/server"
	"github.com/dreamware/clusterd/internal/state"
)

// Clock is the time source of a Manager: timers for the event loop and
// tickers for the periodic tasks.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Options configure a Manager.
type Options struct {
	Config *config.Config

	// Transport carries node packets. Nil builds a TCP transport over
	// Config.Nodes.
	Transport cluster.Transport
	// Hooks runs lifecycle events. Nil runs scripts from
	// Config.EventScriptDir.
	Hooks hooks.Runner
	// Recovery is started on reaching Running. Nil brings databases
	// online from the static configuration.
	Recovery RecoveryDaemon
	// IPs defaults to NopIPs.
	IPs IPManager
	// Clock defaults to the real clock.
	Clock Clock
	// State defaults to a fresh daemon state.
	State *state.DaemonState
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
	// Setup, when set, runs on the event loop with the dispatcher before
	// the setup hook, for registering application call functions.
	Setup func(d *dispatch.Dispatcher)
}

// Manager owns every component of one daemon.
type Manager struct {
	cfg      *config.Config
	st       *state.DaemonState
	clk      Clock
	hooks    hooks.Runner
	recovery RecoveryDaemon
	ips      IPManager
	exit     func(code int)
	setupFn  func(d *dispatch.Dispatcher)
	log      *zap.Logger

	loop      *eventloop.Loop
	srv       *server.Server
	transport cluster.Transport
	nodes     *cluster.NodeMap
	vnn       *cluster.VNNMap
	dbs       *database.Registry
	clients   *client.Registry
	d         *dispatch.Dispatcher
	monitor   *cluster.Monitor
	started   bool

	ctx        context.Context
	cancel     context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	bgCancel   context.CancelFunc
	bg         *errgroup.Group

	stopping atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// New creates a manager. Nothing runs until Run.
func New(o Options) *Manager {
	m := &Manager{
		cfg:       o.Config,
		st:        o.State,
		clk:       o.Clock,
		hooks:     o.Hooks,
		recovery:  o.Recovery,
		ips:       o.IPs,
		exit:      o.Exit,
		setupFn:   o.Setup,
		transport: o.Transport,
		log:       logger.Named("lifecycle"),
		done:      make(chan struct{}),
	}
	if m.st == nil {
		m.st = state.New()
	}
	if m.clk == nil {
		m.clk = clock.RealClock{}
	}
	if m.hooks == nil {
		m.hooks = hooks.NewScripts(m.cfg.EventScriptDir)
	}
	if m.recovery == nil {
		m.recovery = staticRecovery{m: m}
	}
	if m.ips == nil {
		m.ips = NopIPs{}
	}
	if m.exit == nil {
		m.exit = os.Exit
	}
	return m
}

// State returns the daemon state.
func (m *Manager) State() *state.DaemonState { return m.st }

// Dispatcher returns the dispatcher once Setup has built it.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.d }

// Loop returns the event loop once Init has created it.
func (m *Manager) Loop() *eventloop.Loop { return m.loop }

// Done is closed when shutdown has finished.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Run starts the daemon and blocks until it has shut down. Canceling ctx
// shuts down with exit code 0. A fatal startup failure is returned as an
// *ExitError after the exit function ran.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.init(); err != nil {
		return err
	}
	if err := m.setup(); err != nil {
		return err
	}
	m.running()

	select {
	case <-ctx.Done():
		m.Shutdown(0)
	case <-m.done:
	}
	<-m.done
	return nil
}

func (m *Manager) init() error {
	m.st.SetRunState(state.RunStateInit)
	m.st.SetRecoveryMode(state.RecoveryActive)
	m.log.Info("starting",
		zap.String("incarnation", m.st.Incarnation.String()),
		zap.String("socket", m.cfg.Socket))

	srv, err := server.Listen(m.cfg.Socket)
	if err != nil {
		return m.fail(ExitBind, err)
	}
	m.srv = srv

	m.loop = eventloop.New(m.clk)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	m.loopCancel = loopCancel
	m.loopDone = make(chan struct{})
	go m.runLoop(loopCtx)

	if err := m.hooks.Run(m.ctx, hooks.EventInit); err != nil {
		return m.fail(ExitSetupHook, fmt.Errorf("init event: %w", err))
	}
	return nil
}

func (m *Manager) runLoop(ctx context.Context) {
	defer close(m.loopDone)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.exit(ExitEventLoop)
		}
	}()
	err := m.loop.Run(ctx)
	if !m.stopping.Load() {
		m.log.Error("event loop returned unexpectedly", logger.Err(err))
		m.exit(ExitUnexpected)
	}
}

func (m *Manager) setup() error {
	m.st.SetRunState(state.RunStateSetup)
	cfg := m.cfg
	t := cfg.Tunables

	pnn, err := m.resolvePNN()
	if err != nil {
		return m.fail(ExitPNN, err)
	}
	m.st.SetPNN(pnn)
	m.log = m.log.With(logger.PNN(pnn))

	if m.transport == nil {
		m.transport = cluster.NewTCPTransport(pnn, cfg.Nodes)
	}

	m.nodes = cluster.NewNodeMap(cfg.Nodes, pnn)
	var flags cluster.NodeFlags
	if cfg.StartDisabled {
		flags |= cluster.FlagPermanentlyDisabled
	}
	if cfg.StartStopped {
		flags |= cluster.FlagStopped
	}
	if flags != 0 {
		_, _, _ = m.nodes.Modify(pnn, flags, 0)
	}

	all := make([]uint32, len(cfg.Nodes))
	for i := range all {
		all[i] = uint32(i)
	}
	m.vnn, err = cluster.NewVNNMap(m.st.Generation(), all)
	if err != nil {
		return m.fail(ExitPNN, err)
	}

	m.dbs = database.NewRegistry(m.vnn.Lmaster)
	for _, dbc := range cfg.Databases {
		var f database.Flags
		if dbc.Persistent {
			f |= database.FlagPersistent
		}
		if dbc.Replicated {
			f |= database.FlagReplicated
		}
		if _, err := m.dbs.Attach(dbc.Name, f); err != nil {
			return m.fail(ExitFreeze, fmt.Errorf("attach %s: %w", dbc.Name, err))
		}
	}
	m.dbs.FreezeAll()
	if !m.dbs.Frozen() {
		return m.fail(ExitFreeze, errors.New("databases did not freeze"))
	}

	srvids := routing.NewSrvIDTable()
	tunnels := routing.NewTunnelTable()
	m.clients = client.NewRegistry(m.loop, m.st, srvids, tunnels, t.MaxClients)
	m.d = dispatch.New(dispatch.Options{
		Config: dispatch.Config{
			FetchCollapse:        t.FetchCollapse,
			DeferredFetchTimeout: t.DeferredFetchTimeout,
			ControlTimeout:       t.ControlTimeout,
			ROGrace:              t.ROGrace,
			MaxHopCount:          t.MaxHopCount,
		},
		State:      m.st,
		Loop:       m.loop,
		Transport:  m.transport,
		Nodes:      m.nodes,
		VNN:        m.vnn,
		DBs:        m.dbs,
		Clients:    m.clients,
		SrvIDs:     srvids,
		Tunnels:    tunnels,
		Fatal:      m.fatal,
		OnShutdown: func() { go m.Shutdown(0) },
	})
	m.monitor = cluster.NewMonitor(pnn, m.nodes, m.loop, t.KeepaliveInterval, t.KeepaliveLimit)
	m.d.SetMonitor(m.monitor)
	if m.setupFn != nil {
		m.onLoop(func() { m.setupFn(m.d) })
	}

	if err := m.transport.Start(m.ctx, m.d); err != nil {
		return m.fail(ExitTransport, err)
	}
	m.started = true

	go func() {
		if err := m.srv.Serve(m.ctx, m.loop, m.clients); err != nil {
			m.log.Error("client listener stopped", logger.Err(err))
		}
	}()

	if err := m.hooks.Run(m.ctx, hooks.EventSetup); err != nil {
		return m.fail(ExitSetupHook, fmt.Errorf("setup event: %w", err))
	}
	return nil
}

// resolvePNN finds this node in the node list: the configured address, or
// else the first address that can be bound locally.
func (m *Manager) resolvePNN() (uint32, error) {
	if m.cfg.NodeAddress != "" {
		return cluster.PNNForAddress(m.cfg.Nodes, m.cfg.NodeAddress)
	}
	for i, addr := range m.cfg.Nodes {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		ln.Close()
		return uint32(i), nil
	}
	return 0, errors.New("no configured node address is local")
}

func (m *Manager) running() {
	m.recovery.Start()
	m.startTasks()
	m.st.SetRunState(state.RunStateRunning)
	m.log.Info("running", zap.Int("nodes", m.nodes.Len()), logger.Count(len(m.dbs.All())))

	if err := m.hooks.Run(m.ctx, hooks.EventStartup); err != nil {
		m.log.Warn("startup event failed", logger.Err(err))
	}
}

// Shutdown stops the daemon and calls the exit function with code. Only
// the first call does anything. It must not be called on the event loop.
func (m *Manager) Shutdown(code int) {
	if !m.stopping.CompareAndSwap(false, true) {
		m.log.Info("shutdown already in progress", zap.Int("code", code))
		return
	}
	m.once.Do(func() {
		defer close(m.done)
		m.shutdown(code)
	})
}

func (m *Manager) shutdown(code int) {
	m.log.Info("shutting down", zap.Int("code", code))
	m.st.SetRunState(state.RunStateShutdown)
	t := m.cfg.Tunables

	if t.ShutdownTakeoverTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), t.ShutdownTakeoverTimeout)
		if err := m.ips.TakeoverRun(ctx); err != nil {
			m.log.Warn("takeover run failed", logger.Err(err))
		}
		cancel()
	}
	if t.ShutdownExtraTimeout > 0 {
		m.clk.Sleep(t.ShutdownExtraTimeout)
	}

	m.recovery.Stop()
	m.stopTasks()

	if err := m.hooks.Run(context.Background(), hooks.EventShutdown); err != nil {
		m.log.Warn("shutdown event failed", logger.Err(err))
	}

	m.cancel()
	if m.srv != nil {
		_ = m.srv.Close()
	}
	m.stopLoop()
	if m.started {
		if err := m.transport.Shutdown(); err != nil {
			m.log.Warn("transport shutdown failed", logger.Err(err))
		}
	}
	_ = logger.Sync()
	m.exit(code)
}

// fail tears down whatever Init and Setup built and exits with code.
func (m *Manager) fail(code int, err error) error {
	m.stopping.Store(true)
	m.log.Error("startup failed", zap.Int("exit_code", code), logger.Err(err))
	if m.cancel != nil {
		m.cancel()
	}
	if m.srv != nil {
		_ = m.srv.Close()
	}
	m.stopLoop()
	if m.started {
		_ = m.transport.Shutdown()
	}
	m.exit(code)
	m.once.Do(func() { close(m.done) })
	return &ExitError{Code: code, Err: err}
}

func (m *Manager) stopLoop() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
}

// fatal handles consistency-fatal conditions raised on the loop.
func (m *Manager) fatal(format string, args ...any) {
	m.log.Error("fatal", zap.String("reason", fmt.Sprintf(format, args...)))
	_ = logger.Sync()
	m.exit(ExitConsistency)
}

// onLoop runs fn on the event loop and waits for it.
func (m *Manager) onLoop(fn func()) {
	done := make(chan struct{})
	m.loop.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}
