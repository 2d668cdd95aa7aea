// Package state holds the process-wide daemon state: this node's pnn, the
// cluster generation, recovery mode and run state, and the statistics
// block. A single DaemonState is created during Init and passed by pointer
// to every component; nothing in the daemon keeps package-level globals.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// UnknownPNN is the pnn of a daemon that has not yet resolved its own address.
const UnknownPNN uint32 = 0xFFFFFFFF

// RecoveryMode is the cluster recovery mode as seen by this node.
type RecoveryMode int32

const (
	RecoveryNormal RecoveryMode = 0
	RecoveryActive RecoveryMode = 1
)

func (m RecoveryMode) String() string {
	if m == RecoveryActive {
		return "ACTIVE"
	}
	return "NORMAL"
}

// RunState is the lifecycle phase of the daemon.
type RunState int32

const (
	RunStateUnknown RunState = iota
	RunStateInit
	RunStateSetup
	RunStateRunning
	RunStateShutdown
)

func (s RunState) String() string {
	switch s {
	case RunStateInit:
		return "INIT"
	case RunStateSetup:
		return "SETUP"
	case RunStateRunning:
		return "RUNNING"
	case RunStateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// DaemonState is shared by every component of one daemon.
type DaemonState struct {
	// Incarnation identifies this process run in logs and status output.
	Incarnation uuid.UUID
	StartTime   time.Time
	Stats       *Statistics

	pnn          atomic.Uint32
	generation   atomic.Uint32
	recoveryMode atomic.Int32
	runState     atomic.Int32

	mu                 sync.Mutex
	recoveryWatchers   []func(RecoveryMode)
	generationWatchers []func(uint32)
}

// New returns state for a daemon that does not yet know its pnn. Recovery
// mode starts ACTIVE: a fresh daemon assumes it needs recovery until told
// otherwise.
func New() *DaemonState {
	s := &DaemonState{
		Incarnation: uuid.New(),
		StartTime:   time.Now(),
		Stats:       &Statistics{},
	}
	s.pnn.Store(UnknownPNN)
	s.recoveryMode.Store(int32(RecoveryActive))
	return s
}

// PNN returns this node's physical node number.
func (s *DaemonState) PNN() uint32 { return s.pnn.Load() }

// SetPNN records this node's physical node number.
func (s *DaemonState) SetPNN(pnn uint32) { s.pnn.Store(pnn) }

// Generation returns the current cluster generation.
func (s *DaemonState) Generation() uint32 { return s.generation.Load() }

// SetGeneration records a new cluster generation and notifies watchers
// when it differs from the old one.
func (s *DaemonState) SetGeneration(g uint32) {
	if s.generation.Swap(g) == g {
		return
	}
	s.mu.Lock()
	watchers := append([]func(uint32){}, s.generationWatchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(g)
	}
}

// OnGeneration registers fn to be called when the generation changes.
func (s *DaemonState) OnGeneration(fn func(uint32)) {
	s.mu.Lock()
	s.generationWatchers = append(s.generationWatchers, fn)
	s.mu.Unlock()
}

// RecoveryMode returns the current recovery mode.
func (s *DaemonState) RecoveryMode() RecoveryMode {
	return RecoveryMode(s.recoveryMode.Load())
}

// SetRecoveryMode switches recovery mode and notifies watchers on change.
func (s *DaemonState) SetRecoveryMode(m RecoveryMode) {
	old := RecoveryMode(s.recoveryMode.Swap(int32(m)))
	if old == m {
		return
	}
	s.mu.Lock()
	watchers := append([]func(RecoveryMode){}, s.recoveryWatchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(m)
	}
}

// OnRecoveryMode registers fn to be called when recovery mode changes.
func (s *DaemonState) OnRecoveryMode(fn func(RecoveryMode)) {
	s.mu.Lock()
	s.recoveryWatchers = append(s.recoveryWatchers, fn)
	s.mu.Unlock()
}

// RunState returns the current lifecycle phase.
func (s *DaemonState) RunState() RunState { return RunState(s.runState.Load()) }

// SetRunState records a lifecycle transition.
func (s *DaemonState) SetRunState(r RunState) { s.runState.Store(int32(r)) }

// Uptime returns the time since the daemon started.
func (s *DaemonState) Uptime() time.Duration { return time.Since(s.StartTime) }
