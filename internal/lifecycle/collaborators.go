package lifecycle

import (
	"context"

	"github.com/dreamware/clusterd/internal/cluster"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/state"
)

// RecoveryDaemon rebuilds the cluster databases after membership changes.
// Start is called once the daemon reaches Running and Stop during
// shutdown.
type RecoveryDaemon interface {
	Start()
	Stop()
}

// IPManager moves public addresses between nodes.
type IPManager interface {
	// TakeoverRun asks the cluster to move public addresses off nodes
	// that are leaving.
	TakeoverRun(ctx context.Context) error
	// SendTickles refreshes the tickle list for addresses this node hosts.
	SendTickles(ctx context.Context) error
}

// NopIPs hosts no public addresses.
type NopIPs struct{}

func (NopIPs) TakeoverRun(context.Context) error { return nil }
func (NopIPs) SendTickles(context.Context) error { return nil }

// StaticGeneration is the generation set by staticRecovery. It only has
// to differ from the initial generation of a fresh daemon.
const StaticGeneration uint32 = 2

// staticRecovery brings the databases online without a recovery run. The
// vnn map covers every configured node that is neither banned nor
// stopped, so all members computing it from the same configuration agree
// on the lmaster of every key.
type staticRecovery struct {
	m *Manager
}

func (r staticRecovery) Start() {
	m := r.m
	m.loop.Post(func() {
		var pnns []uint32
		for _, n := range m.nodes.All() {
			if !n.Flags.Has(cluster.FlagBanned | cluster.FlagStopped) {
				pnns = append(pnns, n.PNN)
			}
		}
		if err := m.vnn.Set(StaticGeneration, pnns); err != nil {
			m.log.Error("static recovery failed", logger.Err(err))
			return
		}
		m.st.SetGeneration(StaticGeneration)
		m.dbs.ThawAll()
		m.st.SetRecoveryMode(state.RecoveryNormal)
		m.log.Info("databases online", logger.Count(len(pnns)))
	})
}

func (staticRecovery) Stop() {}
