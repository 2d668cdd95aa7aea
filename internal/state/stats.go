package state

import "sync/atomic"

// Statistics are the daemon counters. Every field is updated atomically
// so the metrics collector can read them off the loop goroutine.
type Statistics struct {
	NumClients atomic.Int64

	ClientPacketsRecv atomic.Int64
	ClientPacketsSent atomic.Int64
	NodePacketsRecv   atomic.Int64
	NodePacketsSent   atomic.Int64
	KeepalivesRecv    atomic.Int64
	KeepalivesSent    atomic.Int64
	ProtocolErrors    atomic.Int64

	TotalCalls    atomic.Int64
	PendingCalls  atomic.Int64
	DroppedCalls  atomic.Int64
	DeferredCalls atomic.Int64
	MaxHopCount   atomic.Int64

	TotalControls   atomic.Int64
	PendingControls atomic.Int64
	ControlTimeouts atomic.Int64

	TotalMessages atomic.Int64
	TotalTunnels  atomic.Int64

	TotalRODelegations atomic.Int64
	TotalRORevokes     atomic.Int64

	// CPUPermille is the last sampled CPU utilization in tenths of a percent.
	CPUPermille atomic.Int64
}

// Snapshot is a point-in-time copy of Statistics.
type Snapshot struct {
	NumClients         int64 `json:"num_clients"`
	ClientPacketsRecv  int64 `json:"client_packets_recv"`
	ClientPacketsSent  int64 `json:"client_packets_sent"`
	NodePacketsRecv    int64 `json:"node_packets_recv"`
	NodePacketsSent    int64 `json:"node_packets_sent"`
	KeepalivesRecv     int64 `json:"keepalives_recv"`
	KeepalivesSent     int64 `json:"keepalives_sent"`
	ProtocolErrors     int64 `json:"protocol_errors"`
	TotalCalls         int64 `json:"total_calls"`
	PendingCalls       int64 `json:"pending_calls"`
	DroppedCalls       int64 `json:"dropped_calls"`
	DeferredCalls      int64 `json:"deferred_calls"`
	MaxHopCount        int64 `json:"max_hop_count"`
	TotalControls      int64 `json:"total_controls"`
	PendingControls    int64 `json:"pending_controls"`
	ControlTimeouts    int64 `json:"control_timeouts"`
	TotalMessages      int64 `json:"total_messages"`
	TotalTunnels       int64 `json:"total_tunnels"`
	TotalRODelegations int64 `json:"total_ro_delegations"`
	TotalRORevokes     int64 `json:"total_ro_revokes"`
	CPUPermille        int64 `json:"cpu_permille"`
}

// Snapshot copies the current counter values.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		NumClients:         s.NumClients.Load(),
		ClientPacketsRecv:  s.ClientPacketsRecv.Load(),
		ClientPacketsSent:  s.ClientPacketsSent.Load(),
		NodePacketsRecv:    s.NodePacketsRecv.Load(),
		NodePacketsSent:    s.NodePacketsSent.Load(),
		KeepalivesRecv:     s.KeepalivesRecv.Load(),
		KeepalivesSent:     s.KeepalivesSent.Load(),
		ProtocolErrors:     s.ProtocolErrors.Load(),
		TotalCalls:         s.TotalCalls.Load(),
		PendingCalls:       s.PendingCalls.Load(),
		DroppedCalls:       s.DroppedCalls.Load(),
		DeferredCalls:      s.DeferredCalls.Load(),
		MaxHopCount:        s.MaxHopCount.Load(),
		TotalControls:      s.TotalControls.Load(),
		PendingControls:    s.PendingControls.Load(),
		ControlTimeouts:    s.ControlTimeouts.Load(),
		TotalMessages:      s.TotalMessages.Load(),
		TotalTunnels:       s.TotalTunnels.Load(),
		TotalRODelegations: s.TotalRODelegations.Load(),
		TotalRORevokes:     s.TotalRORevokes.Load(),
		CPUPermille:        s.CPUPermille.Load(),
	}
}

// RaiseMaxHopCount records hops if it exceeds the current maximum.
func (s *Statistics) RaiseMaxHopCount(hops int64) {
	for {
		cur := s.MaxHopCount.Load()
		if hops <= cur || s.MaxHopCount.CompareAndSwap(cur, hops) {
			return
		}
	}
}
