package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/clusterd/internal/state"
)

type statDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(state.Snapshot) float64
}

// StatsCollector exports a daemon's Statistics block.
type StatsCollector struct {
	st    *state.DaemonState
	descs []statDesc
	mode  *prometheus.Desc
}

// NewStatsCollector returns a collector for st.
func NewStatsCollector(st *state.DaemonState) *StatsCollector {
	labels := prometheus.Labels{"incarnation": st.Incarnation.String()}
	counter := func(name, help string, f func(state.Snapshot) int64) statDesc {
		return statDesc{
			desc:  prometheus.NewDesc("clusterd_"+name, help, []string{"pnn"}, labels),
			kind:  prometheus.CounterValue,
			value: func(s state.Snapshot) float64 { return float64(f(s)) },
		}
	}
	gauge := func(name, help string, f func(state.Snapshot) int64) statDesc {
		d := counter(name, help, f)
		d.kind = prometheus.GaugeValue
		return d
	}

	return &StatsCollector{
		st: st,
		descs: []statDesc{
			gauge("clients", "Connected clients.", func(s state.Snapshot) int64 { return s.NumClients }),
			counter("client_packets_recv_total", "Packets received from clients.", func(s state.Snapshot) int64 { return s.ClientPacketsRecv }),
			counter("client_packets_sent_total", "Packets sent to clients.", func(s state.Snapshot) int64 { return s.ClientPacketsSent }),
			counter("node_packets_recv_total", "Packets received from peer nodes.", func(s state.Snapshot) int64 { return s.NodePacketsRecv }),
			counter("node_packets_sent_total", "Packets sent to peer nodes.", func(s state.Snapshot) int64 { return s.NodePacketsSent }),
			counter("keepalives_recv_total", "Keepalives received.", func(s state.Snapshot) int64 { return s.KeepalivesRecv }),
			counter("keepalives_sent_total", "Keepalives sent.", func(s state.Snapshot) int64 { return s.KeepalivesSent }),
			counter("protocol_errors_total", "Malformed or rejected packets.", func(s state.Snapshot) int64 { return s.ProtocolErrors }),
			counter("calls_total", "Record calls accepted from clients.", func(s state.Snapshot) int64 { return s.TotalCalls }),
			gauge("calls_pending", "Record calls in flight.", func(s state.Snapshot) int64 { return s.PendingCalls }),
			counter("calls_dropped_total", "Record calls dropped.", func(s state.Snapshot) int64 { return s.DroppedCalls }),
			counter("calls_deferred_total", "Record calls parked behind an identical fetch.", func(s state.Snapshot) int64 { return s.DeferredCalls }),
			gauge("max_hop_count", "Largest redirect hop count seen.", func(s state.Snapshot) int64 { return s.MaxHopCount }),
			counter("controls_total", "Controls processed.", func(s state.Snapshot) int64 { return s.TotalControls }),
			gauge("controls_pending", "Controls awaiting a reply.", func(s state.Snapshot) int64 { return s.PendingControls }),
			counter("control_timeouts_total", "Controls that timed out.", func(s state.Snapshot) int64 { return s.ControlTimeouts }),
			counter("messages_total", "Service-id messages routed.", func(s state.Snapshot) int64 { return s.TotalMessages }),
			counter("tunnels_total", "Tunnel packets routed.", func(s state.Snapshot) int64 { return s.TotalTunnels }),
			counter("ro_delegations_total", "Read-only delegations granted.", func(s state.Snapshot) int64 { return s.TotalRODelegations }),
			counter("ro_revokes_total", "Read-only revocations started.", func(s state.Snapshot) int64 { return s.TotalRORevokes }),
			gauge("cpu_permille", "Sampled CPU utilization in tenths of a percent.", func(s state.Snapshot) int64 { return s.CPUPermille }),
		},
		mode: prometheus.NewDesc("clusterd_recovery_mode", "1 while recovery is active.", []string{"pnn"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
	ch <- c.mode
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.st.Stats.Snapshot()
	pnn := strconv.FormatUint(uint64(c.st.PNN()), 10)
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(snap), pnn)
	}
	ch <- prometheus.MustNewConstMetric(c.mode, prometheus.GaugeValue, float64(c.st.RecoveryMode()), pnn)
}
