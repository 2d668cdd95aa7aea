// Package metrics exposes daemon statistics to Prometheus.
//
// Latency histograms are package-level and observed directly from the
// dispatch paths. Counters that already live in state.Statistics are
// exported through a collector that reads them at scrape time, so several
// daemons in one test process never share counter values.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clusterd",
		Name:      "call_latency_seconds",
		Help:      "Time from client REQ_CALL to reply.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"path"})

	ControlLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clusterd",
		Name:      "control_latency_seconds",
		Help:      "Time from control send to reply.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	RevokeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clusterd",
		Name:      "ro_revoke_duration_seconds",
		Help:      "Duration of read-only delegation revocations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	RecoveryModeChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterd",
		Name:      "recovery_mode_changes_total",
		Help:      "Number of recovery mode transitions.",
	})
)

// Call paths used as the CallLatency label.
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// Register registers the package metrics on reg (or the default registerer
// when nil). Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{CallLatency, ControlLatency, RevokeDuration, RecoveryModeChanges} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ObserveCall records the latency of a finished call.
func ObserveCall(path string, start time.Time) {
	CallLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

// ObserveControl records the latency of a finished control.
func ObserveControl(start time.Time) {
	ControlLatency.Observe(time.Since(start).Seconds())
}

// ObserveRevoke records the duration of a completed revocation.
func ObserveRevoke(d time.Duration) {
	RevokeDuration.Observe(d.Seconds())
}
