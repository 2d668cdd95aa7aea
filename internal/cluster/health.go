package cluster

import (
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
)

// Health status values.
const (
	StatusUnknown      = "unknown"
	StatusHealthy      = "healthy"
	StatusDisconnected = "disconnected"
)

// NodeHealth is the keepalive view of one peer.
type NodeHealth struct {
	LastHeard      time.Time // Last time any packet arrived from the node
	PNN            uint32
	Status         string
	MissedInterval int // Consecutive intervals with nothing heard
}

// Monitor tracks peer liveness with keepalives. All methods must be called
// on the event loop.
type Monitor struct {
	self     uint32
	nodes    *NodeMap
	loop     *eventloop.Loop
	log      *zap.Logger
	interval time.Duration
	limit    int

	health map[uint32]*NodeHealth
	heard  map[uint32]bool
	timer  *eventloop.Timer

	sendFunc     func(dest uint32) error
	onDisconnect func(pnn uint32)
	onConnect    func(pnn uint32)
}

// NewMonitor creates a monitor that sends keepalives every interval and
// disconnects a node after limit silent intervals.
func NewMonitor(self uint32, nodes *NodeMap, loop *eventloop.Loop, interval time.Duration, limit int) *Monitor {
	return &Monitor{
		self:     self,
		nodes:    nodes,
		loop:     loop,
		log:      logger.Named("health").With(logger.PNN(self)),
		interval: interval,
		limit:    limit,
		health:   make(map[uint32]*NodeHealth),
		heard:    make(map[uint32]bool),
	}
}

// SetSendFunction sets the function that sends a keepalive to dest.
func (m *Monitor) SetSendFunction(fn func(dest uint32) error) { m.sendFunc = fn }

// SetOnDisconnect sets the callback run when a node is marked disconnected.
func (m *Monitor) SetOnDisconnect(fn func(pnn uint32)) { m.onDisconnect = fn }

// SetOnConnect sets the callback run when a disconnected node is heard from.
func (m *Monitor) SetOnConnect(fn func(pnn uint32)) { m.onConnect = fn }

// Start schedules the first keepalive round.
func (m *Monitor) Start() {
	m.log.Info("health monitor started",
		zap.Duration("interval", m.interval), zap.Int("limit", m.limit))
	m.schedule()
}

// Stop cancels the pending round.
func (m *Monitor) Stop() {
	m.timer.Stop()
	m.timer = nil
	m.log.Info("health monitor stopped")
}

func (m *Monitor) schedule() {
	m.timer = m.loop.AfterFunc(m.interval, func() {
		m.Tick()
		if m.timer != nil {
			m.schedule()
		}
	})
}

// Heard records that a packet arrived from pnn.
func (m *Monitor) Heard(pnn uint32) {
	if pnn == m.self {
		return
	}
	m.heard[pnn] = true
	h := m.entry(pnn)
	h.LastHeard = m.loop.Clock().Now()
	h.MissedInterval = 0

	if h.Status == StatusHealthy {
		return
	}
	old, _, err := m.nodes.Modify(pnn, 0, FlagDisconnected)
	if err != nil {
		return
	}
	h.Status = StatusHealthy
	if old.Has(FlagDisconnected) {
		m.log.Info("node connected", logger.DestNode(pnn))
		if m.onConnect != nil {
			m.onConnect(pnn)
		}
	}
}

// Tick runs one keepalive round: count silence, disconnect silent nodes,
// send keepalives.
func (m *Monitor) Tick() {
	for _, n := range m.nodes.All() {
		if n.PNN == m.self {
			continue
		}
		h := m.entry(n.PNN)

		if m.heard[n.PNN] {
			m.heard[n.PNN] = false
		} else if !n.Flags.Has(FlagDisconnected) {
			h.MissedInterval++
			if h.MissedInterval >= m.limit {
				m.disconnect(n.PNN, h)
			}
		}

		if m.sendFunc != nil {
			if err := m.sendFunc(n.PNN); err != nil {
				m.log.Debug("keepalive send failed", logger.DestNode(n.PNN), logger.Err(err))
			}
		}
	}
}

// Disconnect marks pnn disconnected immediately, for example when the
// transport reports the stream gone.
func (m *Monitor) Disconnect(pnn uint32) {
	if pnn == m.self {
		return
	}
	m.disconnect(pnn, m.entry(pnn))
}

func (m *Monitor) disconnect(pnn uint32, h *NodeHealth) {
	old, _, err := m.nodes.Modify(pnn, FlagDisconnected, 0)
	if err != nil || old.Has(FlagDisconnected) {
		return
	}
	h.Status = StatusDisconnected
	m.log.Warn("node disconnected",
		logger.DestNode(pnn), zap.Int("missed", h.MissedInterval))
	if m.onDisconnect != nil {
		m.onDisconnect(pnn)
	}
}

func (m *Monitor) entry(pnn uint32) *NodeHealth {
	h, ok := m.health[pnn]
	if !ok {
		h = &NodeHealth{PNN: pnn, Status: StatusUnknown}
		m.health[pnn] = h
	}
	return h
}

// GetNodeHealth returns a copy of the health of pnn, or nil if unknown.
func (m *Monitor) GetNodeHealth(pnn uint32) *NodeHealth {
	h, ok := m.health[pnn]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// IsHealthy reports whether pnn has been heard from and is connected.
func (m *Monitor) IsHealthy(pnn uint32) bool {
	h, ok := m.health[pnn]
	return ok && h.Status == StatusHealthy
}
