package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/clusterd/internal/logger"
)

const (
	heartbeatInterval = time.Second
	// hangThreshold is how long the loop may go without finishing a batch
	// while heartbeats are queued before it is reported as hung.
	hangThreshold = 5 * time.Second
	cpuInterval   = time.Second
)

// startTasks starts the keepalive monitor on the loop and the periodic
// background tasks.
func (m *Manager) startTasks() {
	m.onLoop(m.monitor.Start)

	ctx, cancel := context.WithCancel(m.ctx)
	m.bgCancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	m.bg = g

	if iv := m.cfg.Tunables.TickleUpdateInterval; iv > 0 {
		g.Go(func() error {
			return m.every(ctx, iv, func() {
				if err := m.ips.SendTickles(ctx); err != nil {
					m.log.Warn("tickle update failed", logger.Err(err))
				}
			})
		})
	}
	g.Go(func() error { return m.every(ctx, heartbeatInterval, m.heartbeat) })

	sampler := newCPUSampler(m.clk.Now())
	g.Go(func() error {
		return m.every(ctx, cpuInterval, func() {
			if p, ok := sampler.sample(m.clk.Now()); ok {
				m.st.Stats.CPUPermille.Store(p)
			}
		})
	})
}

func (m *Manager) stopTasks() {
	if m.bgCancel == nil {
		return
	}
	m.bgCancel()
	if err := m.bg.Wait(); err != nil && err != context.Canceled {
		m.log.Warn("background task failed", logger.Err(err))
	}
	m.onLoop(m.monitor.Stop)
}

// every runs fn at each tick of iv until ctx is done.
func (m *Manager) every(ctx context.Context, iv time.Duration, fn func()) error {
	t := m.clk.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			fn()
		}
	}
}

// heartbeat queues an empty closure so an idle loop still finishes a
// batch every interval, and reports a loop that has not finished one
// for longer than hangThreshold.
func (m *Manager) heartbeat() {
	last := m.loop.LastBeat()
	if !last.IsZero() {
		if since := m.clk.Since(last); since > hangThreshold {
			m.log.Error("event loop is not making progress",
				zap.Duration("since_last_beat", since),
				zap.Int("pending", m.loop.Pending()))
		}
	}
	m.loop.Post(func() {})
}
