package dispatch

import (
	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
)

// clientTunnel forwards tunnel data from the client that owns the tunnel.
func (d *Dispatcher) clientTunnel(c *client.Client, h protocol.Header, t *protocol.Tunnel) {
	owner, ok := d.tunnels.Lookup(t.TunnelID)
	if !ok || owner != c.ID {
		d.log.Warn("dropping tunnel packet from client not owning the tunnel",
			logger.ClientID(c.ID), logger.TunnelID(t.TunnelID))
		return
	}

	dest := d.resolve(h.DestNode)
	switch {
	case dest == protocol.BroadcastAll || dest == protocol.BroadcastConnected:
		for _, pnn := range d.broadcastTargets(dest) {
			d.routeTunnel(pnn, t)
		}
	default:
		d.routeTunnel(dest, t)
	}
}

func (d *Dispatcher) routeTunnel(pnn uint32, t *protocol.Tunnel) {
	if pnn == d.self() {
		d.loop.Post(func() { d.deliverTunnel(t) })
		return
	}
	if err := d.sendNode(pnn, 0, t); err != nil {
		d.log.Debug("tunnel packet not sent", logger.PNN(pnn), logger.Err(err))
	}
}

// deliverTunnel hands tunnel data to the local client owning the tunnel.
func (d *Dispatcher) deliverTunnel(t *protocol.Tunnel) {
	owner, ok := d.tunnels.Lookup(t.TunnelID)
	if !ok {
		d.log.Warn("dropping packet for unregistered tunnel", logger.TunnelID(t.TunnelID))
		return
	}
	d.st.Stats.TotalTunnels.Add(1)
	d.sendClient(owner, 0, t)
}
