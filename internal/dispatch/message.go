package dispatch

import (
	"github.com/dreamware/clusterd/internal/client"
	"github.com/dreamware/clusterd/internal/logger"
	"github.com/dreamware/clusterd/internal/protocol"
)

func (d *Dispatcher) clientMessage(c *client.Client, h protocol.Header, msg *protocol.Message) {
	if err := d.SendMessage(h.DestNode, msg.SrvID, msg.Data); err != nil {
		d.log.Warn("failed to route client message",
			logger.ClientID(c.ID), logger.DestNode(h.DestNode), logger.SrvID(msg.SrvID), logger.Err(err))
	}
}

// SendMessage routes a message to the handlers registered for srvid on
// dest. Local delivery, including the local leg of a broadcast, happens
// in a later loop event, never inline.
func (d *Dispatcher) SendMessage(dest uint32, srvid uint64, data []byte) error {
	msg := &protocol.Message{SrvID: srvid, Data: data}
	dest = d.resolve(dest)

	switch {
	case dest == protocol.BroadcastAll || dest == protocol.BroadcastConnected:
		for _, pnn := range d.broadcastTargets(dest) {
			if pnn == d.self() {
				d.loop.Post(func() { d.deliverMessage(msg) })
				continue
			}
			if err := d.sendNode(pnn, 0, msg); err != nil {
				d.log.Debug("broadcast message not sent", logger.PNN(pnn), logger.Err(err))
			}
		}
		return nil
	case dest == d.self():
		d.loop.Post(func() { d.deliverMessage(msg) })
		return nil
	default:
		return d.sendNode(dest, 0, msg)
	}
}

func (d *Dispatcher) deliverMessage(msg *protocol.Message) {
	d.st.Stats.TotalMessages.Add(1)
	if n := d.srvids.Dispatch(msg.SrvID, msg.Data); n == 0 {
		d.log.Debug("no handler for message", logger.SrvID(msg.SrvID))
	}
}
