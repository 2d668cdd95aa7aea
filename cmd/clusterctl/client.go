package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dreamware/clusterd/internal/protocol"
)

// ctl talks to a local daemon over its client socket.
type ctl struct {
	Socket    string
	OutFormat string // "json" | "text"
	Timeout   time.Duration
	Dest      uint32

	out   io.Writer
	conn  net.Conn
	reqid uint32
}

func (c *ctl) dial() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.Socket, c.Timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.Socket, err)
	}
	c.conn = conn
	return nil
}

func (c *ctl) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// roundTrip sends body to dest and waits for the packet answering it.
// Unrelated packets such as messages are skipped.
func (c *ctl) roundTrip(dest uint32, body protocol.Packet) (protocol.Packet, error) {
	if err := c.dial(); err != nil {
		return nil, err
	}
	c.reqid++
	h := protocol.Header{
		Magic:    protocol.Magic,
		Version:  protocol.Version,
		ReqID:    c.reqid,
		DestNode: dest,
	}
	if c.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return nil, err
		}
	}
	if err := protocol.WritePacket(c.conn, protocol.Encode(h, body)); err != nil {
		return nil, err
	}
	for {
		pkt, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("daemon closed the connection")
			}
			return nil, err
		}
		rh, rep, err := protocol.Decode(pkt)
		if err != nil {
			return nil, err
		}
		if rh.ReqID == c.reqid {
			return rep, nil
		}
	}
}

// control runs opcode on the target node. A negative status or an error
// message fails the control.
func (c *ctl) control(opcode uint32, data []byte) (*protocol.ControlReply, error) {
	rep, err := c.roundTrip(c.Dest, &protocol.ControlRequest{
		Opcode:  opcode,
		Timeout: uint32(c.Timeout / time.Second),
		Data:    data,
	})
	if err != nil {
		return nil, err
	}
	cr, ok := rep.(*protocol.ControlReply)
	if !ok {
		return nil, fmt.Errorf("unexpected %s reply", rep.Op())
	}
	if cr.Status < 0 || cr.ErrMsg != "" {
		return cr, fmt.Errorf("control %d failed: status=%d %s", opcode, cr.Status, cr.ErrMsg)
	}
	return cr, nil
}

// call runs a call function against key in db and returns the reply data.
func (c *ctl) call(dbid, callID uint32, key []byte) ([]byte, error) {
	rep, err := c.roundTrip(protocol.CurrentNode, &protocol.CallRequest{
		DBID:   dbid,
		CallID: callID,
		Key:    key,
	})
	if err != nil {
		return nil, err
	}
	switch r := rep.(type) {
	case *protocol.CallReply:
		if r.Status != protocol.StatusOK {
			return nil, fmt.Errorf("call failed: status=%d", r.Status)
		}
		return r.Data, nil
	case *protocol.ErrorReply:
		return nil, fmt.Errorf("call failed: status=%d %s", r.Status, r.Msg)
	default:
		return nil, fmt.Errorf("unexpected %s reply", rep.Op())
	}
}

// print writes v as indented JSON, or text when the output is text.
func (c *ctl) print(v any, text string) {
	if c.OutFormat == "json" {
		p, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(c.out, string(p))
		return
	}
	fmt.Fprintln(c.out, text)
}
