package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is the first word of every packet ("CTDB" read little-endian).
	Magic uint32 = 0x43544442

	// Version is the running protocol version. Peers must match exactly.
	Version uint32 = 1

	// HeaderSize is the fixed size of the wire header in bytes.
	HeaderSize = 32

	// MaxPacketSize bounds a single packet; larger lengths are treated as corrupt.
	MaxPacketSize = 64 << 20
)

// Destination sentinels.
const (
	// CurrentNode resolves to the local node on receipt.
	CurrentNode uint32 = 0xF0000001
	// BroadcastAll addresses every node in the node map.
	BroadcastAll uint32 = 0xF0000002
	// BroadcastConnected addresses every node currently connected.
	BroadcastConnected uint32 = 0xF0000004
)

// Operation is the wire operation code carried in every header.
type Operation uint32

const (
	OpReqCall      Operation = 0
	OpReplyCall    Operation = 1
	OpReplyDmaster Operation = 3
	OpReplyError   Operation = 4
	OpReqMessage   Operation = 5
	OpReqControl   Operation = 7
	OpReplyControl Operation = 8
	OpReqKeepalive Operation = 9
	OpReqTunnel    Operation = 10
)

func (o Operation) String() string {
	switch o {
	case OpReqCall:
		return "REQ_CALL"
	case OpReplyCall:
		return "REPLY_CALL"
	case OpReplyDmaster:
		return "REPLY_DMASTER"
	case OpReplyError:
		return "REPLY_ERROR"
	case OpReqMessage:
		return "REQ_MESSAGE"
	case OpReqControl:
		return "REQ_CONTROL"
	case OpReplyControl:
		return "REPLY_CONTROL"
	case OpReqKeepalive:
		return "REQ_KEEPALIVE"
	case OpReqTunnel:
		return "REQ_TUNNEL"
	default:
		return fmt.Sprintf("OP(%d)", uint32(o))
	}
}

// Header parse errors. A packet failing any of these checks must be
// discarded without operation-specific processing.
var (
	ErrTooShort         = errors.New("protocol: packet shorter than header")
	ErrBadMagic         = errors.New("protocol: bad magic")
	ErrBadVersion       = errors.New("protocol: bad version")
	ErrBadLength        = errors.New("protocol: length field does not match packet")
	ErrUnknownOperation = errors.New("protocol: unknown operation")
	ErrTruncated        = errors.New("protocol: truncated body")
)

var le = binary.LittleEndian

// Header is the fixed prefix on every packet.
type Header struct {
	Magic      uint32
	Version    uint32
	Length     uint32
	Operation  Operation
	ReqID      uint32
	SrcNode    uint32
	DestNode   uint32
	Generation uint32
}

// ParseHeader decodes and validates the header at the start of buf.
// Length is checked against the buffer only when the full packet is
// present; use PeekHeader for stream reads.
func ParseHeader(buf []byte) (Header, error) {
	h, err := PeekHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if int(h.Length) != len(buf) {
		return Header{}, fmt.Errorf("%w: header says %d, got %d", ErrBadLength, h.Length, len(buf))
	}
	return h, nil
}

// PeekHeader decodes and validates magic, version and length bounds
// without requiring the body to be present.
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTooShort
	}
	h := Header{
		Magic:      le.Uint32(buf[0:]),
		Version:    le.Uint32(buf[4:]),
		Length:     le.Uint32(buf[8:]),
		Operation:  Operation(le.Uint32(buf[12:])),
		ReqID:      le.Uint32(buf[16:]),
		SrcNode:    le.Uint32(buf[20:]),
		DestNode:   le.Uint32(buf[24:]),
		Generation: le.Uint32(buf[28:]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Length < HeaderSize || h.Length > MaxPacketSize {
		return Header{}, fmt.Errorf("%w: %d", ErrBadLength, h.Length)
	}
	return h, nil
}

// Put writes h into the first HeaderSize bytes of buf.
func (h Header) Put(buf []byte) {
	le.PutUint32(buf[0:], h.Magic)
	le.PutUint32(buf[4:], h.Version)
	le.PutUint32(buf[8:], h.Length)
	le.PutUint32(buf[12:], uint32(h.Operation))
	le.PutUint32(buf[16:], h.ReqID)
	le.PutUint32(buf[20:], h.SrcNode)
	le.PutUint32(buf[24:], h.DestNode)
	le.PutUint32(buf[28:], h.Generation)
}

// NodeState is the slice of daemon state the builder needs.
type NodeState interface {
	PNN() uint32
	Generation() uint32
}

// Builder fills source node and generation from current node state.
type Builder struct {
	State NodeState
}

// Build returns a header for a packet of the given operation and total length.
func (b Builder) Build(op Operation, length int, dest, reqid uint32) Header {
	return Header{
		Magic:      Magic,
		Version:    Version,
		Length:     uint32(length),
		Operation:  op,
		ReqID:      reqid,
		SrcNode:    b.State.PNN(),
		DestNode:   dest,
		Generation: b.State.Generation(),
	}
}
