package protocol

import (
	"fmt"
)

// Call flags carried in CallRequest.Flags.
const (
	CallFlagImmediateMigration uint32 = 0x00000001
	CallFlagWantReadonly       uint32 = 0x00000004
)

// Built-in call function ids.
const (
	CallNull            uint32 = 0xFF000001
	CallFetch           uint32 = 0xFF000002
	CallFetchWithHeader uint32 = 0xFF000003
)

// Control flags carried in ControlRequest.Flags.
const (
	ControlFlagNoReply uint32 = 0x00000001
)

// Packet is a decoded packet body. The concrete types below form a closed
// set; Decode returns exactly one of them for each known operation.
type Packet interface {
	Op() Operation
	size() int
	put(buf []byte)
}

// CallRequest asks for a call function to run against a record.
type CallRequest struct {
	Flags    uint32
	DBID     uint32
	CallID   uint32
	HopCount uint32
	Key      []byte
	CallData []byte
}

// CallReply carries the result of a call.
type CallReply struct {
	Status int32
	Data   []byte
}

// DmasterReply hands a record, and ownership of it, to the requesting node.
type DmasterReply struct {
	DBID   uint32
	Record RecordHeader
	Key    []byte
	Data   []byte
}

// ErrorReply reports a failed call.
type ErrorReply struct {
	Status int32
	Msg    string
}

// Message is a point-to-point message routed by SrvID.
type Message struct {
	SrvID uint64
	Data  []byte
}

// ControlRequest is an administrative request.
type ControlRequest struct {
	Opcode   uint32
	SrvID    uint64
	ClientID uint32
	Flags    uint32
	Timeout  uint32 // seconds, 0 means the daemon default
	Data     []byte
}

// ControlReply answers a ControlRequest. ErrMsg is appended after Data on the wire.
type ControlReply struct {
	Status int32
	Data   []byte
	ErrMsg string
}

// Keepalive is exchanged between connected nodes.
type Keepalive struct {
	Version uint32
	Uptime  uint32
}

// Tunnel carries opaque data to whoever registered TunnelID.
type Tunnel struct {
	TunnelID uint64
	Flags    uint32
	Data     []byte
}

func (*CallRequest) Op() Operation    { return OpReqCall }
func (*CallReply) Op() Operation      { return OpReplyCall }
func (*DmasterReply) Op() Operation   { return OpReplyDmaster }
func (*ErrorReply) Op() Operation     { return OpReplyError }
func (*Message) Op() Operation        { return OpReqMessage }
func (*ControlRequest) Op() Operation { return OpReqControl }
func (*ControlReply) Op() Operation   { return OpReplyControl }
func (*Keepalive) Op() Operation      { return OpReqKeepalive }
func (*Tunnel) Op() Operation         { return OpReqTunnel }

func (p *CallRequest) size() int { return 24 + len(p.Key) + len(p.CallData) }
func (p *CallRequest) put(b []byte) {
	le.PutUint32(b[0:], p.Flags)
	le.PutUint32(b[4:], p.DBID)
	le.PutUint32(b[8:], p.CallID)
	le.PutUint32(b[12:], p.HopCount)
	le.PutUint32(b[16:], uint32(len(p.Key)))
	le.PutUint32(b[20:], uint32(len(p.CallData)))
	n := copy(b[24:], p.Key)
	copy(b[24+n:], p.CallData)
}

func (p *CallReply) size() int { return 8 + len(p.Data) }
func (p *CallReply) put(b []byte) {
	le.PutUint32(b[0:], uint32(p.Status))
	le.PutUint32(b[4:], uint32(len(p.Data)))
	copy(b[8:], p.Data)
}

func (p *DmasterReply) size() int { return 4 + RecordHeaderSize + 8 + len(p.Key) + len(p.Data) }
func (p *DmasterReply) put(b []byte) {
	le.PutUint32(b[0:], p.DBID)
	p.Record.Put(b[4:])
	off := 4 + RecordHeaderSize
	le.PutUint32(b[off:], uint32(len(p.Key)))
	le.PutUint32(b[off+4:], uint32(len(p.Data)))
	n := copy(b[off+8:], p.Key)
	copy(b[off+8+n:], p.Data)
}

func (p *ErrorReply) size() int { return 8 + len(p.Msg) }
func (p *ErrorReply) put(b []byte) {
	le.PutUint32(b[0:], uint32(p.Status))
	le.PutUint32(b[4:], uint32(len(p.Msg)))
	copy(b[8:], p.Msg)
}

func (p *Message) size() int { return 12 + len(p.Data) }
func (p *Message) put(b []byte) {
	le.PutUint64(b[0:], p.SrvID)
	le.PutUint32(b[8:], uint32(len(p.Data)))
	copy(b[12:], p.Data)
}

func (p *ControlRequest) size() int { return 28 + len(p.Data) }
func (p *ControlRequest) put(b []byte) {
	le.PutUint32(b[0:], p.Opcode)
	le.PutUint64(b[4:], p.SrvID)
	le.PutUint32(b[12:], p.ClientID)
	le.PutUint32(b[16:], p.Flags)
	le.PutUint32(b[20:], p.Timeout)
	le.PutUint32(b[24:], uint32(len(p.Data)))
	copy(b[28:], p.Data)
}

func (p *ControlReply) size() int { return 12 + len(p.Data) + len(p.ErrMsg) }
func (p *ControlReply) put(b []byte) {
	le.PutUint32(b[0:], uint32(p.Status))
	le.PutUint32(b[4:], uint32(len(p.Data)))
	le.PutUint32(b[8:], uint32(len(p.ErrMsg)))
	n := copy(b[12:], p.Data)
	copy(b[12+n:], p.ErrMsg)
}

func (p *Keepalive) size() int { return 8 }
func (p *Keepalive) put(b []byte) {
	le.PutUint32(b[0:], p.Version)
	le.PutUint32(b[4:], p.Uptime)
}

func (p *Tunnel) size() int { return 16 + len(p.Data) }
func (p *Tunnel) put(b []byte) {
	le.PutUint64(b[0:], p.TunnelID)
	le.PutUint32(b[8:], p.Flags)
	le.PutUint32(b[12:], uint32(len(p.Data)))
	copy(b[16:], p.Data)
}

// Encode serializes h and p into a single packet. Operation and Length in
// h are overwritten from p.
func Encode(h Header, p Packet) []byte {
	buf := make([]byte, HeaderSize+p.size())
	h.Operation = p.Op()
	h.Length = uint32(len(buf))
	h.Put(buf)
	p.put(buf[HeaderSize:])
	return buf
}

// Decode validates the header and decodes the body of a complete packet.
// Callers never see a body for a packet whose magic or version is wrong.
func Decode(buf []byte) (Header, Packet, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	r := reader{b: buf[HeaderSize:]}

	var p Packet
	switch h.Operation {
	case OpReqCall:
		c := &CallRequest{}
		c.Flags = r.u32()
		c.DBID = r.u32()
		c.CallID = r.u32()
		c.HopCount = r.u32()
		klen, dlen := r.u32(), r.u32()
		c.Key = r.bytes(klen)
		c.CallData = r.bytes(dlen)
		p = c
	case OpReplyCall:
		c := &CallReply{}
		c.Status = int32(r.u32())
		c.Data = r.bytes(r.u32())
		p = c
	case OpReplyDmaster:
		c := &DmasterReply{}
		c.DBID = r.u32()
		c.Record = r.record()
		klen, dlen := r.u32(), r.u32()
		c.Key = r.bytes(klen)
		c.Data = r.bytes(dlen)
		p = c
	case OpReplyError:
		c := &ErrorReply{}
		c.Status = int32(r.u32())
		c.Msg = string(r.bytes(r.u32()))
		p = c
	case OpReqMessage:
		c := &Message{}
		c.SrvID = r.u64()
		c.Data = r.bytes(r.u32())
		p = c
	case OpReqControl:
		c := &ControlRequest{}
		c.Opcode = r.u32()
		c.SrvID = r.u64()
		c.ClientID = r.u32()
		c.Flags = r.u32()
		c.Timeout = r.u32()
		c.Data = r.bytes(r.u32())
		p = c
	case OpReplyControl:
		c := &ControlReply{}
		c.Status = int32(r.u32())
		dlen, elen := r.u32(), r.u32()
		c.Data = r.bytes(dlen)
		c.ErrMsg = string(r.bytes(elen))
		p = c
	case OpReqKeepalive:
		c := &Keepalive{}
		c.Version = r.u32()
		c.Uptime = r.u32()
		p = c
	case OpReqTunnel:
		c := &Tunnel{}
		c.TunnelID = r.u64()
		c.Flags = r.u32()
		c.Data = r.bytes(r.u32())
		p = c
	default:
		return h, nil, fmt.Errorf("%w: %d", ErrUnknownOperation, uint32(h.Operation))
	}
	if r.err != nil {
		return h, nil, fmt.Errorf("%s: %w", h.Operation, r.err)
	}
	return h, p, nil
}

// reader consumes fixed-width fields and latches the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.b)) {
		r.err = ErrTruncated
		return nil
	}
	v := r.b[:n:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n uint32) []byte {
	b := r.take(n)
	if b == nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) record() RecordHeader {
	if b := r.take(RecordHeaderSize); b != nil {
		h, _ := ParseRecordHeader(b)
		return h
	}
	return RecordHeader{}
}
