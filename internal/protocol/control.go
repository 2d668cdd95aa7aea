package protocol

// Control opcodes.
const (
	ControlPing              uint32 = 1
	ControlGetPNN            uint32 = 2
	ControlGetRecMode        uint32 = 3
	ControlSetRecMode        uint32 = 4
	ControlGetGeneration     uint32 = 5
	ControlStatus            uint32 = 6
	ControlRegisterSrvID     uint32 = 7
	ControlDeregisterSrvID   uint32 = 8
	ControlTunnelRegister    uint32 = 9
	ControlTunnelDeregister  uint32 = 10
	ControlDBAttach          uint32 = 11
	ControlGetDBID           uint32 = 12
	ControlUpdateRecord      uint32 = 13
	ControlTransactionStart  uint32 = 14
	ControlTransactionCommit uint32 = 15
	ControlPersistentStore   uint32 = 16
	ControlShutdown          uint32 = 17
	ControlFreeze            uint32 = 18
	ControlThaw              uint32 = 19
	ControlGetNodeMap        uint32 = 20
	ControlSetGeneration     uint32 = 21
)

// Control reply status values used by the daemon itself.
const (
	StatusOK          int32 = 0
	StatusError       int32 = -1
	StatusTimeout     int32 = -2
	StatusUnreachable int32 = -3
)

// DB attach flags carried in the DBAttach payload.
const (
	AttachPersistent uint32 = 0x1
	AttachReplicated uint32 = 0x2
)

// EncodeUint32 returns v as a 4-byte payload.
func EncodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

// DecodeUint32 reads a 4-byte payload.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, ErrTruncated
	}
	return le.Uint32(b), nil
}

// DBAttach is the payload of ControlDBAttach.
type DBAttach struct {
	Flags uint32
	Name  string
}

// Marshal encodes the payload.
func (a DBAttach) Marshal() []byte {
	b := make([]byte, 4+len(a.Name))
	le.PutUint32(b, a.Flags)
	copy(b[4:], a.Name)
	return b
}

// ParseDBAttach decodes a ControlDBAttach payload.
func ParseDBAttach(b []byte) (DBAttach, error) {
	if len(b) < 4 {
		return DBAttach{}, ErrTruncated
	}
	return DBAttach{Flags: le.Uint32(b), Name: string(b[4:])}, nil
}

// RecordData carries one record in control payloads (UPDATE_RECORD,
// PERSISTENT_STORE).
type RecordData struct {
	DBID   uint32
	Header RecordHeader
	Key    []byte
	Data   []byte
}

// Marshal encodes the record.
func (r RecordData) Marshal() []byte {
	b := make([]byte, 4+RecordHeaderSize+8, 4+RecordHeaderSize+8+len(r.Key)+len(r.Data))
	le.PutUint32(b, r.DBID)
	r.Header.Put(b[4:])
	le.PutUint32(b[4+RecordHeaderSize:], uint32(len(r.Key)))
	le.PutUint32(b[8+RecordHeaderSize:], uint32(len(r.Data)))
	b = append(b, r.Key...)
	return append(b, r.Data...)
}

// ParseRecordData decodes a RecordData payload.
func ParseRecordData(b []byte) (RecordData, error) {
	rd := reader{b: b}
	var r RecordData
	r.DBID = rd.u32()
	r.Header = rd.record()
	klen, dlen := rd.u32(), rd.u32()
	r.Key = rd.bytes(klen)
	r.Data = rd.bytes(dlen)
	if rd.err != nil {
		return RecordData{}, rd.err
	}
	return r, nil
}
