package protocol

// RecordHeaderSize is the encoded size of RecordHeader.
const RecordHeaderSize = 16

// Record flags.
const (
	RecMigratedWithData uint32 = 0x00010000

	// RecROHaveDelegations marks a dmaster copy that has handed out
	// read-only copies to other nodes.
	RecROHaveDelegations uint32 = 0x01000000
	// RecROHaveReadonly marks a read-only delegated copy.
	RecROHaveReadonly uint32 = 0x02000000
	// RecRORevoking marks a record whose delegations are being reclaimed.
	RecRORevoking uint32 = 0x04000000
	// RecRORevokeComplete is set by the revoke procedure and cleared by
	// the first call that observes it.
	RecRORevokeComplete uint32 = 0x08000000

	RecROFlags = RecROHaveDelegations | RecROHaveReadonly | RecRORevoking | RecRORevokeComplete
)

// ReadonlyState is the delegation state of a record.
type ReadonlyState int

const (
	ReadonlyNormal ReadonlyState = iota
	ReadonlyHasDelegations
	ReadonlyRevoking
	ReadonlyRevokeComplete
)

func (s ReadonlyState) String() string {
	switch s {
	case ReadonlyHasDelegations:
		return "has-delegations"
	case ReadonlyRevoking:
		return "revoking"
	case ReadonlyRevokeComplete:
		return "revoke-complete"
	default:
		return "normal"
	}
}

// RecordHeader is the per-record ownership metadata stored with each value.
type RecordHeader struct {
	RSN     uint64
	Dmaster uint32
	Flags   uint32
}

// ParseRecordHeader decodes a record header from the front of b.
func ParseRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderSize {
		return RecordHeader{}, ErrTruncated
	}
	return RecordHeader{
		RSN:     le.Uint64(b[0:]),
		Dmaster: le.Uint32(b[8:]),
		Flags:   le.Uint32(b[12:]),
	}, nil
}

// Put writes h into the first RecordHeaderSize bytes of b.
func (h RecordHeader) Put(b []byte) {
	le.PutUint64(b[0:], h.RSN)
	le.PutUint32(b[8:], h.Dmaster)
	le.PutUint32(b[12:], h.Flags)
}

// Append returns b with the encoded header appended.
func (h RecordHeader) Append(b []byte) []byte {
	var tmp [RecordHeaderSize]byte
	h.Put(tmp[:])
	return append(b, tmp[:]...)
}

// Has reports whether any of flags is set.
func (h RecordHeader) Has(flags uint32) bool {
	return h.Flags&flags != 0
}

// ReadonlyState derives the delegation state from the flags. Revoking
// takes precedence over delegations, and a completed revoke over both.
func (h RecordHeader) ReadonlyState() ReadonlyState {
	switch {
	case h.Has(RecRORevokeComplete):
		return ReadonlyRevokeComplete
	case h.Has(RecRORevoking):
		return ReadonlyRevoking
	case h.Has(RecROHaveDelegations | RecROHaveReadonly):
		return ReadonlyHasDelegations
	default:
		return ReadonlyNormal
	}
}
