// Package protocol implements the binary wire format shared by
// client-to-daemon and node-to-node traffic.
//
// Every packet starts with a fixed 32-byte little-endian header:
//
//	magic      u32  0x43544442
//	version    u32  must equal Version
//	length     u32  total packet length including the header
//	operation  u32  REQ_CALL, REPLY_CALL, REQ_MESSAGE, REQ_CONTROL, ...
//	reqid      u32
//	src_node   u32
//	dest_node  u32  CurrentNode resolves to the receiving node
//	generation u32  cluster generation at send time
//
// PeekHeader and ParseHeader reject a bad magic or version before any
// body is looked at; Decode never returns a body for such a packet.
// Bodies are a closed set of types implementing Packet, one per
// operation, and Decode switches exhaustively over the operation code.
//
// # Operations
//
//	REQ_CALL        0   run a call function against a record
//	REPLY_CALL      1   result of a call
//	REPLY_DMASTER   3   record handed over together with dmaster ownership
//	REPLY_ERROR     4   status and message of a failed call
//	REQ_MESSAGE     5   payload for a srvid
//	REQ_CONTROL     7   opcode, flags, timeout and payload
//	REPLY_CONTROL   8   status, payload and optional error string
//	REQ_KEEPALIVE   9   liveness between nodes
//	REQ_TUNNEL     10   opaque payload for a registered tunnel id
//
// # Destinations
//
// Besides a pnn, dest_node may hold one of three sentinels: CurrentNode,
// BroadcastAll (every node in the node map) and BroadcastConnected (every
// node currently connected). Broadcast controls must be sent NO_REPLY.
//
// # Records
//
// Records stored by the daemon carry a RecordHeader:
//
//	rsn      u64  record sequence number; a higher rsn is a newer copy
//	dmaster  u32  node holding the authoritative copy
//	flags    u32  migration and read-only delegation flags
//
// The delegation flags define ReadonlyState. REVOKE_COMPLETE wins over
// REVOKING, which wins over HAVE_DELEGATIONS and HAVE_READONLY.
//
// # Usage
//
//	b := protocol.Builder{State: st}
//	h := b.Build(protocol.OpReqControl, 0, dest, reqid)
//	pkt := protocol.Encode(h, &protocol.ControlRequest{Opcode: protocol.ControlPing})
//	if err := protocol.WritePacket(conn, pkt); err != nil {
//		return err
//	}
//
//	pkt, err := protocol.ReadPacket(conn)
//	h, body, err := protocol.Decode(pkt)
package protocol
