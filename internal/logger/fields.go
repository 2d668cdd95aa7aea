package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// =================================================================================
// CLUSTER FIELDS
// =================================================================================

// PNN is the physical node number of a cluster member.
func PNN(v uint32) zap.Field {
	return zap.Uint32("pnn", v)
}

// SrcNode is the source node of a packet.
func SrcNode(v uint32) zap.Field {
	return zap.Uint32("src_node", v)
}

// DestNode is the destination node of a packet.
func DestNode(v uint32) zap.Field {
	return zap.Uint32("dest_node", v)
}

// Generation is a cluster generation number.
func Generation(v uint32) zap.Field {
	return zap.Uint32("generation", v)
}

// =================================================================================
// REQUEST FIELDS
// =================================================================================

// ClientID is a local client identifier.
func ClientID(v uint32) zap.Field {
	return zap.Uint32("client_id", v)
}

// ReqID is a packet request id.
func ReqID(v uint32) zap.Field {
	return zap.Uint32("reqid", v)
}

// DBID is a database id, rendered in hex like the admin tools print it.
func DBID(v uint32) zap.Field {
	return zap.String("db_id", fmt.Sprintf("0x%08x", v))
}

// Key renders a record key as a quoted string.
func Key(k []byte) zap.Field {
	return zap.ByteString("key", k)
}

// Operation is a wire operation name.
func Operation(v fmt.Stringer) zap.Field {
	return zap.Stringer("operation", v)
}

// SrvID is a message routing key.
func SrvID(v uint64) zap.Field {
	return zap.String("srvid", fmt.Sprintf("0x%016x", v))
}

// TunnelID identifies a registered tunnel.
func TunnelID(v uint64) zap.Field {
	return zap.String("tunnel_id", fmt.Sprintf("0x%016x", v))
}

// =================================================================================
// GENERIC FIELDS
// =================================================================================

// Component names the subsystem.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op names the operation in progress.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err attaches an error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count attaches a count.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}
