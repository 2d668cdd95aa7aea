// Package routing holds the message subscription table and the tunnel id
// table.
//
// # Message subscriptions
//
// Clients subscribe to 64-bit service ids (srvids). A REQ_MESSAGE for a
// srvid is fanned out to every handler registered for it, followed by
// every handler registered for SrvIDAll:
//
//	srvid 0x1000 ──▶ client 3, client 7
//	srvid 0x2000 ──▶ client 4
//	SrvIDAll     ──▶ client 9 (sees everything)
//
// Handlers run in registration order and may register or deregister
// during delivery; each dispatch works on a snapshot.
//
// # Tunnels
//
// A tunnel id belongs to at most one client at a time. Tunnel packets are
// only delivered or forwarded for registered ids.
//
// Both tables are owned by the event loop and carry no locks. When a
// client goes away the client registry calls DeregisterAll on both.
package routing
