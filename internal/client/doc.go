// Package client is the registry of local client connections.
//
// Each accepted connection gets a non-zero client id, a reader goroutine
// that frames packets off the stream and posts them onto the event loop,
// and a writer goroutine that drains an unbounded send queue. Everything
// else about a client (its registry entry, subscriptions and transaction
// state) is touched only on the loop.
//
// A client is destroyed when its stream closes, when it sends a packet
// that fails header validation, or when the daemon disconnects it. The
// destruction sequence removes its srvid and tunnel registrations, drops
// the active client count, and forces recovery mode to ACTIVE if the
// client held transaction state, since the outcome of that transaction can
// no longer be known.
package client
