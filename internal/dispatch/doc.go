// Package dispatch routes every packet the daemon sees.
//
// # Overview
//
// Client packets arrive from the client registry and node packets from the
// transport; both are handled on the event loop. The Dispatcher decides
// for each call whether it runs against the local copy of a record, is
// forwarded to the record's dmaster, or waits: behind an identical fetch
// already in flight (the deferred fetch queue) or behind a revocation of
// read-only delegations. Controls, messages and tunnel packets are routed
// to local handlers or forwarded to the node they are addressed to.
//
// # Architecture
//
//	  client registry            transport (Handler)
//	        │                      │          │
//	HandleClientPacket      Deliver(pkt)   NodeDown(pnn)
//	        │                      │          │
//	        ▼                      ▼          ▼
//	┌──────────────────────────────────────────────────┐
//	│                event loop (one goroutine)        │
//	├──────────────────────────────────────────────────┤
//	│  calls     local │ remote │ deferred │ revoking  │
//	│  controls  local handlers, pending table, timers │
//	│  messages  srvid fan-out, forward                │
//	│  tunnels   registered ids only                   │
//	└──────────────────────────────────────────────────┘
//	        │                      │
//	        ▼                      ▼
//	  client replies         node packets
//
// # Call path
//
// A client REQ_CALL goes through these steps:
//
//  1. A CURRENT_NODE destination is resolved to this node. Any other
//     destination is forwarded as a remote call and nothing local is
//     touched.
//  2. The database is looked up by id. An unknown id drops the call.
//  3. The record lock is acquired. A busy record returns storage.ErrRetry;
//     the packet is requeued when the lock is released and this attempt
//     ends.
//  4. With fetch collapse on, a call for a key whose migration is already
//     in flight joins that key's deferred fetch queue.
//  5. Read-only delegation rules run (see below).
//  6. The call runs locally when this node is dmaster, or when it is a
//     read-only fetch and the local copy is a delegated one. Otherwise it
//     is sent to the dmaster and the key's fetch queue is opened.
//
// TotalCalls and PendingCalls are raised on entry, and every path ends in
// exactly one decrement of PendingCalls: a reply, a forward, a deferral
// or a drop.
//
// # Deferred fetch queue
//
// While one migration for a key is outstanding, later local calls for the
// same key are parked in FIFO order. The queue is destroyed when the
// migration completes or when DeferredFetchTimeout expires, whichever is
// first. Destruction posts every parked packet back onto the loop as a
// new event, in arrival order. A parked call whose client has gone away is
// dropped when it is replayed.
//
// # Read-only delegation
//
// On databases with a tracking store, a FETCH or FETCH_WITH_HEADER that
// carries WANT_READONLY may be answered with a delegated copy:
//
//	Normal ──grant──▶ HasDelegations ──write──▶ Revoking
//	   ▲                                            │
//	   └────────── RevokeComplete (cleared) ◀───────┘
//
// A write against a record with delegations marks it revoking, stores the
// flag, and parks the write until the Revoker reports back. Every other
// call that meets a revoking record is parked the same way. Read-only
// requests parked behind a revoke are replayed after ROGrace. Failing to
// store a revoke flag change is fatal. Other calls carrying WANT_READONLY
// are treated as ordinary calls.
//
// # Remote calls
//
// A remote call is kept in a request id table until its reply arrives:
//
//	REPLY_CALL     the dmaster ran the call
//	REPLY_DMASTER  the record moved here with dmaster ownership; the call
//	               then runs locally
//	REPLY_ERROR    the call failed remotely
//
// A node that is not dmaster redirects the call to the dmaster its local
// copy names, falling back to the lmaster every few hops. A call exceeding
// MaxHopCount is failed. Calls outstanding at a node that disconnects are
// failed with StatusUnreachable. Packets of a different generation are
// dropped on arrival. When the generation changes, every outstanding call
// is sent again to the lmaster of its key.
//
// # Controls
//
// Controls carry an opcode, a timeout and a payload. Local controls run
// through the handler table (see RegisterControl); remote ones are kept in
// a pending table with a timer and fail with StatusTimeout when it fires,
// or with StatusUnreachable when the destination disconnects. NO_REPLY
// controls keep no pending state at all.
//
// # Reentrancy
//
// Every record decision follows acquire, decide, release. Nothing that
// runs while a record lock is held calls back into the dispatcher; replays
// and local deliveries are always posted as new loop events.
//
// # Usage
//
//	d := dispatch.New(dispatch.Options{
//		Config:    dispatch.DefaultConfig(),
//		State:     st,
//		Loop:      loop,
//		Transport: tr,
//		Nodes:     nodes,
//		VNN:       vnn,
//		DBs:       dbs,
//		Clients:   clients,
//		SrvIDs:    srvids,
//		Tunnels:   tunnels,
//	})
//	d.Calls().Register(0x20, func(c *dispatch.CallContext) error {
//		c.Update(c.CallData)
//		return nil
//	})
//	d.SetMonitor(monitor)
//	err := tr.Start(ctx, d)
package dispatch
