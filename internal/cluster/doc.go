// Package cluster provides the node table, the VNN map, node-to-node
// transports and the keepalive health monitor.
//
// # Overview
//
// Every daemon is configured with the same ordered list of node addresses
// and builds the same picture of the cluster from it:
//
//	┌──────────────────────────────────────────┐
//	│                 CLUSTER                  │
//	├──────────────────────────────────────────┤
//	│  NodeMap   pnn → address, flags          │
//	│  VNNMap    key → lmaster, generation     │
//	│  Transport packets to and from peers     │
//	│  Monitor   keepalives, disconnects       │
//	└──────────────────────────────────────────┘
//
// # Node table
//
// A node's pnn is its index in the address list. NodeMap keeps the
// per-node flags that routing and the VNN map consult:
//
//	DISCONNECTED          no traffic heard within the keepalive limit
//	UNHEALTHY             reported unhealthy by its own checks
//	BANNED                excluded from the cluster for a while
//	PERMANENTLY_DISABLED  started with start_disabled
//	STOPPED               started with start_stopped
//
// A node is active when it is neither disconnected, banned nor stopped.
// Active nodes make up the VNN map after a generation change.
//
// # VNN map
//
// The lmaster of a key is the node that always knows where the key's
// record lives. It is found by hashing the key onto the VNN map:
//
//	lmaster(key) = vnn[xxhash(key) % len(vnn)]
//
// The map is rebuilt from the active nodes whenever membership changes,
// and carries the generation it was built for. Nodes are sorted before
// use, so two daemons given the same set compute the same lmaster for
// every key.
//
// # Transports
//
// Transport moves whole packets between daemons:
//
//   - Network is an in-process switch used by tests and single-host
//     clusters. SetDown cuts a node off; Shutdown detaches an endpoint.
//   - TCPTransport keeps one outbound stream per peer, written by a
//     dedicated goroutine from a bounded queue, and reads every inbound
//     stream on its own goroutine. SendPacket never blocks on the network.
//
// Both report to a Handler given to Start. Deliver receives each packet;
// NodeDown reports a peer whose stream is gone (a failed dial or write,
// a cut link, a closed endpoint). The daemon posts both onto its event
// loop.
//
// # Health
//
// Monitor sends a keepalive to every node each interval and counts
// intervals in which nothing was heard back. Any packet from a node counts
// as hearing from it. A node silent for the configured limit is marked
// disconnected and the OnDisconnect callback fires so outstanding work
// addressed to it can be failed. Disconnect does the same immediately and
// is what a transport's NodeDown ends up calling. The next packet heard
// from the node clears the flag and fires OnConnect.
//
//	Unknown ──heard──▶ Healthy ──limit missed / NodeDown──▶ Disconnected
//	                     ▲                                      │
//	                     └────────────────heard─────────────────┘
package cluster
