// Package storage provides the record store the dispatch core runs on.
//
// # Overview
//
// A clustered database keeps one record per key. Every record carries a
// protocol.RecordHeader (rsn, dmaster, flags) alongside its value. The
// dispatch core never touches a record without holding its lock:
//
//	Acquire(key, requeue)  lock the record, or ErrRetry if it is busy
//	Fetch(key)             read header and value of a locked record
//	Store(key, hdr, data)  replace header and value of a locked record
//	Release(key)           unlock and fire requeue callbacks
//
// # Contention
//
// Acquire never blocks. When a record is held elsewhere (an external Hold,
// or the whole store frozen for recovery) it returns ErrRetry and remembers
// the caller's requeue callback. Callbacks run after the lock is dropped,
// outside the store's mutex, in registration order. Callers that run on the
// event loop pass a callback that posts back onto the loop.
//
// # Missing records
//
// Fetching a key that was never stored yields an empty value and an initial
// header whose dmaster is the key's lmaster, as computed by the
// DefaultDmaster function given to NewMemoryStore.
//
// # Tracking store
//
// TrackingStore records, per key, which nodes hold read-only delegations.
// It is consulted by the revoke procedure and cleared once revocation
// completes.
package storage
