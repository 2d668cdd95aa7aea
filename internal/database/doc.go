// Package database manages the clustered databases attached to a daemon.
//
// # Overview
//
// A database is a named record store shared by every node of the cluster.
// Each node holds its own local copy; which node's copy is authoritative for
// a key is decided per record by the dmaster field of the record header.
//
//	┌─────────────────────────────────────┐
//	│            DATABASE                 │
//	├─────────────────────────────────────┤
//	│  ID      xxhash of the name         │
//	│  Flags   persistent, replicated,    │
//	│          read-only tracking         │
//	│  Store   records + header           │
//	│  Track   delegation holders         │
//	│  State   active | frozen            │
//	└─────────────────────────────────────┘
//
// # Identifiers
//
// The database id is derived from the name so every node computes the same
// id without coordination. Clients and peers address databases by id only.
//
// # Freezing
//
// During recovery (and at startup, before clients are accepted) every
// database is frozen. A frozen store answers every acquire with a retry and
// replays the waiting callers on thaw.
//
// # Read-only delegation
//
// Only volatile databases track read-only delegations. Persistent and
// replicated databases have no tracking store; requests that ask for a
// read-only copy are served as plain reads.
package database
