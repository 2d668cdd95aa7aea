package database

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/clusterd/internal/storage"
)

// State is the lifecycle state of a database.
type State string

const (
	// StateActive means records can be locked and served.
	StateActive State = "active"
	// StateFrozen means every acquire returns a retry until thawed.
	StateFrozen State = "frozen"
)

// Flags describe the kind of a database.
type Flags uint32

const (
	FlagPersistent Flags = 1 << iota
	FlagReplicated
	// FlagReadonlyTracking enables read-only delegations.
	FlagReadonlyTracking
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Database is one attached clustered database.
type Database struct {
	ID    uint32
	Name  string
	Flags Flags

	Store    *storage.MemoryStore
	Tracking *storage.TrackingStore // nil without FlagReadonlyTracking

	Stats *Stats

	mu    sync.RWMutex
	state State
}

// Stats counts dispatch activity on one database.
type Stats struct {
	Calls         atomic.Uint64 // calls dispatched against this database
	LocalCalls    atomic.Uint64 // executed with this node as dmaster
	RemoteCalls   atomic.Uint64 // forwarded to the dmaster
	Redirects     atomic.Uint64 // REQ_CALL passed on by this node
	Migrations    atomic.Uint64 // records received with REPLY_DMASTER
	DeferredCalls atomic.Uint64 // parked behind an identical fetch
	RODelegations atomic.Uint64
	RORevokes     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Calls         uint64 `json:"calls"`
	LocalCalls    uint64 `json:"local_calls"`
	RemoteCalls   uint64 `json:"remote_calls"`
	Redirects     uint64 `json:"redirects"`
	Migrations    uint64 `json:"migrations"`
	DeferredCalls uint64 `json:"deferred_calls"`
	RODelegations uint64 `json:"ro_delegations"`
	RORevokes     uint64 `json:"ro_revokes"`
}

// Info summarizes a database for status output.
type Info struct {
	ID         uint32        `json:"id"`
	Name       string        `json:"name"`
	Persistent bool          `json:"persistent"`
	Replicated bool          `json:"replicated"`
	Readonly   bool          `json:"readonly_tracking"`
	State      State         `json:"state"`
	Records    int           `json:"records"`
	Bytes      int           `json:"bytes"`
	Stats      StatsSnapshot `json:"stats"`
}

// IDFromName derives the cluster-wide database id of name.
func IDFromName(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// New creates an active database. lmaster supplies the initial dmaster of
// records that do not exist yet.
func New(name string, flags Flags, lmaster func(key []byte) uint32) *Database {
	db := &Database{
		ID:    IDFromName(name),
		Name:  name,
		Flags: flags,
		Store: storage.NewMemoryStore(lmaster),
		Stats: &Stats{},
		state: StateActive,
	}
	if !flags.Has(FlagPersistent) && !flags.Has(FlagReplicated) {
		db.Flags |= FlagReadonlyTracking
	}
	if db.Flags.Has(FlagReadonlyTracking) {
		db.Tracking = storage.NewTrackingStore()
	}
	return db
}

// Persistent reports whether the database is persistent.
func (d *Database) Persistent() bool { return d.Flags.Has(FlagPersistent) }

// ReadonlyTracking reports whether read-only delegations are supported.
func (d *Database) ReadonlyTracking() bool { return d.Tracking != nil }

// State returns the current state.
func (d *Database) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Freeze stops records from being locked until Thaw.
func (d *Database) Freeze() {
	d.mu.Lock()
	d.state = StateFrozen
	d.mu.Unlock()
	d.Store.Freeze()
}

// Thaw reactivates a frozen database and replays waiting callers.
func (d *Database) Thaw() {
	d.mu.Lock()
	d.state = StateActive
	d.mu.Unlock()
	d.Store.Thaw()
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Calls:         s.Calls.Load(),
		LocalCalls:    s.LocalCalls.Load(),
		RemoteCalls:   s.RemoteCalls.Load(),
		Redirects:     s.Redirects.Load(),
		Migrations:    s.Migrations.Load(),
		DeferredCalls: s.DeferredCalls.Load(),
		RODelegations: s.RODelegations.Load(),
		RORevokes:     s.RORevokes.Load(),
	}
}

// Info returns a summary of the database.
func (d *Database) Info() Info {
	st := d.Store.Stats()
	return Info{
		ID:         d.ID,
		Name:       d.Name,
		Persistent: d.Flags.Has(FlagPersistent),
		Replicated: d.Flags.Has(FlagReplicated),
		Readonly:   d.ReadonlyTracking(),
		State:      d.State(),
		Records:    st.Records,
		Bytes:      st.Bytes,
		Stats:      d.Stats.Snapshot(),
	}
}
