package database

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	// ErrNotFound is returned for an unknown database id or name.
	ErrNotFound = errors.New("database not found")
	// ErrMismatch is returned when attaching an existing name with
	// different flags.
	ErrMismatch = errors.New("database attached with different flags")
	// ErrIDCollision is returned when two names hash to the same id.
	ErrIDCollision = errors.New("database id collision")
)

// Registry holds the databases attached on this node, keyed by id.
//
// Databases are attached by name from the configuration at startup, by
// clients with the DB_ATTACH control, and by peers propagating their own
// attaches. Attaching a name twice returns the existing database as long
// as the persistent and replicated flags agree.
//
// The registry also carries the node-wide freeze state. FreezeAll and
// ThawAll apply to every database, and a database attached while the
// registry is frozen starts frozen, so nothing attached during recovery
// can be written before recovery ends.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint32]*Database
	lmaster func(key []byte) uint32
	frozen  bool
}

// NewRegistry creates an empty registry. lmaster is handed to every
// database attached through it.
func NewRegistry(lmaster func(key []byte) uint32) *Registry {
	return &Registry{
		byID:    make(map[uint32]*Database),
		lmaster: lmaster,
	}
}

// Attach returns the database called name, creating it if needed. A
// database attached while the registry is frozen starts frozen.
func (r *Registry) Attach(name string, flags Flags) (*Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := IDFromName(name)
	if db, ok := r.byID[id]; ok {
		if db.Name != name {
			return nil, fmt.Errorf("%w: %q and %q", ErrIDCollision, db.Name, name)
		}
		kind := FlagPersistent | FlagReplicated
		if db.Flags&kind != flags&kind {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, name)
		}
		return db, nil
	}

	db := New(name, flags, r.lmaster)
	if r.frozen {
		db.Freeze()
	}
	r.byID[id] = db
	return db, nil
}

// Lookup finds a database by id.
func (r *Registry) Lookup(id uint32) (*Database, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	db, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return db, nil
}

// ByName finds a database by name.
func (r *Registry) ByName(name string) (*Database, error) {
	return r.Lookup(IDFromName(name))
}

// All returns every attached database ordered by id.
func (r *Registry) All() []*Database {
	r.mu.RLock()
	dbs := make([]*Database, 0, len(r.byID))
	for _, db := range r.byID {
		dbs = append(dbs, db)
	}
	r.mu.RUnlock()

	slices.SortFunc(dbs, func(a, b *Database) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return dbs
}

// FreezeAll freezes every database, including ones attached later, until
// ThawAll.
func (r *Registry) FreezeAll() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
	for _, db := range r.All() {
		db.Freeze()
	}
}

// ThawAll thaws every database.
func (r *Registry) ThawAll() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
	for _, db := range r.All() {
		db.Thaw()
	}
}

// Frozen reports whether the registry is frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
