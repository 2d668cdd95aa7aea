package routing

import (
	"errors"

	"golang.org/x/exp/slices"
)

// SrvIDAll receives every message regardless of its srvid.
const SrvIDAll uint64 = 0xFFFFFFFFFFFFFFFF

var (
	// ErrNotRegistered is returned when removing an unknown registration.
	ErrNotRegistered = errors.New("not registered")
	// ErrAlreadyRegistered is returned when a tunnel id is taken.
	ErrAlreadyRegistered = errors.New("already registered")
)

// Handler receives a message delivered to a srvid.
type Handler func(srvid uint64, data []byte)

type subscription struct {
	owner uint32
	fn    Handler
}

// SrvIDTable fans messages out to every handler registered for a srvid.
//
// A srvid may have any number of handlers, from one or several owners.
// An owner is a client id, or 0 for handlers the daemon registers for
// itself. Deregister removes all of an owner's handlers for one srvid and
// DeregisterAll removes everything an owner holds, which is what happens
// when a client disconnects.
//
// The table is owned by the event loop and is not safe for concurrent use.
type SrvIDTable struct {
	subs map[uint64][]subscription
}

// NewSrvIDTable creates an empty table.
func NewSrvIDTable() *SrvIDTable {
	return &SrvIDTable{subs: make(map[uint64][]subscription)}
}

// Register adds fn for srvid on behalf of owner (a client id, or 0 for the
// daemon itself).
func (t *SrvIDTable) Register(srvid uint64, owner uint32, fn Handler) {
	t.subs[srvid] = append(t.subs[srvid], subscription{owner: owner, fn: fn})
}

// Deregister removes owner's handlers for srvid.
func (t *SrvIDTable) Deregister(srvid uint64, owner uint32) error {
	subs, ok := t.subs[srvid]
	if !ok {
		return ErrNotRegistered
	}
	kept := slices.DeleteFunc(subs, func(s subscription) bool { return s.owner == owner })
	if len(kept) == len(subs) {
		return ErrNotRegistered
	}
	t.set(srvid, kept)
	return nil
}

// DeregisterAll removes every handler owned by owner and returns how many
// were removed.
func (t *SrvIDTable) DeregisterAll(owner uint32) int {
	removed := 0
	for srvid, subs := range t.subs {
		before := len(subs)
		kept := slices.DeleteFunc(subs, func(s subscription) bool { return s.owner == owner })
		removed += before - len(kept)
		t.set(srvid, kept)
	}
	return removed
}

func (t *SrvIDTable) set(srvid uint64, subs []subscription) {
	if len(subs) == 0 {
		delete(t.subs, srvid)
		return
	}
	t.subs[srvid] = subs
}

// Exists reports whether anyone listens on srvid.
func (t *SrvIDTable) Exists(srvid uint64) bool {
	return len(t.subs[srvid]) > 0
}

// Owners returns the owners registered for srvid in registration order.
func (t *SrvIDTable) Owners(srvid uint64) []uint32 {
	subs := t.subs[srvid]
	out := make([]uint32, len(subs))
	for i, s := range subs {
		out[i] = s.owner
	}
	return out
}

// Dispatch calls every handler registered for srvid, then every handler
// registered for SrvIDAll, in registration order. It returns the number of
// handlers called.
func (t *SrvIDTable) Dispatch(srvid uint64, data []byte) int {
	// Handlers may (de)register; work on a snapshot.
	subs := slices.Clone(t.subs[srvid])
	if srvid != SrvIDAll {
		subs = append(subs, t.subs[SrvIDAll]...)
	}
	for _, s := range subs {
		s.fn(srvid, data)
	}
	return len(subs)
}
