package reqid

import (
	"errors"
	"math"
)

// ErrExhausted is returned when no identifier can be issued.
var ErrExhausted = errors.New("reqid: identifier space exhausted")

// Table maps issued identifiers to values. It is not safe for concurrent
// use; the daemon only touches it from the event loop.
type Table[T any] struct {
	entries map[uint32]T
	next    uint32
	limit   int
}

// New returns a table holding at most limit live entries. A limit of 0
// means the full 32-bit space less the reserved zero.
func New[T any](limit int) *Table[T] {
	if limit <= 0 {
		limit = math.MaxInt
	}
	return &Table[T]{
		entries: make(map[uint32]T),
		next:    1,
		limit:   limit,
	}
}

// Insert stores v under a fresh identifier. Identifiers increase
// monotonically and wrap, skipping ones still in use. If the candidate
// lands on 0 the allocation is retried once; a second 0 is reported as
// exhaustion rather than looping.
func (t *Table[T]) Insert(v T) (uint32, error) {
	if len(t.entries) >= t.limit {
		return 0, ErrExhausted
	}
	id, err := t.allocate()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		if id, err = t.allocate(); err != nil {
			return 0, err
		}
		if id == 0 {
			return 0, ErrExhausted
		}
	}
	t.entries[id] = v
	return id, nil
}

// allocate returns the next identifier not currently in use, advancing
// the cursor past it. It may return 0 when the cursor wraps.
func (t *Table[T]) allocate() (uint32, error) {
	for tries := 0; tries <= len(t.entries)+1; tries++ {
		id := t.next
		t.next++
		if id == 0 {
			return 0, nil
		}
		if _, used := t.entries[id]; !used {
			return id, nil
		}
	}
	return 0, ErrExhausted
}

// Find returns the value stored under id.
func (t *Table[T]) Find(id uint32) (T, bool) {
	v, ok := t.entries[id]
	return v, ok
}

// Remove releases id back to the pool. It reports whether id was live.
func (t *Table[T]) Remove(id uint32) bool {
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Each calls fn for every live entry in unspecified order.
func (t *Table[T]) Each(fn func(id uint32, v T)) {
	for id, v := range t.entries {
		fn(id, v)
	}
}

// seek positions the allocation cursor. Tests use it to exercise wraparound.
func (t *Table[T]) seek(next uint32) {
	t.next = next
}
