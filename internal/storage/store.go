package storage

import (
	"errors"
	"sync"

	"github.com/dreamware/clusterd/internal/protocol"
)

var (
	// ErrRetry means the record is busy; the requeue callback will fire
	// once it is released.
	ErrRetry = errors.New("record busy")
	// ErrNotLocked is returned for Fetch, Store and Release on a key the
	// caller does not hold.
	ErrNotLocked = errors.New("record not locked")
	// ErrNotFound is returned by Peek for a key that was never stored.
	ErrNotFound = errors.New("record not found")
)

// RecordStore is the per-database record storage the dispatcher consumes.
type RecordStore interface {
	// Acquire locks key. A busy key returns ErrRetry and, when requeue is
	// non-nil, schedules requeue for when the key is released.
	Acquire(key []byte, requeue func()) error

	// Fetch returns the header and a copy of the value of a locked key.
	Fetch(key []byte) (protocol.RecordHeader, []byte, error)

	// Store replaces header and value of a locked key.
	Store(key []byte, hdr protocol.RecordHeader, data []byte) error

	// Release unlocks key.
	Release(key []byte) error

	// Hold locks key outside the dispatch path, for example for a
	// persistent transaction. The returned function releases it.
	Hold(key []byte) (func(), error)

	// Peek returns a record without locking it.
	Peek(key []byte) (protocol.RecordHeader, []byte, error)

	// Keys lists stored keys.
	Keys() [][]byte

	// Stats reports store usage.
	Stats() StoreStats
}

// StoreStats provides statistics about the store.
type StoreStats struct {
	Records int // Number of stored records
	Bytes   int // Total size of all values in bytes
	Locked  int // Records currently locked
	Waiters int // Requeue callbacks waiting on locks
}

type record struct {
	hdr  protocol.RecordHeader
	data []byte
}

// MemoryStore is an in-memory RecordStore.
type MemoryStore struct {
	mu             sync.Mutex
	records        map[string]record
	locked         map[string]bool
	waiters        map[string][]func()
	frozen         bool
	frozenWaiters  []func()
	defaultDmaster func(key []byte) uint32
}

// NewMemoryStore creates an empty store. defaultDmaster supplies the
// dmaster of records that do not exist yet; nil means pnn 0.
func NewMemoryStore(defaultDmaster func(key []byte) uint32) *MemoryStore {
	if defaultDmaster == nil {
		defaultDmaster = func([]byte) uint32 { return 0 }
	}
	return &MemoryStore{
		records:        make(map[string]record),
		locked:         make(map[string]bool),
		waiters:        make(map[string][]func()),
		defaultDmaster: defaultDmaster,
	}
}

func (m *MemoryStore) Acquire(key []byte, requeue func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)
	if m.frozen {
		if requeue != nil {
			m.frozenWaiters = append(m.frozenWaiters, requeue)
		}
		return ErrRetry
	}
	if m.locked[k] {
		if requeue != nil {
			m.waiters[k] = append(m.waiters[k], requeue)
		}
		return ErrRetry
	}
	m.locked[k] = true
	return nil
}

func (m *MemoryStore) Fetch(key []byte) (protocol.RecordHeader, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)
	if !m.locked[k] {
		return protocol.RecordHeader{}, nil, ErrNotLocked
	}
	return m.get(key)
}

func (m *MemoryStore) Peek(key []byte) (protocol.RecordHeader, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[string(key)]; !ok {
		return protocol.RecordHeader{}, nil, ErrNotFound
	}
	return m.get(key)
}

// get must be called with mu held.
func (m *MemoryStore) get(key []byte) (protocol.RecordHeader, []byte, error) {
	r, ok := m.records[string(key)]
	if !ok {
		return protocol.RecordHeader{Dmaster: m.defaultDmaster(key)}, nil, nil
	}
	var data []byte
	if len(r.data) > 0 {
		data = make([]byte, len(r.data))
		copy(data, r.data)
	}
	return r.hdr, data, nil
}

func (m *MemoryStore) Store(key []byte, hdr protocol.RecordHeader, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)
	if !m.locked[k] {
		return ErrNotLocked
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.records[k] = record{hdr: hdr, data: stored}
	return nil
}

func (m *MemoryStore) Release(key []byte) error {
	m.mu.Lock()
	k := string(key)
	if !m.locked[k] {
		m.mu.Unlock()
		return ErrNotLocked
	}
	delete(m.locked, k)
	waiters := m.waiters[k]
	delete(m.waiters, k)
	m.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
	return nil
}

func (m *MemoryStore) Hold(key []byte) (func(), error) {
	if err := m.Acquire(key, nil); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = m.Release(key) })
	}, nil
}

// Freeze makes every Acquire return ErrRetry until Thaw.
func (m *MemoryStore) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

// Thaw lifts a freeze and fires the callbacks queued during it.
func (m *MemoryStore) Thaw() {
	m.mu.Lock()
	m.frozen = false
	waiters := m.frozenWaiters
	m.frozenWaiters = nil
	m.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Frozen reports whether the store is frozen.
func (m *MemoryStore) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

func (m *MemoryStore) Keys() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([][]byte, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, []byte(k))
	}
	return keys
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := StoreStats{Records: len(m.records), Locked: len(m.locked), Waiters: len(m.frozenWaiters)}
	for _, r := range m.records {
		st.Bytes += len(r.data)
	}
	for _, w := range m.waiters {
		st.Waiters += len(w)
	}
	return st
}
