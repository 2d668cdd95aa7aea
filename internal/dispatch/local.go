package dispatch

import (
	"fmt"

	"github.com/dreamware/clusterd/internal/protocol"
)

// CallContext is what a call function sees and produces.
type CallContext struct {
	Key      []byte
	Header   protocol.RecordHeader
	Data     []byte
	CallData []byte
	// Readonly is set when the call runs against a delegated copy; the
	// function must not modify the record.
	Readonly bool

	// Set by the function.
	Status  int32
	Reply   []byte
	NewData []byte
	Updated bool
}

// Update replaces the record value.
func (c *CallContext) Update(data []byte) {
	c.NewData = data
	c.Updated = true
}

// CallFunc runs application logic against a locked record.
type CallFunc func(c *CallContext) error

// CallRegistry maps call ids to functions.
type CallRegistry struct {
	fns map[uint32]CallFunc
}

// NewCallRegistry returns a registry holding the built-in functions.
func NewCallRegistry() *CallRegistry {
	r := &CallRegistry{fns: make(map[uint32]CallFunc)}
	r.Register(protocol.CallNull, func(*CallContext) error { return nil })
	r.Register(protocol.CallFetch, func(c *CallContext) error {
		c.Reply = c.Data
		return nil
	})
	r.Register(protocol.CallFetchWithHeader, func(c *CallContext) error {
		c.Reply = append(c.Header.Append(make([]byte, 0, protocol.RecordHeaderSize+len(c.Data))), c.Data...)
		return nil
	})
	return r
}

// Register installs fn under id.
func (r *CallRegistry) Register(id uint32, fn CallFunc) {
	r.fns[id] = fn
}

// execute runs call id against a record. The caller holds the record lock
// and stores NewData when Updated is set.
func (r *CallRegistry) execute(id uint32, c *CallContext) error {
	fn, ok := r.fns[id]
	if !ok {
		return fmt.Errorf("unknown call function 0x%08x", id)
	}
	if err := fn(c); err != nil {
		return err
	}
	if c.Readonly && c.Updated {
		return fmt.Errorf("call function 0x%08x modified a read-only record", id)
	}
	return nil
}
