package client

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned when sending to a destroyed client.
var ErrClosed = errors.New("client closed")

// Client is one connected local process.
type Client struct {
	ID  uint32
	PID int32

	// DBs are the databases this client attached to.
	DBs map[uint32]struct{}

	// PendingPersistentTxn counts persistent stores the client started
	// and has not seen answered.
	PendingPersistentTxn int
	// TxnDB is the database of the client's open transaction, 0 if none.
	TxnDB uint32
	// TxnRelease drops the locks held by the open transaction.
	TxnRelease func()

	conn  io.ReadWriteCloser
	queue *sendQueue
	sent  func()
}

// Send queues pkt for the client. It never blocks.
func (c *Client) Send(pkt []byte) error {
	if !c.queue.push(pkt) {
		return ErrClosed
	}
	if c.sent != nil {
		c.sent()
	}
	return nil
}

// HasTransaction reports whether the client holds transaction state whose
// outcome would be lost if it went away.
func (c *Client) HasTransaction() bool {
	return c.PendingPersistentTxn > 0 || c.TxnDB != 0
}

// sendQueue is an unbounded FIFO drained by the writer goroutine.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closed bool
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

func (q *sendQueue) push(pkt []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, pkt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop waits for queued packets. ok is false once the queue is closed.
func (q *sendQueue) pop() (items [][]byte, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			items, q.items = q.items, nil
			q.mu.Unlock()
			return items, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
