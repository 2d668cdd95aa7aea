package dispatch

import (
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/dreamware/clusterd/internal/database"
	"github.com/dreamware/clusterd/internal/eventloop"
	"github.com/dreamware/clusterd/internal/logger"
)

// deferredCall is a client packet waiting to be replayed.
type deferredCall struct {
	client uint32
	pkt    []byte
}

// fetchQueue holds the calls that arrived for a key while a migration of
// that key was outstanding.
type fetchQueue struct {
	hash  uint64
	calls []deferredCall
	timer *eventloop.Timer
	done  bool
}

// fetchIndex is the per-database set of fetch queues, keyed by key hash.
type fetchIndex struct {
	d      *Dispatcher
	db     *database.Database
	queues map[uint64]*fetchQueue
}

func newFetchIndex(d *Dispatcher, db *database.Database) *fetchIndex {
	return &fetchIndex{d: d, db: db, queues: make(map[uint64]*fetchQueue)}
}

func keyHash(key []byte) uint64 { return xxhash.Sum64(key) }

// lookup returns the live queue for key, if any.
func (fi *fetchIndex) lookup(key []byte) *fetchQueue {
	return fi.queues[keyHash(key)]
}

// start creates the queue for a migration of key. A queue that is somehow
// still registered for the key is torn down first, which replays whatever
// it held.
func (fi *fetchIndex) start(key []byte) *fetchQueue {
	h := keyHash(key)
	if old, ok := fi.queues[h]; ok {
		fi.d.log.Warn("replacing existing deferred fetch queue",
			logger.DBID(fi.db.ID), logger.Key(key), logger.Count(len(old.calls)))
		fi.destroy(old)
	}
	q := &fetchQueue{hash: h}
	q.timer = fi.d.loop.AfterFunc(fi.d.cfg.DeferredFetchTimeout, func() {
		if !q.done {
			fi.d.log.Info("deferred fetch queue timed out",
				logger.DBID(fi.db.ID), logger.Key(key), logger.Count(len(q.calls)))
		}
		fi.destroy(q)
	})
	fi.queues[h] = q
	return q
}

// add appends a call to q.
func (fi *fetchIndex) add(q *fetchQueue, call deferredCall) {
	q.calls = append(q.calls, call)
	fi.d.st.Stats.DeferredCalls.Add(1)
	fi.db.Stats.DeferredCalls.Add(1)
}

// destroy unregisters q and replays its calls in arrival order, each as
// its own loop event. Later calls are no-ops.
func (fi *fetchIndex) destroy(q *fetchQueue) {
	if q.done {
		return
	}
	q.done = true
	q.timer.Stop()
	if fi.queues[q.hash] == q {
		delete(fi.queues, q.hash)
	}

	calls := q.calls
	q.calls = nil
	for _, c := range calls {
		c := c
		fi.d.loop.Post(func() { fi.d.requeueClientPacket(c.client, c.pkt) })
	}
	if len(calls) > 0 {
		fi.d.log.Debug("replaying deferred calls",
			logger.DBID(fi.db.ID), zap.Int("calls", len(calls)))
	}
}

// len returns the number of live queues.
func (fi *fetchIndex) len() int { return len(fi.queues) }
