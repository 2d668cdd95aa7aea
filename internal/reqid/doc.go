// Package reqid hands out numeric identifiers from a wraparound-safe space
// in which 0 is never issued.
//
// Zero is reserved on the wire to mean "this request came from another
// node, not a local client", so neither client ids nor request ids may
// ever take it.
//
// # Allocation
//
// A Table issues identifiers from a cursor that increases by one per
// allocation and wraps at 2^32. Identifiers still held by live entries are
// skipped, so an id is only reused after its entry has been removed and
// the cursor has come round again:
//
//	t := reqid.New[*call](0)
//	id, err := t.Insert(c)   // 1, 2, 3, ...
//	c, ok := t.Find(id)
//	t.Remove(id)
//
// Insert fails with ErrExhausted when the table holds its limit of live
// entries, or when a retry after landing on 0 lands on 0 again.
//
// Tables are not safe for concurrent use. The daemon only touches them
// from the event loop.
package reqid
