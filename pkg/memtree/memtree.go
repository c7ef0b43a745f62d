package memtree

import (
	"sync"

	"github.com/huandu/skiplist"

	"blsm/pkg/tuple"
)

// C0 is the in-memory component: an ordered map from stripped key to tuple.
// All mutations happen under the engine's rb_mut, which the tree receives at
// construction so its fullness condition can wait on it.
type C0 struct {
	list  *skiplist.SkipList
	bytes int64

	bound int64 // byte size at which the tree counts as full
	full  *sync.Cond
}

func compareStripped(a, b interface{}) int {
	return tuple.CompareKeys(a.([]byte), b.([]byte))
}

// New builds an empty tree. rbMut is the engine mutex guarding every
// mutation; bound is the max_c0_size the mem merge waits for.
func New(rbMut *sync.Mutex, bound int64) *C0 {
	return &C0{
		list:  skiplist.New(skiplist.GreaterThanFunc(compareStripped)),
		bound: bound,
		full:  sync.NewCond(rbMut),
	}
}

// Insert stores t, replacing any previous version of the same stripped key,
// and returns the replaced tuple. Caller holds rb_mut.
func (c *C0) Insert(t *tuple.Tuple) *tuple.Tuple {
	var old *tuple.Tuple
	if e := c.list.Get(t.StrippedKey()); e != nil {
		old = e.Value.(*tuple.Tuple)
		c.bytes -= old.ByteLength()
	}
	c.list.Set(t.StrippedKey(), t)
	c.bytes += t.ByteLength()
	if c.bound > 0 && c.bytes >= c.bound {
		c.full.Broadcast()
	}
	return old
}

// Find returns the live version of key, nil when absent. Caller holds rb_mut.
func (c *C0) Find(strippedKey []byte) *tuple.Tuple {
	e := c.list.Get(strippedKey)
	if e == nil {
		return nil
	}
	return e.Value.(*tuple.Tuple)
}

// RemoveIfIdentical erases key only when the live entry is byte-identical to
// t. A newer update that raced with the merge stays put. Caller holds rb_mut.
func (c *C0) RemoveIfIdentical(t *tuple.Tuple) bool {
	e := c.list.Get(t.StrippedKey())
	if e == nil {
		return false
	}
	live := e.Value.(*tuple.Tuple)
	if !live.ValueEqual(t) {
		return false
	}
	c.list.Remove(t.StrippedKey())
	c.bytes -= live.ByteLength()
	return true
}

// Bytes reports the accounted size. Caller holds rb_mut.
func (c *C0) Bytes() int64 { return c.bytes }

// Len reports the number of live entries. Caller holds rb_mut.
func (c *C0) Len() int { return c.list.Len() }

// Broadcast wakes waiters regardless of fullness, used by flush and
// shutdown. Caller holds rb_mut.
func (c *C0) Broadcast() { c.full.Broadcast() }

// WaitUntilFull blocks until the tree holds at least bound bytes or abort
// reports true. Caller holds rb_mut; the wait releases it.
func (c *C0) WaitUntilFull(abort func() bool) {
	for c.bound > 0 && c.bytes < c.bound && !abort() {
		c.full.Wait()
	}
}

// CopyBatch copies up to max tuples with stripped key strictly greater than
// after (or >= from when after is nil) into dst. Caller holds rb_mut.
func (c *C0) CopyBatch(after, from []byte, max int, dst []*tuple.Tuple) []*tuple.Tuple {
	var e *skiplist.Element
	switch {
	case after != nil:
		e = c.list.Find(after)
		for e != nil && tuple.CompareKeys(e.Key().([]byte), after) == 0 {
			e = e.Next()
		}
	case from != nil:
		e = c.list.Find(from)
	default:
		e = c.list.Front()
	}
	for e != nil && len(dst) < max {
		dst = append(dst, e.Value.(*tuple.Tuple))
		e = e.Next()
	}
	return dst
}
