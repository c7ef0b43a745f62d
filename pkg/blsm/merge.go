package blsm

import (
	"fmt"

	"blsm/pkg/disktree"
	"blsm/pkg/iterator"
	"blsm/pkg/memtree"
	"blsm/pkg/mergemgr"
	"blsm/pkg/tuple"
	"blsm/pkg/types"
)

const gcBatchLen = 100

// filterView is the set of older components a merge checks tombstones
// against, captured under the header lock when the merge starts. Bloom
// filters stay readable even after a concurrent merge deallocates the run,
// so the view never chases the live slots.
type filterView struct {
	c1Mergeable *disktree.Component
	c2          *disktree.Component
}

func (v filterView) mightBeAfterMemMerge(t *tuple.Tuple) bool {
	if v.c1Mergeable != nil && v.c1Mergeable.MightContain(t.StrippedKey()) {
		return true
	}
	return v.c2 != nil && v.c2.MightContain(t.StrippedKey())
}

// insertFilter decides whether a merged tuple survives into the output.
// Tombstones drop at the bottom level, or anywhere once no older component
// can hold the key. Expired tuples drop when an expiry is configured.
func (e *Engine) insertFilter(view filterView, t *tuple.Tuple, dropDeletes bool) bool {
	if t.Delete {
		if dropDeletes || !view.mightBeAfterMemMerge(t) {
			return false
		}
	}
	if e.opts.Expiry == 0 {
		return true
	}
	now := e.tsClock.Val()
	if now > e.opts.Expiry && t.Timestamp < now-e.opts.Expiry {
		return false
	}
	return true
}

// garbage buffers tuples consumed from live C0 so they can be removed in
// batches without holding rb_mut across the merge.
type garbage struct {
	e    *Engine
	tree *memtree.C0
	// flush makes the scratch pages holding the buffered tuples readable
	// before their C0 entries disappear.
	flush func() error
	buf   []*tuple.Tuple
}

func (g *garbage) add(t *tuple.Tuple) error {
	if g.tree == nil {
		return nil
	}
	g.buf = append(g.buf, t)
	if len(g.buf) >= gcBatchLen {
		return g.collect()
	}
	return nil
}

// collect removes buffered tuples from live C0, but only entries that are
// still byte-identical: a newer update that raced with the merge stays.
// While snapshot iterators are registered the removals are skipped entirely:
// an open iterator may hold a page-index view that predates the scratch
// flush, and the C0 entry is the only copy it is guaranteed to see. The
// tuples then ride into the next merge instead, which is idempotent.
func (g *garbage) collect() error {
	if g.tree == nil || len(g.buf) == 0 {
		return nil
	}
	if err := g.flush(); err != nil {
		return err
	}
	g.e.rbMut.Lock()
	if len(g.e.iters) == 0 {
		for _, t := range g.buf {
			g.tree.RemoveIfIdentical(t)
		}
	}
	g.e.rbMut.Unlock()
	g.buf = g.buf[:0]
	return nil
}

// mergeIterators streams two ascending duplicate-free inputs into the
// scratch component. itrA is the large (older) side, itrB the small (newer)
// side; equal stripped keys go through the tuple merger. gcTree, when
// non-nil, is the live C0 the small side reads from.
func (e *Engine) mergeIterators(
	xid types.Xid,
	itrA, itrB iterator.Iterator,
	scratch *disktree.Component,
	view filterView,
	level int,
	dropDeletes bool,
	gcTree *memtree.C0,
) error {
	gc := &garbage{
		e:     e,
		tree:  gcTree,
		flush: scratch.FlushDataPage,
	}
	var paceBytes int64

	write := func(t *tuple.Tuple) error {
		if !e.insertFilter(view, t, dropDeletes) {
			return nil
		}
		if err := scratch.InsertTuple(xid, t); err != nil {
			return err
		}
		paceBytes += t.ByteLength()
		e.mgr.WroteTuple(level, t)
		if e.limiter != nil && paceBytes > mergemgr.ForceInterval {
			if _, err := e.limiter.Acquire(int(paceBytes)); err != nil {
				return err
			}
			paceBytes = 0
		}
		return nil
	}

	t1, err := itrA.Next()
	if err != nil {
		return fmt.Errorf("merge level %d: large side: %w", level, err)
	}
	e.mgr.ReadTupleFromLargeComponent(level, t1)

	for {
		t2, err := itrB.Next()
		if err != nil {
			return fmt.Errorf("merge level %d: small side: %w", level, err)
		}
		if t2 == nil {
			break
		}
		e.mgr.ReadTupleFromSmallComponent(level, t2)

		for t1 != nil && tuple.Compare(t1, t2) < 0 {
			if err := write(t1); err != nil {
				return err
			}
			if t1, err = itrA.Next(); err != nil {
				return fmt.Errorf("merge level %d: large side: %w", level, err)
			}
			e.mgr.ReadTupleFromLargeComponent(level, t1)
		}

		if t1 != nil && tuple.Compare(t1, t2) == 0 {
			merged := e.opts.Merger.Merge(t1, t2)
			e.mgr.MergedTuples(level, merged, t2, t1)
			if err := write(merged); err != nil {
				return err
			}
			if t1, err = itrA.Next(); err != nil {
				return fmt.Errorf("merge level %d: large side: %w", level, err)
			}
			e.mgr.ReadTupleFromLargeComponent(level, t1)
		} else {
			if err := write(t2); err != nil {
				return err
			}
		}

		if level == mergemgr.LevelC1 {
			// Tuples consumed from C0 leave it here, not at a freeze.
			e.mgr.WroteTuple(mergemgr.LevelC0, t2)
			if err := gc.add(t2); err != nil {
				return err
			}
		}
	}

	for t1 != nil {
		if err := write(t1); err != nil {
			return err
		}
		if t1, err = itrA.Next(); err != nil {
			return fmt.Errorf("merge level %d: large side: %w", level, err)
		}
		e.mgr.ReadTupleFromLargeComponent(level, t1)
	}

	if err := gc.collect(); err != nil {
		return err
	}
	return scratch.WritesDone()
}
