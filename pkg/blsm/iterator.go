package blsm

import (
	"fmt"

	"blsm/pkg/dberrors"
	"blsm/pkg/iterator"
	"blsm/pkg/memtree"
	"blsm/pkg/tuple"
)

// revalPeriod is how many emitted tuples a snapshot iterator goes between
// header-lock release points.
const revalPeriod = 100

// mergeManyIterator merges up to six sub-iterators ordered newest first.
// At each step the minimum stripped key wins; on ties the first listed
// (temporally newest) sub-iterator supplies the tuple and every tied
// sub-iterator advances past the key.
type mergeManyIterator struct {
	iters   []iterator.Iterator
	current []*tuple.Tuple
	pending *tuple.Tuple
	lastIt  int
}

func newMergeManyIterator(iters []iterator.Iterator) (*mergeManyIterator, error) {
	m := &mergeManyIterator{
		iters:   iters,
		current: make([]*tuple.Tuple, len(iters)),
		lastIt:  -1,
	}
	for i, it := range iters {
		t, err := it.Next()
		if err != nil {
			return nil, err
		}
		m.current[i] = t
	}
	return m, nil
}

func (m *mergeManyIterator) refill(i int) error {
	t, err := m.iters[i].Next()
	if err != nil {
		return err
	}
	m.current[i] = t
	return nil
}

func (m *mergeManyIterator) next() (*tuple.Tuple, error) {
	if m.pending != nil {
		t := m.pending
		m.pending = nil
		return t, nil
	}
	if m.lastIt >= 0 {
		if err := m.refill(m.lastIt); err != nil {
			return nil, err
		}
		m.lastIt = -1
	}

	min := -1
	for i, t := range m.current {
		if t == nil {
			continue
		}
		if min < 0 || tuple.Compare(t, m.current[min]) < 0 {
			min = i
		}
	}
	if min < 0 {
		return nil, nil
	}
	ret := m.current[min]

	// Advance every older sub-iterator sitting on the same key; the
	// newest version shadows them.
	for i := min + 1; i < len(m.current); i++ {
		if m.current[i] != nil && tuple.Compare(m.current[i], ret) == 0 {
			if err := m.refill(i); err != nil {
				return nil, err
			}
		}
	}
	m.lastIt = min
	return ret, nil
}

// peek returns the next tuple without consuming it.
func (m *mergeManyIterator) peek() (*tuple.Tuple, error) {
	if m.pending == nil {
		t, err := m.next()
		if err != nil {
			return nil, err
		}
		m.pending = t
	}
	return m.pending, nil
}

func (m *mergeManyIterator) close() {
	for _, it := range m.iters {
		it.Close()
	}
	m.iters = nil
	m.current = nil
	m.pending = nil
}

// Iterator is the engine's snapshot iterator: a k-way merge over every live
// component that keeps emitting monotone, duplicate-free stripped keys while
// the background mergers swap components underneath it. It holds the header
// read lock between revalidation points, so it must be closed before the
// engine stops.
type Iterator struct {
	e     *Engine
	epoch uint64

	merge        *mergeManyIterator
	lastReturned *tuple.Tuple
	startKey     []byte

	valid      bool
	closed     bool
	invalid    bool
	holdsLock  bool
	revalCount int
}

// Iterator opens a snapshot iterator over the whole key space.
func (e *Engine) Iterator() (*Iterator, error) {
	return e.IteratorFrom(nil)
}

// IteratorFrom opens a snapshot iterator positioned at the first stripped
// key >= startKey.
func (e *Engine) IteratorFrom(startKey []byte) (*Iterator, error) {
	if e.down.Load() {
		return nil, dberrors.ErrClosed
	}
	it := &Iterator{e: e, startKey: startKey}
	e.header.ReadLock()
	it.holdsLock = true
	e.registerIterator(it)
	if err := it.validate(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// validate rebuilds the sub-iterators against the current slots, positioned
// past everything already returned. Runs with the header read lock held.
func (it *Iterator) validate() error {
	e := it.e
	it.epoch = e.Epoch()

	pos := it.startKey
	if it.lastReturned != nil {
		pos = it.lastReturned.StrippedKey()
	}

	if it.merge != nil {
		it.merge.close()
		it.merge = nil
	}

	subs := make([]iterator.Iterator, 0, 6)
	subs = append(subs, memtree.NewBatchedRevalidatingIterator(e.c0, &e.rbMut, 0, nil, pos))
	if e.c0Mergeable != nil {
		subs = append(subs, memtree.NewSnapshotIterator(e.c0Mergeable, pos))
	}
	if e.c1Prime != nil {
		subs = append(subs, e.c1Prime.OpenIterator(pos))
	}
	subs = append(subs, e.c1.OpenIterator(pos))
	if e.c1Mergeable != nil {
		subs = append(subs, e.c1Mergeable.OpenIterator(pos))
	}
	subs = append(subs, e.c2.OpenIterator(pos))

	merge, err := newMergeManyIterator(subs)
	if err != nil {
		return err
	}
	it.merge = merge

	if it.lastReturned != nil {
		head, err := it.merge.peek()
		if err != nil {
			return err
		}
		if head != nil && tuple.Compare(head, it.lastReturned) == 0 {
			// Already emitted before the rebuild.
			if _, err := it.merge.next(); err != nil {
				return err
			}
		}
	}
	it.valid = true
	return nil
}

// revalidate periodically lets writers in by bouncing the header read lock,
// then rebuilds if a merge moved a component slot meanwhile.
func (it *Iterator) revalidate() error {
	e := it.e
	it.revalCount++
	if it.revalCount >= revalPeriod {
		it.revalCount = 0
		e.header.ReadUnlock()
		it.holdsLock = false
		e.header.ReadLock()
		it.holdsLock = true
	}
	if it.invalid {
		return dberrors.ErrClosed
	}
	if !it.valid || it.epoch != e.Epoch() {
		return it.validate()
	}
	return nil
}

func (it *Iterator) getNextHelper() (*tuple.Tuple, error) {
	if it.closed || it.invalid {
		return nil, dberrors.ErrClosed
	}
	if err := it.revalidate(); err != nil {
		return nil, err
	}
	t, err := it.merge.next()
	if err != nil {
		return nil, err
	}
	if t != nil && it.lastReturned != nil && tuple.Compare(it.lastReturned, t) >= 0 {
		panic(fmt.Sprintf("blsm: out of order tuples: %q then %q",
			it.lastReturned.StrippedKey(), t.StrippedKey()))
	}
	if t != nil {
		it.lastReturned = t
	}
	return t, nil
}

// GetNext returns the next live tuple, suppressing tombstones.
func (it *Iterator) GetNext() (*tuple.Tuple, error) {
	for {
		t, err := it.getNextHelper()
		if err != nil || t == nil {
			return nil, err
		}
		if t.Delete {
			continue
		}
		return t.Copy(), nil
	}
}

// GetNextIncludingTombstones returns the next tuple, tombstones included.
func (it *Iterator) GetNextIncludingTombstones() (*tuple.Tuple, error) {
	t, err := it.getNextHelper()
	if err != nil || t == nil {
		return nil, err
	}
	return t.Copy(), nil
}

// Invalidate drops the sub-iterators; the next call rebuilds them.
func (it *Iterator) Invalidate() {
	if it.merge != nil {
		it.merge.close()
		it.merge = nil
	}
	it.valid = false
}

// invalidateForShutdown is called by Stop with the header write lock held.
func (it *Iterator) invalidateForShutdown() {
	it.invalid = true
}

// Close unregisters the iterator and releases the header read lock.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.e.forgetIterator(it)
	if it.merge != nil {
		it.merge.close()
		it.merge = nil
	}
	if it.holdsLock {
		it.e.header.ReadUnlock()
		it.holdsLock = false
	}
	return nil
}
