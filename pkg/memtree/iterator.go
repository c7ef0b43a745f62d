package memtree

import (
	"sync"

	"blsm/pkg/tuple"
)

const defaultBatchSize = 100

// SnapshotIterator walks a frozen tree. The tree must not be mutated while
// the iterator lives, so no lock is taken; this is the C0-mergeable reader.
type SnapshotIterator struct {
	c0   *C0
	next []byte // nil until positioned
	from []byte
	eof  bool
}

// NewSnapshotIterator positions at the first key >= from (nil = front).
func NewSnapshotIterator(c0 *C0, from []byte) *SnapshotIterator {
	return &SnapshotIterator{c0: c0, from: from}
}

func (it *SnapshotIterator) Next() (*tuple.Tuple, error) {
	if it.eof || it.c0 == nil {
		return nil, nil
	}
	batch := it.c0.CopyBatch(it.next, it.from, 1, nil)
	if len(batch) == 0 {
		it.eof = true
		return nil, nil
	}
	t := batch[0]
	it.next = t.StrippedKey()
	return t, nil
}

func (it *SnapshotIterator) Close() error {
	it.c0 = nil
	it.eof = true
	return nil
}

// BatchedRevalidatingIterator streams the live C0 while writers keep going:
// it copies small batches under rb_mut and releases the lock between
// batches. In merge mode (bound > 0) the first batch blocks until the tree
// reaches the bound or the abort hook fires; this is how the mem merge waits
// for C0 to fill.
type BatchedRevalidatingIterator struct {
	c0    *C0
	mu    *sync.Mutex
	abort func() bool

	bound     int64
	batchSize int

	from     []byte
	cursor   []byte
	batch    []*tuple.Tuple
	pos      int
	consumed int64
	waited   bool
	drained  bool
}

// NewBatchedRevalidatingIterator builds a merge-mode iterator when bound > 0,
// a plain batched reader otherwise. abort breaks the fullness wait (flush or
// shutdown); it may be nil in reader mode.
func NewBatchedRevalidatingIterator(c0 *C0, mu *sync.Mutex, bound int64, abort func() bool, from []byte) *BatchedRevalidatingIterator {
	if abort == nil {
		abort = func() bool { return false }
	}
	return &BatchedRevalidatingIterator{
		c0:        c0,
		mu:        mu,
		abort:     abort,
		bound:     bound,
		batchSize: defaultBatchSize,
		from:      from,
	}
}

func (it *BatchedRevalidatingIterator) refill() {
	// One merge round consumes roughly one C0 budget and stops, so a
	// steady writer cannot pin the merge open forever. A flush or
	// shutdown drains to the end instead.
	if it.bound > 0 && it.consumed >= it.bound && !it.abort() {
		it.drained = true
		return
	}

	it.mu.Lock()
	if it.bound > 0 && !it.waited {
		it.c0.WaitUntilFull(it.abort)
		it.waited = true
	}
	var after, from []byte
	if it.cursor != nil {
		after = it.cursor
	} else {
		from = it.from
	}
	it.batch = it.c0.CopyBatch(after, from, it.batchSize, it.batch[:0])
	it.mu.Unlock()

	it.pos = 0
	if len(it.batch) == 0 {
		it.drained = true
		return
	}
	for _, t := range it.batch {
		it.consumed += t.ByteLength()
	}
	it.cursor = it.batch[len(it.batch)-1].StrippedKey()
}

func (it *BatchedRevalidatingIterator) Next() (*tuple.Tuple, error) {
	if it.drained {
		return nil, nil
	}
	if it.pos >= len(it.batch) {
		it.refill()
		if it.drained {
			return nil, nil
		}
	}
	t := it.batch[it.pos]
	it.pos++
	return t, nil
}

func (it *BatchedRevalidatingIterator) Close() error {
	it.drained = true
	it.batch = nil
	return nil
}
