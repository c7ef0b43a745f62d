package disktree

import (
	"bytes"
	"io"

	"blsm/pkg/tuple"
)

// Iterator streams a run in ascending stripped-key order. The page index is
// re-fetched whenever the current view is exhausted, so an iterator over the
// in-flight scratch component picks up pages the merge flushes after the
// iterator opened; pages flush in ascending key order, so a newly visible
// page always continues the stream. Every returned tuple is freshly decoded,
// so the caller owns it outright.
type Iterator struct {
	c     *Component
	index []indexEntry
	page  int
	r     *bytes.Reader
	from  []byte
	done  bool
}

// OpenIterator positions at the first tuple with stripped key >= from
// (nil = the start of the run).
func (c *Component) OpenIterator(from []byte) *Iterator {
	it := &Iterator{c: c, index: c.indexSnapshot(), from: from}
	if from != nil && len(it.index) > 0 {
		it.page = pageFor(it.index, from)
	}
	return it
}

func (it *Iterator) Next() (*tuple.Tuple, error) {
	if it.done {
		return nil, nil
	}
	for {
		if it.r == nil {
			if it.page >= len(it.index) {
				it.index = it.c.indexSnapshot()
				if it.page >= len(it.index) {
					return nil, nil
				}
			}
			raw, err := it.c.loadPage(it.page, it.index[it.page])
			if err != nil {
				it.done = true
				return nil, err
			}
			it.r = bytes.NewReader(raw)
		}
		t, err := readRecord(it.r)
		if err != nil {
			if err == io.EOF {
				it.r = nil
				it.page++
				continue
			}
			it.done = true
			return nil, err
		}
		if it.from != nil {
			if tuple.CompareKeys(t.StrippedKey(), it.from) < 0 {
				continue
			}
			it.from = nil
		}
		return t, nil
	}
}

func (it *Iterator) Close() error {
	it.done = true
	it.r = nil
	return nil
}
