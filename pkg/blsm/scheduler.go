package blsm

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"blsm/pkg/disktree"
	"blsm/pkg/iterator"
	"blsm/pkg/memtree"
	"blsm/pkg/mergemgr"
	"blsm/pkg/types"
)

// retryBackoff spaces retries after a failed force or commit so a sick disk
// does not spin the merge thread.
const retryBackoff = 100 * time.Millisecond

// MergeScheduler runs the two long-lived merge threads: mem merge
// (C0 -> C1) and disk merge (C1-mergeable -> C2).
type MergeScheduler struct {
	e  *Engine
	wg sync.WaitGroup
}

func NewMergeScheduler(e *Engine) *MergeScheduler {
	return &MergeScheduler{e: e}
}

// Start launches both merge threads.
func (s *MergeScheduler) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.memMergeThread()
	}()
	go func() {
		defer s.wg.Done()
		s.diskMergeThread()
	}()
}

// Shutdown stops the engine, joins both merge threads and releases file
// handles.
func (s *MergeScheduler) Shutdown() error {
	s.e.Stop()
	s.wg.Wait()
	return s.e.Close()
}

// memMergeThread merges C0 into a fresh C1 in a loop. Normal rounds
// snowshovel straight out of the live C0 through the batched revalidating
// iterator, which blocks until C0 is full; a flush freezes C0 into the
// mergeable slot and the next round drains the frozen tree instead.
func (s *MergeScheduler) memMergeThread() {
	e := s.e
	mergeCount := int64(0)

	for {
		e.header.WriteLock()
		e.mgr.NewMerge(mergemgr.LevelC1)
		if e.down.Load() && e.c0Mergeable == nil {
			e.c1Ready.Broadcast()
			e.header.WriteUnlock()
			return
		}
		e.mgr.StartingMerge(mergemgr.LevelC1)

		mergeStart := e.log.Offset()
		xid := e.log.Begin()

		itrA := e.c1.OpenIterator(nil)

		bloomTarget := e.mgr.TargetSize(mergemgr.LevelC1)
		if bloomTarget < e.opts.MaxC0Size {
			bloomTarget = e.opts.MaxC0Size
		}
		c1Prime, err := disktree.New(xid, e.opts.DataDir, e.treeOpts, bloomTarget/100, e.cache)
		if err != nil {
			slog.Error("failed to create c1 scratch component", "error", err)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}
		e.c1Prime = c1Prime
		e.bumpEpoch()
		e.c0IsMerging = true
		view := filterView{c1Mergeable: e.c1Mergeable, c2: e.c2}

		// The small side: the frozen tree when a flush handed one off,
		// otherwise the live C0 behind the batched iterator.
		frozen := e.c0Mergeable
		live := e.c0
		e.header.WriteUnlock()

		var itrB iterator.Iterator
		var srcTree *memtree.C0
		var gcTree *memtree.C0
		if frozen != nil {
			srcTree = frozen
			itrB = memtree.NewSnapshotIterator(frozen, nil)
		} else {
			srcTree = live
			gcTree = live
			itrB = memtree.NewBatchedRevalidatingIterator(live, &e.rbMut, e.opts.MaxC0Size, func() bool {
				return e.c0Flushing.Load() || e.down.Load()
			}, nil)
		}

		merr := e.mergeIterators(xid, itrA, itrB, c1Prime, view, mergemgr.LevelC1, false, gcTree)
		if merr == nil {
			merr = c1Prime.Force(xid)
		}
		itrA.Close()
		itrB.Close()

		e.header.WriteLock()
		if merr != nil {
			slog.Error("memory merge failed, retrying", "error", merr)
			e.c1Prime = nil
			e.bumpEpoch()
			c1Prime.Dealloc(xid)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}

		// Install: swap the slots first, keep the old run until the
		// commit sticks so a durable failure can roll everything back.
		oldC1 := e.c1
		e.c1 = c1Prime
		e.c1Prime = nil
		clearedFrozen := false
		if e.c0Mergeable == srcTree {
			// A frozen source drained completely. A live source that
			// was frozen mid-merge may hold updates the garbage
			// collector declined to remove; those stay for the next
			// round.
			e.rbMut.Lock()
			drained := frozen != nil || srcTree.Len() == 0
			e.rbMut.Unlock()
			if drained {
				e.c0Mergeable = nil
				clearedFrozen = true
			}
		}
		e.bumpEpoch()
		e.c0IsMerging = false
		if !e.down.Load() {
			e.c0Flushing.Store(false)
		}
		newC1Size := e.mgr.OutputSize(mergemgr.LevelC1)
		e.c0Needed.Broadcast()

		// The log only truncates when the source tree drained
		// completely; a bounded partial drain leaves tuples whose sole
		// durable copy is still the log.
		trunc := types.InvalidLSN
		if clearedFrozen {
			trunc = mergeStart
		}
		cerr := e.updatePersistentHeader(xid, trunc)
		if cerr == nil {
			cerr = e.log.Commit(xid)
		}
		if cerr != nil {
			slog.Error("memory merge commit failed, retrying", "error", cerr)
			e.c1 = oldC1
			if clearedFrozen {
				e.c0Mergeable = srcTree
			}
			e.bumpEpoch()
			c1Prime.Dealloc(xid)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}
		oldC1.Dealloc(xid)
		if clearedFrozen {
			if err := e.log.Truncate(mergeStart); err != nil {
				slog.Warn("log truncation failed", "error", err)
			}
		}

		mergeCount++
		if in := e.mgr.BytesInSmall(mergemgr.LevelC1); in > 0 {
			frac := 1.0 / float64(mergeCount)
			e.numC0Mergers = mergeCount
			e.meanC0RunLength = int64(float64(e.meanC0RunLength)*(1-frac) + float64(in)*frac)
		}
		e.mgr.SetTargetSize(mergemgr.LevelC1, int64(e.rVal*float64(e.meanC0RunLength)))
		e.logMergeDone(mergemgr.LevelC1, newC1Size)

		// Cascade when C1 outgrew its share of R.
		signalC2 := 1.05*float64(newC1Size)/float64(e.meanC0RunLength) > e.rVal
		if signalC2 {
			for e.c1Mergeable != nil && !e.down.Load() {
				e.c1Flushing.Store(true)
				e.c1Needed.Wait()
				e.c1Flushing.Store(false)
			}
			if e.c1Mergeable == nil {
				xid2 := e.log.Begin()
				e.c1Mergeable = e.c1
				e.bumpEpoch()
				e.mgr.HandedOffTree(mergemgr.LevelC1)

				freshC1, err := e.newEmptyComponent(xid2, 10)
				if err != nil {
					// Undo the promotion; C1 keeps absorbing merges
					// until a fresh component can be allocated.
					slog.Error("failed to allocate fresh c1", "error", err)
					e.c1Mergeable = nil
					e.bumpEpoch()
					e.log.Abort(xid2)
				} else {
					e.c1 = freshC1
					e.bumpEpoch()
					e.c1Ready.Signal()
					if err := e.updatePersistentHeader(xid2, 0); err == nil {
						err = e.log.Commit(xid2)
					} else {
						slog.Error("cascade commit failed", "error", err)
					}
				}
			}
		}

		// Seal before the unlock so a flush waiter observing the cleared
		// slot also observes the finished merge.
		e.mgr.FinishedMerge(mergemgr.LevelC1)
		e.header.WriteUnlock()
	}
}

// diskMergeThread merges C1-mergeable into a fresh C2 in a loop and
// recomputes R from the output.
func (s *MergeScheduler) diskMergeThread() {
	e := s.e

	for {
		e.header.WriteLock()
		e.mgr.NewMerge(mergemgr.LevelC2)
		for e.c1Mergeable == nil {
			e.c1Needed.Broadcast()
			if e.down.Load() {
				e.header.WriteUnlock()
				return
			}
			e.c1Ready.Wait()
		}
		e.mgr.StartingMerge(mergemgr.LevelC2)

		xid := e.log.Begin()
		itrA := e.c2.OpenIterator(nil)
		itrB := e.c1Mergeable.OpenIterator(nil)
		view := filterView{c1Mergeable: e.c1Mergeable, c2: e.c2}

		bloomTarget := (int64(float64(e.opts.MaxC0Size)*e.rVal) + e.mgr.BaseSize(mergemgr.LevelC2)) / 1000
		c2Prime, err := disktree.New(xid, e.opts.DataDir, e.treeOpts, bloomTarget, e.cache)
		if err != nil {
			slog.Error("failed to create c2 scratch component", "error", err)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}
		e.header.WriteUnlock()

		merr := e.mergeIterators(xid, itrA, itrB, c2Prime, view, mergemgr.LevelC2, true, nil)
		if merr == nil {
			merr = c2Prime.Force(xid)
		}
		itrA.Close()
		itrB.Close()

		e.header.WriteLock()
		if merr != nil {
			slog.Error("disk merge failed, retrying", "error", merr)
			c2Prime.Dealloc(xid)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}

		oldC2 := e.c2
		oldC1Mergeable := e.c1Mergeable
		e.c2 = c2Prime
		e.c1Mergeable = nil
		e.bumpEpoch()

		outputSize := e.mgr.OutputSize(mergemgr.LevelC2)
		e.rVal = math.Max(MinR, math.Sqrt(float64(outputSize)/float64(e.meanC0RunLength)))
		e.mgr.SetTargetSize(mergemgr.LevelC1, int64(e.rVal*float64(e.meanC0RunLength)))
		e.mgr.HandedOffTree(mergemgr.LevelC2)

		cerr := e.updatePersistentHeader(xid, 0)
		if cerr == nil {
			cerr = e.log.Commit(xid)
		}
		if cerr != nil {
			slog.Error("disk merge commit failed, retrying", "error", cerr)
			e.c2 = oldC2
			e.c1Mergeable = oldC1Mergeable
			e.bumpEpoch()
			c2Prime.Dealloc(xid)
			e.log.Abort(xid)
			e.header.WriteUnlock()
			time.Sleep(retryBackoff)
			continue
		}
		oldC2.Dealloc(xid)
		oldC1Mergeable.Dealloc(xid)
		e.c1Needed.Broadcast()
		e.logMergeDone(mergemgr.LevelC2, outputSize)

		e.mgr.FinishedMerge(mergemgr.LevelC2)
		e.header.WriteUnlock()
	}
}
