package blsm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"blsm/pkg/clock"
	"blsm/pkg/dberrors"
	"blsm/pkg/disktree"
	"blsm/pkg/logstore"
	"blsm/pkg/memtree"
	"blsm/pkg/mergemgr"
	"blsm/pkg/metrics"
	"blsm/pkg/ratelimit"
	"blsm/pkg/tuple"
	"blsm/pkg/types"
)

// MinR is the floor of the disk-to-memory size ratio.
const MinR = 3.0

// Defaults for the engine tunables.
const (
	DefaultMaxC0Size          = 100 * 1024 * 1024
	DefaultInternalRegionSize = 16384
	DefaultDatapageRegionSize = 256000
	DefaultDatapageSize       = 1
	DefaultPageCachePages     = 256
)

// Options configure an engine. Zero values fall back to the defaults above.
type Options struct {
	DataDir string

	MaxC0Size          int64
	InternalRegionSize int64
	DatapageRegionSize int64
	DatapageSize       int64

	// LogMode selects the logstore sync policy.
	LogMode int

	// MergeRate paces merge writes in bytes per second. Zero uses the
	// default; negative disables rate limiting.
	MergeRate float64

	// Expiry drops tuples older than this many timestamp ticks during
	// merges. Zero keeps everything.
	Expiry uint64

	PageCachePages int

	Codec     tuple.Codec
	Merger    tuple.Merger
	Collector metrics.Collector
}

func (o *Options) withDefaults() error {
	if o.DataDir == "" {
		return dberrors.ErrInvalidArgument
	}
	if o.MaxC0Size < 0 || o.InternalRegionSize < 0 || o.DatapageRegionSize < 0 || o.DatapageSize < 0 {
		return dberrors.ErrInvalidArgument
	}
	if o.MaxC0Size == 0 {
		o.MaxC0Size = DefaultMaxC0Size
	}
	if o.InternalRegionSize == 0 {
		o.InternalRegionSize = DefaultInternalRegionSize
	}
	if o.DatapageRegionSize == 0 {
		o.DatapageRegionSize = DefaultDatapageRegionSize
	}
	if o.DatapageSize == 0 {
		o.DatapageSize = DefaultDatapageSize
	}
	if o.PageCachePages == 0 {
		o.PageCachePages = DefaultPageCachePages
	}
	if o.Codec == nil {
		o.Codec = tuple.IdentityCodec{}
	}
	if o.Merger == nil {
		o.Merger = tuple.LastWriterWins{}
	}
	if o.Collector == nil {
		o.Collector = metrics.Nop{}
	}
	return nil
}

// Engine owns the component slots and the locks, condition variables and
// epoch that coordinate the two merge threads with writers and snapshot
// iterators.
type Engine struct {
	opts     Options
	treeOpts disktree.Options

	header *rwlc
	rbMut  sync.Mutex

	// component slots, guarded by the header lock
	c0          *memtree.C0
	c0Mergeable *memtree.C0
	c1          *disktree.Component
	c1Prime     *disktree.Component
	c1Mergeable *disktree.Component
	c2          *disktree.Component

	c0IsMerging bool
	c0Flushing  atomic.Bool
	c1Flushing  atomic.Bool
	down        atomic.Bool

	// header-lock condition variables (writer token)
	c0Needed *cond
	c0Ready  *cond
	c1Needed *cond
	c1Ready  *cond

	epoch   *clock.AtomicClock
	tsClock *clock.AtomicClock

	// merge tuning state, guarded by the header lock
	rVal            float64
	meanC0RunLength int64
	numC0Mergers    int64
	logTrunc        types.LSN

	log     *logstore.Store
	mgr     *mergemgr.Manager
	limiter *ratelimit.Limiter
	cache   *disktree.PageCache

	// registered snapshot iterators, guarded by rb_mut
	iters map[*Iterator]struct{}
}

// Open creates or reopens a store under opts.DataDir and recovers its
// durable state. Merge threads are not started; wire a MergeScheduler.
func Open(opts Options) (*Engine, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	log, err := logstore.Open(opts.DataDir, opts.LogMode)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if opts.MergeRate >= 0 {
		rate := opts.MergeRate
		if rate == 0 {
			rate = ratelimit.DefaultRate
		}
		limiter, err = ratelimit.New(rate, ratelimit.DefaultMaxPermits)
		if err != nil {
			log.Close()
			return nil, err
		}
	}

	e := &Engine{
		opts: opts,
		treeOpts: disktree.Options{
			InternalRegionSize: opts.InternalRegionSize,
			DatapageRegionSize: opts.DatapageRegionSize,
			DatapageSize:       opts.DatapageSize,
		},
		header:  newRWLC(),
		epoch:   clock.NewAtomic(0),
		tsClock: clock.NewAtomic(0),
		rVal:    MinR,
		log:     log,
		mgr:     mergemgr.New(opts.Collector),
		limiter: limiter,
		cache:   disktree.NewPageCache(opts.PageCachePages),
		iters:   make(map[*Iterator]struct{}),
	}
	e.c0 = memtree.New(&e.rbMut, opts.MaxC0Size)
	e.c0Needed = e.header.NewCond()
	e.c0Ready = e.header.NewCond()
	e.c1Needed = e.header.NewCond()
	e.c1Ready = e.header.NewCond()

	if err := e.recover(); err != nil {
		log.Close()
		return nil, err
	}
	return e, nil
}

// recover reopens the components named by the persistent header and replays
// the log past the truncation point into C0.
func (e *Engine) recover() error {
	h, ok, err := loadHeader(e.opts.DataDir)
	if err != nil {
		return err
	}
	if ok {
		c1, err := disktree.Open(e.opts.DataDir, h.C1, e.treeOpts, e.cache)
		if err != nil {
			return fmt.Errorf("failed to reopen c1: %w", err)
		}
		c2, err := disktree.Open(e.opts.DataDir, h.C2, e.treeOpts, e.cache)
		if err != nil {
			c1.Close()
			return fmt.Errorf("failed to reopen c2: %w", err)
		}
		e.c1, e.c2 = c1, c2
		if h.C1Mergeable != nil {
			c1m, err := disktree.Open(e.opts.DataDir, *h.C1Mergeable, e.treeOpts, e.cache)
			if err != nil {
				c1.Close()
				c2.Close()
				return fmt.Errorf("failed to reopen c1 mergeable: %w", err)
			}
			e.c1Mergeable = c1m
		}
		e.mgr.Restore(h.MergeManager)
		if h.RVal >= MinR {
			e.rVal = h.RVal
		}
		e.meanC0RunLength = h.MeanC0RunLength
		e.logTrunc = h.LogTrunc
	} else {
		if e.c1, err = e.newEmptyComponent(0, 10); err != nil {
			return err
		}
		if e.c2, err = e.newEmptyComponent(0, 10); err != nil {
			return err
		}
		e.meanC0RunLength = e.opts.MaxC0Size
		if err := e.updatePersistentHeader(0, types.InvalidLSN); err != nil {
			return err
		}
	}

	maxTS := uint64(0)
	err = e.log.Replay(e.logTrunc, func(entry logstore.Entry) error {
		var t *tuple.Tuple
		if entry.Delete {
			t = tuple.NewDelete(entry.Key, entry.Timestamp)
		} else {
			t = tuple.New(entry.Key, entry.Value, entry.Timestamp)
		}
		tuple.Apply(e.opts.Codec, t)
		e.rbMut.Lock()
		e.c0.Insert(t)
		e.rbMut.Unlock()
		if entry.Timestamp > maxTS {
			maxTS = entry.Timestamp
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.tsClock.Set(maxTS)
	return nil
}

// newEmptyComponent creates and seals an empty run so it can be iterated and
// installed as a fresh C1 or C2.
func (e *Engine) newEmptyComponent(xid types.Xid, bloomTarget int64) (*disktree.Component, error) {
	c, err := disktree.New(xid, e.opts.DataDir, e.treeOpts, bloomTarget, e.cache)
	if err != nil {
		return nil, err
	}
	if err := c.WritesDone(); err != nil {
		c.Dealloc(xid)
		return nil, err
	}
	if err := c.Force(xid); err != nil {
		c.Dealloc(xid)
		return nil, err
	}
	return c, nil
}

func (e *Engine) bumpEpoch() {
	e.epoch.Next()
}

// Epoch reads the slot-mutation counter snapshot iterators validate against.
func (e *Engine) Epoch() uint64 {
	return e.epoch.Val()
}

// R reads the current disk-to-memory target ratio.
func (e *Engine) R() float64 {
	e.header.ReadLock()
	defer e.header.ReadUnlock()
	return e.rVal
}

// MeanC0RunLength reads the moving average of bytes per mem merge.
func (e *Engine) MeanC0RunLength() int64 {
	e.header.ReadLock()
	defer e.header.ReadUnlock()
	return e.meanC0RunLength
}

// Manager exposes the merge statistics for stats surfaces.
func (e *Engine) Manager() *mergemgr.Manager {
	return e.mgr
}

// InsertTuple journals and applies one write. It may block on c0_needed when
// C0 is over budget while the previous C0 is still draining; that
// back-pressure is the only throttle writers ever see.
func (e *Engine) InsertTuple(t *tuple.Tuple) error {
	if e.down.Load() {
		return dberrors.ErrClosed
	}
	tuple.Apply(e.opts.Codec, t)
	if t.Timestamp == 0 {
		t.Timestamp = e.tsClock.Next()
	}
	return e.insertTupleHelper(t)
}

func (e *Engine) insertTupleHelper(t *tuple.Tuple) error {
	e.header.ReadLock()
	e.rbMut.Lock()
	blocked := e.c0Mergeable != nil && e.c0.Bytes() >= e.opts.MaxC0Size
	if blocked {
		e.rbMut.Unlock()
		e.header.ReadUnlock()

		e.header.WriteLock()
		for e.c0Mergeable != nil && e.c0OverBudget() && !e.down.Load() {
			e.c0Needed.Wait()
		}
		down := e.down.Load()
		e.header.WriteUnlock()
		if down {
			return dberrors.ErrClosed
		}
		e.header.ReadLock()
		e.rbMut.Lock()
	}
	// Journal and apply under rb_mut so the merge's truncation check
	// never sees a logged update whose tuple has not reached C0 yet.
	if _, err := e.log.Append(logstore.Entry{
		Timestamp: t.Timestamp,
		Delete:    t.Delete,
		Key:       t.Key,
		Value:     t.Value,
	}); err != nil {
		e.rbMut.Unlock()
		e.header.ReadUnlock()
		return err
	}
	e.c0.Insert(t)
	e.opts.Collector.SetGauge("c0.bytes", float64(e.c0.Bytes()))
	e.rbMut.Unlock()
	e.header.ReadUnlock()
	return nil
}

// c0OverBudget is called with the header write lock held.
func (e *Engine) c0OverBudget() bool {
	e.rbMut.Lock()
	over := e.c0.Bytes() >= e.opts.MaxC0Size
	e.rbMut.Unlock()
	return over
}

// InsertManyTuples applies a batch in order. Not atomic: a failure leaves
// the prefix applied.
func (e *Engine) InsertManyTuples(ts []*tuple.Tuple) error {
	for _, t := range ts {
		if err := e.InsertTuple(t); err != nil {
			return err
		}
	}
	return nil
}

// TestAndSetTuple inserts t when the current version under the probed key
// matches probe's value (or when probe is nil and the key is absent). The
// probe key may differ from t's key, so one key can be set based on another.
// Not atomic with respect to other writers; callers needing atomicity must
// serialize externally.
func (e *Engine) TestAndSetTuple(t, probe *tuple.Tuple) (bool, error) {
	if e.down.Load() {
		return false, dberrors.ErrClosed
	}
	probeKey := t.Key
	if probe != nil {
		probeKey = probe.Key
	}
	cur, err := e.FindTuple(probeKey)
	if err != nil {
		return false, err
	}
	match := false
	if probe == nil {
		match = cur == nil
	} else {
		match = cur != nil && cur.ValueEqual(probe)
	}
	if !match {
		return false, nil
	}
	return true, e.InsertTuple(t)
}

// FindTuple returns the live value under key, nil when absent or deleted.
func (e *Engine) FindTuple(key []byte) (*tuple.Tuple, error) {
	t, err := e.findTuple(key)
	if err != nil || t == nil {
		return nil, err
	}
	if t.Delete {
		return nil, nil
	}
	return t, nil
}

// FindTupleFirst returns the newest version under key including tombstones.
func (e *Engine) FindTupleFirst(key []byte) (*tuple.Tuple, error) {
	return e.findTuple(key)
}

func (e *Engine) findTuple(key []byte) (*tuple.Tuple, error) {
	if e.down.Load() {
		return nil, dberrors.ErrClosed
	}
	probe := tuple.Apply(e.opts.Codec, tuple.New(key, nil, 0))
	stripped := probe.StrippedKey()

	e.header.ReadLock()
	defer e.header.ReadUnlock()

	e.rbMut.Lock()
	if t := e.c0.Find(stripped); t != nil {
		e.rbMut.Unlock()
		return t.Copy(), nil
	}
	if e.c0Mergeable != nil {
		if t := e.c0Mergeable.Find(stripped); t != nil {
			e.rbMut.Unlock()
			return t.Copy(), nil
		}
	}
	e.rbMut.Unlock()

	for _, c := range []*disktree.Component{e.c1Prime, e.c1, e.c1Mergeable, e.c2} {
		if c == nil {
			continue
		}
		t, err := c.Find(stripped)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// Put stores value under key.
func (e *Engine) Put(key, value []byte) error {
	return e.InsertTuple(tuple.New(key, value, 0))
}

// Get returns the live value under key.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	t, err := e.FindTuple(key)
	if err != nil || t == nil {
		return nil, false, err
	}
	return t.Value, true, nil
}

// Delete writes a tombstone under key.
func (e *Engine) Delete(key []byte) error {
	return e.InsertTuple(tuple.NewDelete(key, 0))
}

// FlushTable freezes C0 into the mergeable slot and wakes the mem merge so
// everything buffered in memory reaches disk on the next merge.
func (e *Engine) FlushTable() {
	e.header.WriteLock()
	e.flushTableLocked()
	e.header.WriteUnlock()
}

// flushTableLocked runs with the header write lock held. During shutdown a
// still-pending frozen tree wins: anything left in the live C0 stays
// recoverable through the log.
func (e *Engine) flushTableLocked() {
	for e.c0Mergeable != nil && !e.down.Load() {
		e.c0Needed.Wait()
	}
	if e.c0Mergeable != nil {
		return
	}
	e.rbMut.Lock()
	if e.c0.Len() == 0 {
		e.rbMut.Unlock()
		return
	}
	frozen := e.c0
	e.c0 = memtree.New(&e.rbMut, e.opts.MaxC0Size)
	e.c0Mergeable = frozen
	e.c0IsMerging = true
	e.c0Flushing.Store(true)
	frozen.Broadcast()
	e.rbMut.Unlock()
	e.bumpEpoch()
	e.c0Ready.Signal()

	// A user flush is synchronous: wait until the mem merge lands the
	// frozen tree in C1. Shutdown skips the wait; the scheduler join
	// covers it.
	for e.c0Mergeable != nil && !e.down.Load() {
		e.c0Needed.Wait()
	}
}

// Stop flushes C0, marks the engine as shutting down and wakes every blocked
// thread. Merge threads drain the flush and exit; the scheduler joins them.
// Open snapshot iterators must be closed before calling Stop.
func (e *Engine) Stop() {
	e.header.WriteLock()
	if !e.down.Load() {
		e.down.Store(true)
		e.flushTableLocked()
		e.c0Flushing.Store(true)
		e.c1Flushing.Store(true)

		e.rbMut.Lock()
		e.c0.Broadcast()
		for it := range e.iters {
			it.invalidateForShutdown()
		}
		e.rbMut.Unlock()

		e.c0Needed.Broadcast()
		e.c0Ready.Broadcast()
		e.c1Needed.Broadcast()
		e.c1Ready.Broadcast()
	}
	e.header.WriteUnlock()
}

// Close releases file handles after the merge threads have exited.
func (e *Engine) Close() error {
	e.header.WriteLock()
	defer e.header.WriteUnlock()
	for _, c := range []*disktree.Component{e.c1Prime, e.c1, e.c1Mergeable, e.c2} {
		if c != nil {
			c.Close()
		}
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	return nil
}

// updatePersistentHeader writes the header record reflecting the current
// slots. When logTrunc is non-zero the log-truncation point advances to it.
// Runs with the header write lock held, inside a merge transaction.
func (e *Engine) updatePersistentHeader(xid types.Xid, logTrunc types.LSN) error {
	_ = xid
	if logTrunc != types.InvalidLSN {
		e.logTrunc = logTrunc
	}
	h := tableHeader{
		C1:              e.c1.Descriptor(),
		C2:              e.c2.Descriptor(),
		MergeManager:    e.mgr.PersistentState(),
		RVal:            e.rVal,
		MeanC0RunLength: e.meanC0RunLength,
		LogTrunc:        e.logTrunc,
	}
	if e.c1Mergeable != nil {
		d := e.c1Mergeable.Descriptor()
		h.C1Mergeable = &d
	}
	return writeHeader(e.opts.DataDir, h)
}

func (e *Engine) registerIterator(it *Iterator) {
	e.rbMut.Lock()
	e.iters[it] = struct{}{}
	e.rbMut.Unlock()
}

func (e *Engine) forgetIterator(it *Iterator) {
	e.rbMut.Lock()
	delete(e.iters, it)
	e.rbMut.Unlock()
}

func (e *Engine) logMergeDone(level int, outBytes int64) {
	slog.Info("merge done",
		"level", level,
		"bytes_out", outBytes,
		"r", e.rVal,
		"mean_c0_run_length", e.meanC0RunLength,
	)
}
