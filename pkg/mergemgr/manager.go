package mergemgr

import (
	"fmt"

	"blsm/pkg/metrics"
	"blsm/pkg/tuple"
)

// Manager owns one Stats record per merge level and mirrors merge progress
// into the metrics collector. Merge threads drive it; the engine reads it to
// compute ratios and decide whether to cascade.
type Manager struct {
	levels    [numLevels]*Stats
	collector metrics.Collector
}

func New(collector metrics.Collector) *Manager {
	if collector == nil {
		collector = metrics.Nop{}
	}
	m := &Manager{collector: collector}
	for i := range m.levels {
		m.levels[i] = &Stats{MergeLevel: i}
	}
	return m
}

func (m *Manager) stats(level int) *Stats {
	return m.levels[level]
}

// NewMerge resets the in-progress counters of a level.
func (m *Manager) NewMerge(level int) {
	m.stats(level).newMerge()
}

// StartingMerge stamps the merge start and input base size.
func (m *Manager) StartingMerge(level int) {
	m.stats(level).startingMerge()
}

// ReadTupleFromSmallComponent accounts a tuple consumed from the newer input.
func (m *Manager) ReadTupleFromSmallComponent(level int, t *tuple.Tuple) {
	m.stats(level).readTuple(true, t)
}

// ReadTupleFromLargeComponent accounts a tuple consumed from the older input.
func (m *Manager) ReadTupleFromLargeComponent(level int, t *tuple.Tuple) {
	m.stats(level).readTuple(false, t)
}

// WroteTuple accounts a tuple written to the scratch output.
func (m *Manager) WroteTuple(level int, t *tuple.Tuple) {
	m.stats(level).wroteTuple(t)
}

// MergedTuples records that two same-key versions collapsed into one.
func (m *Manager) MergedTuples(level int, merged, small, large *tuple.Tuple) {
	_ = merged
	_ = small
	_ = large
	m.stats(level).mergedTuples()
}

// HandedOffTree marks the merge output durable and promotes it to the
// level's base.
func (m *Manager) HandedOffTree(level int) {
	m.stats(level).handedOffTree()
}

// FinishedMerge seals the level's counters.
func (m *Manager) FinishedMerge(level int) {
	s := m.stats(level)
	s.finishedMerge()

	snap := s.snapshot()
	prefix := fmt.Sprintf("merge.l%d.", level)
	m.collector.IncCounter(prefix+"count", 1)
	m.collector.IncCounter(prefix+"bytes_out", float64(snap.BytesOut))
	m.collector.SetGauge(prefix+"current_size", float64(snap.CurrentSize))
}

// SetTargetSize records the size a level's next merge output should reach.
func (m *Manager) SetTargetSize(level int, v int64) {
	s := m.stats(level)
	s.mu.Lock()
	s.TargetSize = v
	s.mu.Unlock()
}

// SetCurrentSize overrides a level's current size, used when reopening
// components from the persistent header.
func (m *Manager) SetCurrentSize(level int, v int64) {
	s := m.stats(level)
	s.mu.Lock()
	s.CurrentSize = v
	s.mu.Unlock()
}

// Level returns a snapshot of one level's counters.
func (m *Manager) Level(level int) Snapshot {
	return m.stats(level).snapshot()
}

// TargetSize reads a level's target size.
func (m *Manager) TargetSize(level int) int64 {
	s := m.stats(level)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TargetSize
}

// BaseSize reads a level's base size.
func (m *Manager) BaseSize(level int) int64 {
	s := m.stats(level)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BaseSize
}

// OutputSize reads the bytes written by a level's last or current merge.
func (m *Manager) OutputSize(level int) int64 {
	s := m.stats(level)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OutputSize
}

// BytesInSmall reads the bytes a level's merge consumed from its newer input.
func (m *Manager) BytesInSmall(level int) int64 {
	s := m.stats(level)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BytesInSmall
}

// State is the serializable slice of the manager stored in the persistent
// header.
type State struct {
	Levels [numLevels]LevelState `json:"levels"`
}

// LevelState survives restarts; in-progress counters do not.
type LevelState struct {
	TargetSize  int64 `json:"target_size"`
	BaseSize    int64 `json:"base_size"`
	CurrentSize int64 `json:"current_size"`
	MergeCount  int64 `json:"merge_count"`
}

// PersistentState captures the durable slice of every level.
func (m *Manager) PersistentState() State {
	var st State
	for i, s := range m.levels {
		snap := s.snapshot()
		st.Levels[i] = LevelState{
			TargetSize:  snap.TargetSize,
			BaseSize:    snap.BaseSize,
			CurrentSize: snap.CurrentSize,
			MergeCount:  snap.MergeCount,
		}
	}
	return st
}

// Restore reloads the durable slice written by PersistentState.
func (m *Manager) Restore(st State) {
	for i, ls := range st.Levels {
		s := m.levels[i]
		s.mu.Lock()
		s.TargetSize = ls.TargetSize
		s.BaseSize = ls.BaseSize
		s.CurrentSize = ls.CurrentSize
		s.MergeCount = ls.MergeCount
		s.mu.Unlock()
	}
}
