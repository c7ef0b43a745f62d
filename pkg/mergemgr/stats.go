package mergemgr

import (
	"sync"
	"time"

	"blsm/pkg/tuple"
)

// Merge levels. Level 0 is the in-memory component; its stats track bytes
// consumed by the mem merge rather than a merge of its own.
const (
	LevelC0 = 0
	LevelC1 = 1
	LevelC2 = 2

	numLevels = 3
)

// ForceInterval is the byte budget a merge may write between rate-limiter
// charges.
const ForceInterval = 1 << 20

// Stats carries the per-level merge counters. The merge thread owning the
// level drives them, except that the disk merge also sets the level-1 target
// size; the engine reads snapshots to size components and decide cascades.
type Stats struct {
	mu sync.Mutex

	MergeLevel int

	BytesInSmall int64
	BytesInLarge int64
	BytesOut     int64
	TuplesMerged int64

	TargetSize  int64
	BaseSize    int64
	OutputSize  int64
	CurrentSize int64

	MergeCount int64
	Active     bool
	StartedAt  time.Time
}

// Snapshot is a copy of the counters safe to hand to readers.
type Snapshot struct {
	MergeLevel   int   `json:"merge_level"`
	BytesInSmall int64 `json:"bytes_in_small"`
	BytesInLarge int64 `json:"bytes_in_large"`
	BytesOut     int64 `json:"bytes_out"`
	TuplesMerged int64 `json:"tuples_merged"`
	TargetSize   int64 `json:"target_size"`
	BaseSize     int64 `json:"base_size"`
	OutputSize   int64 `json:"output_size"`
	CurrentSize  int64 `json:"current_size"`
	MergeCount   int64 `json:"merge_count"`
	Active       bool  `json:"active"`
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		MergeLevel:   s.MergeLevel,
		BytesInSmall: s.BytesInSmall,
		BytesInLarge: s.BytesInLarge,
		BytesOut:     s.BytesOut,
		TuplesMerged: s.TuplesMerged,
		TargetSize:   s.TargetSize,
		BaseSize:     s.BaseSize,
		OutputSize:   s.OutputSize,
		CurrentSize:  s.CurrentSize,
		MergeCount:   s.MergeCount,
		Active:       s.Active,
	}
}

func (s *Stats) newMerge() {
	s.mu.Lock()
	s.BytesInSmall = 0
	s.BytesInLarge = 0
	s.BytesOut = 0
	s.TuplesMerged = 0
	s.OutputSize = 0
	s.Active = false
	s.mu.Unlock()
}

func (s *Stats) startingMerge() {
	s.mu.Lock()
	s.StartedAt = time.Now()
	s.BaseSize = s.CurrentSize
	s.Active = true
	s.mu.Unlock()
}

func (s *Stats) readTuple(small bool, t *tuple.Tuple) {
	if t == nil {
		return
	}
	s.mu.Lock()
	if small {
		s.BytesInSmall += t.ByteLength()
	} else {
		s.BytesInLarge += t.ByteLength()
	}
	s.mu.Unlock()
}

func (s *Stats) wroteTuple(t *tuple.Tuple) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.BytesOut += t.ByteLength()
	s.OutputSize = s.BytesOut
	s.mu.Unlock()
}

func (s *Stats) mergedTuples() {
	s.mu.Lock()
	s.TuplesMerged++
	s.mu.Unlock()
}

func (s *Stats) handedOffTree() {
	s.mu.Lock()
	s.BaseSize = s.CurrentSize
	s.mu.Unlock()
}

func (s *Stats) finishedMerge() {
	s.mu.Lock()
	s.CurrentSize = s.BytesOut
	s.MergeCount++
	s.Active = false
	s.mu.Unlock()
}
