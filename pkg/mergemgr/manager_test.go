package mergemgr

import (
	"testing"

	"blsm/pkg/metrics"
	"blsm/pkg/tuple"
)

func TestManager_MergeLifecycle(t *testing.T) {
	collector := metrics.NewInMemory()
	m := New(collector)

	m.NewMerge(LevelC1)
	m.StartingMerge(LevelC1)

	small := tuple.New([]byte("a"), []byte("1"), 1)
	large := tuple.New([]byte("b"), []byte("22"), 2)

	m.ReadTupleFromSmallComponent(LevelC1, small)
	m.ReadTupleFromLargeComponent(LevelC1, large)
	m.WroteTuple(LevelC1, small)
	m.WroteTuple(LevelC1, large)
	m.FinishedMerge(LevelC1)

	snap := m.Level(LevelC1)
	if snap.BytesInSmall != small.ByteLength() {
		t.Fatalf("bytes in small: expected %d, got %d", small.ByteLength(), snap.BytesInSmall)
	}
	if snap.BytesInLarge != large.ByteLength() {
		t.Fatalf("bytes in large: expected %d, got %d", large.ByteLength(), snap.BytesInLarge)
	}
	wantOut := small.ByteLength() + large.ByteLength()
	if snap.BytesOut != wantOut || snap.CurrentSize != wantOut {
		t.Fatalf("bytes out: expected %d, got %d (current %d)", wantOut, snap.BytesOut, snap.CurrentSize)
	}
	if snap.MergeCount != 1 || snap.Active {
		t.Fatalf("expected one sealed merge, got %+v", snap)
	}
	if collector.Counter("merge.l1.count") != 1 {
		t.Fatal("merge count not reported to collector")
	}

	// A new merge resets the in-progress counters but keeps sizes.
	m.NewMerge(LevelC1)
	snap = m.Level(LevelC1)
	if snap.BytesOut != 0 || snap.BytesInSmall != 0 {
		t.Fatalf("expected reset counters, got %+v", snap)
	}
	if snap.CurrentSize != wantOut {
		t.Fatalf("current size must survive reset, got %d", snap.CurrentSize)
	}
}

func TestManager_NilTuplesIgnored(t *testing.T) {
	m := New(nil)
	m.NewMerge(LevelC2)
	m.ReadTupleFromLargeComponent(LevelC2, nil)
	m.ReadTupleFromSmallComponent(LevelC2, nil)
	m.WroteTuple(LevelC2, nil)
	if snap := m.Level(LevelC2); snap.BytesOut != 0 || snap.BytesInLarge != 0 {
		t.Fatalf("nil tuples must not account bytes: %+v", snap)
	}
}

func TestManager_StateRoundTrip(t *testing.T) {
	m := New(nil)
	m.SetTargetSize(LevelC1, 12345)
	m.SetCurrentSize(LevelC2, 99)

	st := m.PersistentState()

	m2 := New(nil)
	m2.Restore(st)
	if m2.TargetSize(LevelC1) != 12345 {
		t.Fatalf("target size lost: %d", m2.TargetSize(LevelC1))
	}
	if m2.Level(LevelC2).CurrentSize != 99 {
		t.Fatalf("current size lost: %d", m2.Level(LevelC2).CurrentSize)
	}
}
