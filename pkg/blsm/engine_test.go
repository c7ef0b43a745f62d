package blsm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"blsm/pkg/dberrors"
	"blsm/pkg/tuple"
)

// openTestStore opens an engine with merge threads running and rate limiting
// off so tests are not paced.
func openTestStore(t *testing.T, dir string, maxC0 int64) (*Engine, *MergeScheduler) {
	t.Helper()
	e, err := Open(Options{
		DataDir:   dir,
		MaxC0Size: maxC0,
		MergeRate: -1,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s := NewMergeScheduler(e)
	s.Start()
	return e, s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_InsertLookup(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("k%04d", i)
		if err := e.Put([]byte(key), []byte(fmt.Sprintf("v%04d", i))); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	value, found, err := e.Get([]byte("k0500"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || !bytes.Equal(value, []byte("v0500")) {
		t.Fatalf("expected v0500, got %q found=%v", value, found)
	}

	_, found, err = e.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("expected missing key to be absent")
	}
}

func TestEngine_OverwriteAcrossMerge(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e.FlushTable()
	if err := e.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, found, err := e.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("Get failed: %v found=%v", err, found)
	}
	if !bytes.Equal(value, []byte("2")) {
		t.Fatalf("expected latest value 2, got %q", value)
	}

	it, err := e.Iterator()
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	defer it.Close()

	seen := 0
	for {
		tup, err := it.GetNext()
		if err != nil {
			t.Fatalf("GetNext failed: %v", err)
		}
		if tup == nil {
			break
		}
		if !bytes.Equal(tup.StrippedKey(), []byte("a")) {
			t.Fatalf("unexpected key %q", tup.StrippedKey())
		}
		if !bytes.Equal(tup.Value, []byte("2")) {
			t.Fatalf("expected value 2, got %q", tup.Value)
		}
		seen++
	}
	if seen != 1 {
		t.Fatalf("expected exactly one tuple for key a, got %d", seen)
	}
}

func TestEngine_TombstoneAcrossMerge(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	if err := e.Put([]byte("x"), []byte("X")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Put([]byte("y"), []byte("Y")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e.FlushTable()

	if err := e.Delete([]byte("x")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, found, err := e.Get([]byte("x")); err != nil || found {
		t.Fatalf("expected x deleted, found=%v err=%v", found, err)
	}

	it, err := e.Iterator()
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	tup, err := it.GetNext()
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if tup == nil || !bytes.Equal(tup.StrippedKey(), []byte("y")) {
		t.Fatalf("GetNext should skip the tombstone, got %v", tup)
	}
	it.Close()

	it, err = e.Iterator()
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	defer it.Close()
	tup, err = it.GetNextIncludingTombstones()
	if err != nil {
		t.Fatalf("GetNextIncludingTombstones failed: %v", err)
	}
	if tup == nil || !bytes.Equal(tup.StrippedKey(), []byte("x")) || !tup.Delete {
		t.Fatalf("expected tombstone for x, got %v", tup)
	}
}

func TestEngine_FindTupleFirstSeesTombstones(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := e.FindTuple([]byte("k"))
	if err != nil || got != nil {
		t.Fatalf("FindTuple should suppress tombstones, got %v err=%v", got, err)
	}

	first, err := e.FindTupleFirst([]byte("k"))
	if err != nil {
		t.Fatalf("FindTupleFirst failed: %v", err)
	}
	if first == nil || !first.Delete {
		t.Fatalf("expected visible tombstone, got %v", first)
	}
}

func TestEngine_TestAndSet(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	// Absent key, nil probe: insert wins.
	ok, err := e.TestAndSetTuple(tuple.New([]byte("k"), []byte("v1"), 0), nil)
	if err != nil || !ok {
		t.Fatalf("expected insert into absent key, ok=%v err=%v", ok, err)
	}

	// Present key, nil probe: refused.
	ok, err = e.TestAndSetTuple(tuple.New([]byte("k"), []byte("v2"), 0), nil)
	if err != nil {
		t.Fatalf("TestAndSetTuple failed: %v", err)
	}
	if ok {
		t.Fatal("expected refusal when key exists and probe is nil")
	}

	// Wrong expected value: refused.
	probe := tuple.New([]byte("k"), []byte("wrong"), 0)
	ok, err = e.TestAndSetTuple(tuple.New([]byte("k"), []byte("v2"), 0), probe)
	if err != nil || ok {
		t.Fatalf("expected mismatch refusal, ok=%v err=%v", ok, err)
	}

	// Matching expected value: replaced.
	probe = tuple.New([]byte("k"), []byte("v1"), 0)
	ok, err = e.TestAndSetTuple(tuple.New([]byte("k"), []byte("v2"), 0), probe)
	if err != nil || !ok {
		t.Fatalf("expected conditional replace, ok=%v err=%v", ok, err)
	}
	value, _, err := e.Get([]byte("k"))
	if err != nil || !bytes.Equal(value, []byte("v2")) {
		t.Fatalf("expected v2, got %q err=%v", value, err)
	}

	// Probe key differs from target key.
	if err := e.Put([]byte("gate"), []byte("open")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	probe = tuple.New([]byte("gate"), []byte("open"), 0)
	ok, err = e.TestAndSetTuple(tuple.New([]byte("k"), []byte("v3"), 0), probe)
	if err != nil || !ok {
		t.Fatalf("expected cross-key set, ok=%v err=%v", ok, err)
	}
}

func TestEngine_OperationsAfterStop(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := e.Put([]byte("late"), []byte("v")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from Put, got %v", err)
	}
	if _, err := e.FindTuple([]byte("k")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from FindTuple, got %v", err)
	}
	if _, err := e.Iterator(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from Iterator, got %v", err)
	}
}

func TestEngine_InsertManyTuples(t *testing.T) {
	e, s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Shutdown()

	batch := []*tuple.Tuple{
		tuple.New([]byte("a"), []byte("1"), 0),
		tuple.New([]byte("b"), []byte("2"), 0),
		tuple.New([]byte("c"), []byte("3"), 0),
	}
	if err := e.InsertManyTuples(batch); err != nil {
		t.Fatalf("InsertManyTuples failed: %v", err)
	}
	for _, want := range batch {
		value, found, err := e.Get(want.Key)
		if err != nil || !found || !bytes.Equal(value, want.Value) {
			t.Fatalf("lookup %q: %q found=%v err=%v", want.Key, value, found, err)
		}
	}
}
