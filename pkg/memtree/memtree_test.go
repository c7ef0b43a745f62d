package memtree

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blsm/pkg/tuple"
)

func TestC0_InsertFindReplace(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	mu.Lock()
	defer mu.Unlock()

	if old := c0.Insert(tuple.New([]byte("k"), []byte("v1"), 1)); old != nil {
		t.Fatal("expected no previous version")
	}
	old := c0.Insert(tuple.New([]byte("k"), []byte("v2"), 2))
	if old == nil || !bytes.Equal(old.Value, []byte("v1")) {
		t.Fatalf("expected replaced v1, got %v", old)
	}

	got := c0.Find([]byte("k"))
	if got == nil || !bytes.Equal(got.Value, []byte("v2")) {
		t.Fatalf("expected v2, got %v", got)
	}
	if c0.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c0.Len())
	}
}

func TestC0_BytesAccounting(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	mu.Lock()
	defer mu.Unlock()

	a := tuple.New([]byte("a"), []byte("1111"), 1)
	c0.Insert(a)
	if c0.Bytes() != a.ByteLength() {
		t.Fatalf("expected %d bytes, got %d", a.ByteLength(), c0.Bytes())
	}

	b := tuple.New([]byte("a"), []byte("22"), 2)
	c0.Insert(b)
	if c0.Bytes() != b.ByteLength() {
		t.Fatalf("replace should swap accounting, got %d", c0.Bytes())
	}

	c0.RemoveIfIdentical(b)
	if c0.Bytes() != 0 || c0.Len() != 0 {
		t.Fatalf("expected empty tree, got %d bytes %d entries", c0.Bytes(), c0.Len())
	}
}

func TestC0_RemoveIfIdentical_SkipsNewerVersion(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	mu.Lock()
	defer mu.Unlock()

	merged := tuple.New([]byte("k"), []byte("old"), 1)
	c0.Insert(merged)
	// A writer raced the merge and replaced the entry.
	c0.Insert(tuple.New([]byte("k"), []byte("new"), 2))

	if c0.RemoveIfIdentical(merged) {
		t.Fatal("must not remove a newer version")
	}
	if got := c0.Find([]byte("k")); got == nil || !bytes.Equal(got.Value, []byte("new")) {
		t.Fatalf("newer version lost: %v", got)
	}
}

func TestSnapshotIterator_OrderAndStartKey(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	mu.Lock()
	for i := 9; i >= 0; i-- {
		c0.Insert(tuple.New([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), uint64(i+1)))
	}
	mu.Unlock()

	it := NewSnapshotIterator(c0, []byte("k03"))
	var keys []string
	for {
		tup, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if tup == nil {
			break
		}
		keys = append(keys, string(tup.StrippedKey()))
	}
	if len(keys) != 7 {
		t.Fatalf("expected 7 keys from k03, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("out of order: %s then %s", keys[i-1], keys[i])
		}
	}
}

func TestBatchedIterator_ReaderMode(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	mu.Lock()
	for i := 0; i < 250; i++ {
		c0.Insert(tuple.New([]byte(fmt.Sprintf("k%04d", i)), []byte("v"), uint64(i+1)))
	}
	mu.Unlock()

	it := NewBatchedRevalidatingIterator(c0, &mu, 0, nil, nil)
	count := 0
	last := ""
	for {
		tup, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if tup == nil {
			break
		}
		key := string(tup.StrippedKey())
		if last != "" && key <= last {
			t.Fatalf("out of order: %s then %s", last, key)
		}
		last = key
		count++
	}
	if count != 250 {
		t.Fatalf("expected 250 tuples, got %d", count)
	}
}

func TestBatchedIterator_WaitsUntilFullOrAborted(t *testing.T) {
	var mu sync.Mutex
	c0 := New(&mu, 1<<20)

	var aborted atomic.Bool
	it := NewBatchedRevalidatingIterator(c0, &mu, 1<<20, aborted.Load, nil)

	done := make(chan *tuple.Tuple, 1)
	go func() {
		tup, _ := it.Next()
		done <- tup
	}()

	select {
	case <-done:
		t.Fatal("iterator should block while C0 is below the bound")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	c0.Insert(tuple.New([]byte("k"), []byte("v"), 1))
	aborted.Store(true)
	c0.Broadcast()
	mu.Unlock()

	select {
	case tup := <-done:
		if tup == nil || !bytes.Equal(tup.StrippedKey(), []byte("k")) {
			t.Fatalf("expected tuple k after abort, got %v", tup)
		}
	case <-time.After(time.Second):
		t.Fatal("iterator did not wake up on abort")
	}
}
