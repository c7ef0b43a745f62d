package logstore

import (
	"bytes"
	"fmt"
	"testing"
)

func TestStore_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ModeCommit)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		lsn, err := s.Append(Entry{
			Timestamp: uint64(i + 1),
			Key:       []byte(fmt.Sprintf("k%d", i)),
			Value:     []byte(fmt.Sprintf("v%d", i)),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if lsn != uint64(i+1) {
			t.Fatalf("expected LSN %d, got %d", i+1, lsn)
		}
	}
	if err := s.Commit(s.Begin()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var got []Entry
	err = s.Replay(1, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
	if !bytes.Equal(got[3].Key, []byte("k3")) || !bytes.Equal(got[3].Value, []byte("v3")) {
		t.Fatalf("entry 3 mismatch: %q=%q", got[3].Key, got[3].Value)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestStore_ReopenContinuesLSN(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ModeSync)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.Append(Entry{Key: []byte("a"), Value: []byte("1")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.Append(Entry{Key: []byte("b"), Value: []byte("2")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.Close()

	s, err = Open(dir, ModeSync)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if s.Offset() != 3 {
		t.Fatalf("expected next LSN 3 after reopen, got %d", s.Offset())
	}
	lsn, err := s.Append(Entry{Key: []byte("c"), Value: []byte("3")})
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if lsn != 3 {
		t.Fatalf("expected LSN 3, got %d", lsn)
	}
}

func TestStore_TruncateDropsPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ModeCommit)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if _, err := s.Append(Entry{Key: []byte(fmt.Sprintf("k%d", i))}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.Truncate(6); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	var lsns []uint64
	err = s.Replay(0, func(e Entry) error {
		lsns = append(lsns, e.LSN)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(lsns) != 5 {
		t.Fatalf("expected 5 surviving entries, got %d", len(lsns))
	}
	if lsns[0] != 6 {
		t.Fatalf("expected first surviving LSN 6, got %d", lsns[0])
	}

	// Appends continue past the truncation.
	lsn, err := s.Append(Entry{Key: []byte("tail")})
	if err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}
	if lsn != 11 {
		t.Fatalf("expected LSN 11, got %d", lsn)
	}
}

func TestStore_TombstoneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ModeCommit)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Append(Entry{Timestamp: 5, Delete: true, Key: []byte("gone")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var got Entry
	err = s.Replay(0, func(e Entry) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !got.Delete || got.Timestamp != 5 || !bytes.Equal(got.Key, []byte("gone")) {
		t.Fatalf("tombstone mismatch: %+v", got)
	}
}
