package logstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"blsm/pkg/types"
)

// Log modes.
const (
	// ModeCommit syncs the log only at transaction commit.
	ModeCommit = 0
	// ModeSync syncs every appended entry.
	ModeSync = 1
)

const (
	fileName      = "wal.log"
	tmpFileName   = "wal.log.tmp"
	flagTombstone = 1
)

// Entry is a single logged update.
type Entry struct {
	LSN       types.LSN
	Timestamp uint64
	Delete    bool
	Key       []byte
	Value     []byte
}

// Store is the transactional log collaborator: it journals updates for
// recovery and provides the begin/commit boundary the engine treats as its
// sole durability point for header updates.
type Store struct {
	mu       sync.Mutex
	dir      string
	filePath string
	file     *os.File
	writer   *bufio.Writer
	mode     int

	nextLSN atomic.Uint64
	nextXid atomic.Int64
	closed  bool
}

// Open opens or creates the log under dir and positions the next LSN past
// the last durable entry.
func Open(dir string, mode int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty log dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	s := &Store{
		dir:      dir,
		filePath: filePath,
		file:     file,
		writer:   bufio.NewWriter(file),
		mode:     mode,
	}
	s.nextLSN.Store(1)

	// Find the tail. A torn final entry is ignored; it never committed.
	if err := s.scanTail(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) scanTail() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek log: %w", err)
	}
	reader := bufio.NewReader(s.file)
	for {
		e, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("failed to scan log: %w", err)
		}
		if e.LSN >= s.nextLSN.Load() {
			s.nextLSN.Store(e.LSN + 1)
		}
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek log end: %w", err)
	}
	return nil
}

// Append journals one update and returns its LSN.
func (s *Store) Append(e Entry) (types.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("log store closed")
	}

	e.LSN = s.nextLSN.Add(1) - 1
	if err := writeEntry(s.writer, e); err != nil {
		return 0, fmt.Errorf("failed to write log entry: %w", err)
	}
	if s.mode == ModeSync {
		if err := s.flushLocked(); err != nil {
			return 0, err
		}
	}
	return e.LSN, nil
}

// Offset reports the LSN the next append will receive.
func (s *Store) Offset() types.LSN {
	return s.nextLSN.Load()
}

// Begin opens a transaction.
func (s *Store) Begin() types.Xid {
	return s.nextXid.Add(1)
}

// Commit makes everything appended so far durable.
func (s *Store) Commit(xid types.Xid) error {
	_ = xid
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("log store closed")
	}
	return s.flushLocked()
}

// Abort abandons a transaction. The journal keeps its entries; recovery
// replays them into C0, which is always safe for idempotent upserts.
func (s *Store) Abort(xid types.Xid) {
	_ = xid
}

func (s *Store) flushLocked() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// Replay feeds every entry with LSN >= start to callback in log order.
func (s *Store) Replay(start types.LSN, callback func(Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log before replay: %w", err)
	}
	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		e, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("failed to read log entry: %w", err)
		}
		if e.LSN < start {
			continue
		}
		if err := callback(e); err != nil {
			return fmt.Errorf("log replay callback failed: %w", err)
		}
	}
	return nil
}

// Truncate drops entries below lsn by rewriting the log file.
func (s *Store) Truncate(lsn types.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("log store closed")
	}

	if err := s.flushLocked(); err != nil {
		return err
	}

	src, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open log for truncation: %w", err)
	}

	tmpPath := filepath.Join(s.dir, tmpFileName)
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create truncated log: %w", err)
	}

	reader := bufio.NewReader(src)
	writer := bufio.NewWriter(dst)
	for {
		e, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			src.Close()
			dst.Close()
			return fmt.Errorf("failed to read log during truncation: %w", err)
		}
		if e.LSN < lsn {
			continue
		}
		if err := writeEntry(writer, e); err != nil {
			src.Close()
			dst.Close()
			return fmt.Errorf("failed to rewrite log entry: %w", err)
		}
	}
	src.Close()
	if err := writer.Flush(); err != nil {
		dst.Close()
		return fmt.Errorf("failed to flush truncated log: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("failed to sync truncated log: %w", err)
	}
	dst.Close()

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close log before swap: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("failed to swap truncated log: %w", err)
	}

	file, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen log: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log on close: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

func writeEntry(w io.Writer, e Entry) error {
	if err := binary.Write(w, binary.LittleEndian, e.LSN); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Timestamp); err != nil {
		return err
	}
	var flags uint8
	if e.Delete {
		flags = flagTombstone
	}
	if err := binary.Write(w, binary.LittleEndian, flags); err != nil {
		return err
	}
	if len(e.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(e.Key))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}
	if len(e.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(e.Value))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return err
	}
	if _, err := w.Write(e.Value); err != nil {
		return err
	}
	return nil
}

func readEntry(r io.Reader) (Entry, error) {
	var e Entry
	if err := binary.Read(r, binary.LittleEndian, &e.LSN); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Timestamp); err != nil {
		return e, err
	}
	var flags uint8
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return e, err
	}
	e.Delete = flags&flagTombstone != 0
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return e, err
	}
	e.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, e.Key); err != nil {
		return e, err
	}
	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return e, err
	}
	e.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, e.Value); err != nil {
		return e, err
	}
	return e, nil
}
