package disktree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"blsm/pkg/dberrors"
	"blsm/pkg/tuple"
	"blsm/pkg/types"
)

const (
	// PageSize is the unit the region tunables are expressed in.
	PageSize = 4096

	fileMagic   uint64 = 0x626c736d72756e31 // "blsmrun1"
	minBloomKeys       = 1024
	bloomFPRate        = 0.01
)

// Options carry the region tunables from the engine constructor. Sizes are
// in pages.
type Options struct {
	InternalRegionSize int64
	DatapageRegionSize int64
	DatapageSize       int64
}

// Descriptor is the root record stored in the persistent header, enough to
// reopen the component after a restart.
type Descriptor struct {
	ID         string `json:"id"`
	File       string `json:"file"`
	TupleBytes int64  `json:"tuple_bytes"`
	TupleCount int64  `json:"tuple_count"`
}

type indexEntry struct {
	firstKey []byte
	offset   int64
	rawLen   int32
	compLen  int32
}

// Component is an immutable sorted run: zstd-framed data pages, a sparse
// page index, and a bloom filter over stripped keys. A component is written
// once by a merge, sealed with WritesDone, and read-only afterwards.
type Component struct {
	id   string
	path string
	opts Options

	mu   sync.RWMutex
	file *os.File

	// write state, dead after WritesDone
	buf      bytes.Buffer
	firstKey []byte
	lastKey  []byte
	offset   int64
	enc      *zstd.Encoder

	dec   *zstd.Decoder
	cache *PageCache

	index  []indexEntry
	filter *bloom.BloomFilter

	tupleBytes int64
	tupleCount int64
	sealed     bool
}

// New creates an empty scratch component under dir. bloomTarget is the
// expected key count for the bloom filter.
func New(xid types.Xid, dir string, opts Options, bloomTarget int64, cache *PageCache) (*Component, error) {
	_ = xid
	if opts.DatapageSize <= 0 || opts.DatapageRegionSize <= 0 || opts.InternalRegionSize <= 0 {
		return nil, dberrors.ErrInvalidArgument
	}
	id := uuid.NewString()
	path := filepath.Join(dir, "c-"+id+".run")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create component file: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to init compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to init decompressor: %w", err)
	}
	if bloomTarget < minBloomKeys {
		bloomTarget = minBloomKeys
	}
	indexHint := opts.InternalRegionSize
	if indexHint > 4096 {
		indexHint = 4096
	}
	return &Component{
		id:     id,
		path:   path,
		opts:   opts,
		file:   file,
		enc:    enc,
		dec:    dec,
		cache:  cache,
		index:  make([]indexEntry, 0, indexHint),
		filter: bloom.NewWithEstimates(uint(bloomTarget), bloomFPRate),
	}, nil
}

// Open reopens a sealed component recorded in the persistent header.
func Open(dir string, d Descriptor, opts Options, cache *PageCache) (*Component, error) {
	path := filepath.Join(dir, d.File)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open component file: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to init decompressor: %w", err)
	}
	c := &Component{
		id:     d.ID,
		path:   path,
		opts:   opts,
		file:   file,
		dec:    dec,
		cache:  cache,
		sealed: true,
	}
	if err := c.loadFooter(); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

// ID identifies the component for the header and the page cache.
func (c *Component) ID() string { return c.id }

// Descriptor returns the root record for the persistent header.
func (c *Component) Descriptor() Descriptor {
	return Descriptor{
		ID:         c.id,
		File:       filepath.Base(c.path),
		TupleBytes: c.tupleBytes,
		TupleCount: c.tupleCount,
	}
}

// Bytes reports the accounted tuple bytes in the run.
func (c *Component) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tupleBytes
}

// Len reports the number of tuples in the run.
func (c *Component) Len() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tupleCount
}

// MightContain is the bloom gate for point lookups. False means the key is
// definitely absent; true may be a false positive.
func (c *Component) MightContain(strippedKey []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	return c.filter.Test(strippedKey)
}

// InsertTuple appends t to the run. Tuples must arrive in ascending stripped
// key order; only the merge writes here.
func (c *Component) InsertTuple(xid types.Xid, t *tuple.Tuple) error {
	_ = xid
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return dberrors.ErrReadOnly
	}
	if c.lastKey != nil && tuple.CompareKeys(c.lastKey, t.StrippedKey()) >= 0 {
		return fmt.Errorf("out-of-order insert into component %s", c.id)
	}
	if c.firstKey == nil {
		c.firstKey = bytes.Clone(t.StrippedKey())
	}
	c.lastKey = bytes.Clone(t.StrippedKey())

	writeRecord(&c.buf, t)
	c.filter.Add(t.StrippedKey())
	c.tupleBytes += t.ByteLength()
	c.tupleCount++

	if int64(c.buf.Len()) >= c.opts.DatapageSize*PageSize {
		return c.flushPageLocked()
	}
	return nil
}

func (c *Component) flushPageLocked() error {
	if c.buf.Len() == 0 {
		return nil
	}
	if int64(len(c.index)) >= c.opts.DatapageRegionSize/c.opts.DatapageSize {
		return fmt.Errorf("component %s: datapage region exhausted", c.id)
	}
	raw := c.buf.Bytes()
	comp := c.enc.EncodeAll(raw, nil)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(comp)))
	if _, err := c.file.WriteAt(hdr[:], c.offset); err != nil {
		return fmt.Errorf("failed to write page header: %w", err)
	}
	if _, err := c.file.WriteAt(comp, c.offset+8); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}

	c.index = append(c.index, indexEntry{
		firstKey: c.firstKey,
		offset:   c.offset,
		rawLen:   int32(len(raw)),
		compLen:  int32(len(comp)),
	})
	c.offset += int64(8 + len(comp))
	c.buf.Reset()
	c.firstKey = nil
	return nil
}

// FlushDataPage forces the partial page out so everything inserted so far is
// visible to readers. The merge calls this before garbage-collecting the
// consumed C0 entries.
func (c *Component) FlushDataPage() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return nil
	}
	return c.flushPageLocked()
}

// indexSnapshot hands readers a stable view of the page index. Appends never
// mutate existing entries, so the slice header copy is safe.
func (c *Component) indexSnapshot() []indexEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// WritesDone seals the run: the last page, the page index, the bloom filter
// and the footer go out, and the component turns read-only.
func (c *Component) WritesDone() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return nil
	}
	if err := c.flushPageLocked(); err != nil {
		return err
	}

	indexOff := c.offset
	var idx bytes.Buffer
	binary.Write(&idx, binary.LittleEndian, uint32(len(c.index)))
	for _, e := range c.index {
		binary.Write(&idx, binary.LittleEndian, uint32(len(e.firstKey)))
		idx.Write(e.firstKey)
		binary.Write(&idx, binary.LittleEndian, uint64(e.offset))
		binary.Write(&idx, binary.LittleEndian, uint32(e.rawLen))
		binary.Write(&idx, binary.LittleEndian, uint32(e.compLen))
	}
	if _, err := c.file.WriteAt(idx.Bytes(), indexOff); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	bloomOff := indexOff + int64(idx.Len())
	var bf bytes.Buffer
	if _, err := c.filter.WriteTo(&bf); err != nil {
		return fmt.Errorf("failed to serialize bloom filter: %w", err)
	}
	if _, err := c.file.WriteAt(bf.Bytes(), bloomOff); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	var footer [48]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOff))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(bloomOff))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(c.tupleCount))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(c.tupleBytes))
	binary.LittleEndian.PutUint64(footer[32:40], uint64(bf.Len()))
	binary.LittleEndian.PutUint64(footer[40:48], fileMagic)
	if _, err := c.file.WriteAt(footer[:], bloomOff+int64(bf.Len())); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	c.enc = nil
	c.sealed = true
	return nil
}

func (c *Component) loadFooter() error {
	fi, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat component: %w", err)
	}
	if fi.Size() < 48 {
		return fmt.Errorf("component %s truncated", c.id)
	}
	var footer [48]byte
	if _, err := c.file.ReadAt(footer[:], fi.Size()-48); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	if binary.LittleEndian.Uint64(footer[40:48]) != fileMagic {
		return fmt.Errorf("component %s has bad magic", c.id)
	}
	indexOff := int64(binary.LittleEndian.Uint64(footer[0:8]))
	bloomOff := int64(binary.LittleEndian.Uint64(footer[8:16]))
	c.tupleCount = int64(binary.LittleEndian.Uint64(footer[16:24]))
	c.tupleBytes = int64(binary.LittleEndian.Uint64(footer[24:32]))
	bloomLen := int64(binary.LittleEndian.Uint64(footer[32:40]))

	idxBytes := make([]byte, bloomOff-indexOff)
	if _, err := c.file.ReadAt(idxBytes, indexOff); err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	r := bytes.NewReader(idxBytes)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	c.index = make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var klen uint32
		if err := binary.Read(r, binary.LittleEndian, &klen); err != nil {
			return fmt.Errorf("failed to parse index entry: %w", err)
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return fmt.Errorf("failed to parse index key: %w", err)
		}
		var off uint64
		var rawLen, compLen uint32
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return fmt.Errorf("failed to parse index offset: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rawLen); err != nil {
			return fmt.Errorf("failed to parse index raw length: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
			return fmt.Errorf("failed to parse index comp length: %w", err)
		}
		c.index = append(c.index, indexEntry{
			firstKey: key,
			offset:   int64(off),
			rawLen:   int32(rawLen),
			compLen:  int32(compLen),
		})
	}

	bfBytes := make([]byte, bloomLen)
	if _, err := c.file.ReadAt(bfBytes, bloomOff); err != nil {
		return fmt.Errorf("failed to read bloom filter: %w", err)
	}
	c.filter = &bloom.BloomFilter{}
	if _, err := c.filter.ReadFrom(bytes.NewReader(bfBytes)); err != nil {
		return fmt.Errorf("failed to parse bloom filter: %w", err)
	}
	return nil
}

// Force makes the run durable.
func (c *Component) Force(xid types.Xid) error {
	_ = xid
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync component: %w", err)
	}
	return nil
}

// Dealloc releases the run's regions. The component is unusable afterwards.
func (c *Component) Dealloc(xid types.Xid) error {
	_ = xid
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.DropComponent(c.id)
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove component file: %w", err)
	}
	return nil
}

// Close closes the file handle without removing the run.
func (c *Component) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}

// pageFor locates the last page in idx whose first key is <= key.
func pageFor(idx []indexEntry, key []byte) int {
	n := sort.Search(len(idx), func(i int) bool {
		return tuple.CompareKeys(idx[i].firstKey, key) > 0
	})
	if n == 0 {
		return 0
	}
	return n - 1
}

func (c *Component) loadPage(i int, e indexEntry) ([]byte, error) {
	if raw, ok := c.cache.get(c.id, i); ok {
		return raw, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.file == nil {
		return nil, dberrors.ErrClosed
	}
	comp := make([]byte, e.compLen)
	if _, err := c.file.ReadAt(comp, e.offset+8); err != nil {
		return nil, fmt.Errorf("failed to read page %d: %w", i, err)
	}
	raw, err := c.dec.DecodeAll(comp, make([]byte, 0, e.rawLen))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress page %d: %w", i, err)
	}
	c.cache.put(c.id, i, raw)
	return raw, nil
}

// Find returns the tuple stored under strippedKey, nil when absent.
func (c *Component) Find(strippedKey []byte) (*tuple.Tuple, error) {
	if !c.MightContain(strippedKey) {
		return nil, nil
	}
	idx := c.indexSnapshot()
	if len(idx) == 0 {
		return nil, nil
	}
	i := pageFor(idx, strippedKey)
	raw, err := c.loadPage(i, idx[i])
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(raw)
	for {
		t, err := readRecord(r)
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, err
		}
		switch tuple.CompareKeys(t.StrippedKey(), strippedKey) {
		case 0:
			return t, nil
		case 1:
			return nil, nil
		}
	}
}

func writeRecord(buf *bytes.Buffer, t *tuple.Tuple) {
	var hdr [21]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(t.Key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(t.Value)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(t.StrippedLen()))
	binary.LittleEndian.PutUint64(hdr[12:20], t.Timestamp)
	if t.Delete {
		hdr[20] = 1
	}
	buf.Write(hdr[:])
	buf.Write(t.Key)
	buf.Write(t.Value)
}

func readRecord(r *bytes.Reader) (*tuple.Tuple, error) {
	var hdr [21]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valLen := binary.LittleEndian.Uint32(hdr[4:8])
	stripped := binary.LittleEndian.Uint32(hdr[8:12])
	ts := binary.LittleEndian.Uint64(hdr[12:20])
	del := hdr[20] == 1

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}

	t := &tuple.Tuple{Key: key, Value: value, Timestamp: ts, Delete: del}
	return t.WithStrippedLen(int(stripped)), nil
}
