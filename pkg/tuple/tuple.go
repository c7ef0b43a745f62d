package tuple

import (
	"bytes"
)

const (
	// headerOverhead is the per-tuple accounting overhead: timestamp plus flags.
	headerOverhead = 9
)

// Tuple is an immutable record moving through the merge levels. Concurrent
// readers share a tuple until all of them drop their reference; code that
// hands a tuple to an unknown caller returns a copy instead.
type Tuple struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Delete    bool

	// stripped is the length of the ordering prefix of Key.
	// Zero means the whole key orders the tuple.
	stripped int
}

// New returns a live tuple carrying value.
func New(key, value []byte, ts uint64) *Tuple {
	return &Tuple{Key: key, Value: value, Timestamp: ts}
}

// NewDelete returns a tombstone for key.
func NewDelete(key []byte, ts uint64) *Tuple {
	return &Tuple{Key: key, Delete: true, Timestamp: ts}
}

// WithStrippedLen records the ordering-prefix length the codec designated.
func (t *Tuple) WithStrippedLen(n int) *Tuple {
	if n < 0 || n > len(t.Key) {
		n = 0
	}
	t.stripped = n
	return t
}

// StrippedKey returns the comparison prefix of the key.
func (t *Tuple) StrippedKey() []byte {
	if t.stripped == 0 {
		return t.Key
	}
	return t.Key[:t.stripped]
}

// StrippedLen returns the recorded ordering-prefix length.
func (t *Tuple) StrippedLen() int {
	return t.stripped
}

// ByteLength is the accounting size of the tuple.
func (t *Tuple) ByteLength() int64 {
	return int64(len(t.Key)) + int64(len(t.Value)) + headerOverhead
}

// Copy returns a deep copy the caller owns.
func (t *Tuple) Copy() *Tuple {
	cp := &Tuple{
		Key:       bytes.Clone(t.Key),
		Value:     bytes.Clone(t.Value),
		Timestamp: t.Timestamp,
		Delete:    t.Delete,
		stripped:  t.stripped,
	}
	return cp
}

// ValueEqual reports whether both tuples carry byte-identical payloads.
func (t *Tuple) ValueEqual(o *Tuple) bool {
	if t.Delete != o.Delete {
		return false
	}
	return bytes.Equal(t.Value, o.Value)
}

// Compare orders tuples by stripped key only. Timestamps break ties inside
// the merger, never here.
func Compare(a, b *Tuple) int {
	return bytes.Compare(a.StrippedKey(), b.StrippedKey())
}

// CompareKeys orders two stripped keys.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Codec designates the ordering suffix of raw keys. The engine strips the
// suffix before any comparison or bloom-filter lookup.
type Codec interface {
	// SuffixLen reports how many trailing bytes of key do not participate
	// in ordering.
	SuffixLen(key []byte) int
}

// IdentityCodec orders on the whole key.
type IdentityCodec struct{}

func (IdentityCodec) SuffixLen([]byte) int { return 0 }

// Apply stamps the codec's ordering prefix onto a tuple.
func Apply(c Codec, t *Tuple) *Tuple {
	if c == nil {
		return t
	}
	if n := c.SuffixLen(t.Key); n > 0 && n < len(t.Key) {
		return t.WithStrippedLen(len(t.Key) - n)
	}
	return t
}
