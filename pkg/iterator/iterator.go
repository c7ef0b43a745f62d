package iterator

import "blsm/pkg/tuple"

// Iterator streams tuples in ascending stripped-key order. Next returns
// (nil, nil) once the stream is exhausted. Returned tuples are owned by the
// caller; the iterator never hands out a tuple it will touch again.
type Iterator interface {
	Next() (*tuple.Tuple, error)
	Close() error
}
