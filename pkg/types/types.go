package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// LSN is a log sequence number. It doubles as the tuple timestamp domain.
type LSN = uint64

// Xid identifies a transaction opened on the log store.
type Xid = int64

// InvalidLSN marks an absent log-truncation point in the persistent header.
const InvalidLSN LSN = 0
