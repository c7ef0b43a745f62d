package ratelimit

import (
	"sync"
	"time"

	"blsm/pkg/dberrors"
)

const (
	// DefaultRate paces merge writes at 100 MiB/s, one permit per byte.
	DefaultRate = 100 * 1024 * 1024
	// DefaultMaxPermits bounds the burst the bucket can store.
	DefaultMaxPermits = 100 * 1024 * 1024
)

// Limiter is a token bucket with microsecond resolution. The merge scheduler
// is its only caller; user-facing operations are never throttled by it.
type Limiter struct {
	mu sync.Mutex

	interval   float64 // microseconds per permit
	maxPermits float64
	stored     float64
	nextFree   int64 // microseconds since epoch

	now   func() int64         // injectable for tests
	sleep func(time.Duration)
}

// New returns a limiter issuing rate permits per second.
func New(rate float64, maxPermits float64) (*Limiter, error) {
	if rate <= 0 || maxPermits <= 0 {
		return nil, dberrors.ErrInvalidArgument
	}
	return &Limiter{
		interval:   1e6 / rate,
		maxPermits: maxPermits,
		now:        nowMicros,
		sleep:      time.Sleep,
	}, nil
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// Acquire blocks until n permits are available and returns the waited
// duration.
func (l *Limiter) Acquire(n int) (time.Duration, error) {
	if n <= 0 {
		return 0, dberrors.ErrInvalidArgument
	}
	wait := l.claimNext(float64(n))
	if wait > 0 {
		l.sleep(wait)
	}
	return wait, nil
}

// TryAcquire acquires n permits unless the bucket's next free slot lies past
// now+timeout, in which case it returns false without blocking.
func (l *Limiter) TryAcquire(n int, timeout time.Duration) (bool, error) {
	if n <= 0 {
		return false, dberrors.ErrInvalidArgument
	}
	now := l.now()

	l.mu.Lock()
	pastDeadline := l.nextFree > now+timeout.Microseconds()
	l.mu.Unlock()

	if pastDeadline {
		return false, nil
	}
	_, err := l.Acquire(n)
	return err == nil, err
}

// SetRate changes the permit issue rate.
func (l *Limiter) SetRate(rate float64) error {
	if rate <= 0 {
		return dberrors.ErrInvalidArgument
	}
	l.mu.Lock()
	l.interval = 1e6 / rate
	l.mu.Unlock()
	return nil
}

// Rate reports the configured permits per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return 1e6 / l.interval
}

// sync refreshes stored permits against the wall clock.
// Callers hold l.mu.
func (l *Limiter) sync(now int64) {
	if now > l.nextFree {
		l.stored = min(l.maxPermits, l.stored+float64(now-l.nextFree)/l.interval)
		l.nextFree = now
	}
}

// claimNext consumes stored permits first and charges the remainder as fresh
// time appended to nextFree. The caller waits out whatever debt existed
// before this claim.
func (l *Limiter) claimNext(permits float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sync(now)

	wait := l.nextFree - now

	stored := min(permits, l.stored)
	fresh := permits - stored

	l.nextFree += int64(fresh * l.interval)
	l.stored -= stored

	return time.Duration(wait) * time.Microsecond
}
