// Package lease provides the run lease that keeps two dispatch runs from
// overlapping, across processes when Redis is configured.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another run holds the lease.
var ErrHeld = errors.New("lease is held by another run")

// Release gives the lease back. It only releases the holder's own lease.
type Release func(ctx context.Context) error

// Lease is a mutual-exclusion lease with a time-to-live.
type Lease interface {
	// Acquire takes the lease for ttl or returns ErrHeld.
	Acquire(ctx context.Context, ttl time.Duration) (Release, error)
}

// Local is an in-process lease. An expired lease can be taken over.
type Local struct {
	mu    sync.Mutex
	gen   uint64
	until time.Time
	now   func() time.Time
}

// NewLocal creates an in-process lease.
func NewLocal() *Local {
	return &Local{now: time.Now}
}

// Acquire implements Lease.
func (l *Local) Acquire(_ context.Context, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.until) {
		return nil, ErrHeld
	}

	l.gen++
	gen := l.gen
	l.until = now.Add(ttl)

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.gen == gen {
			l.until = time.Time{}
		}
		return nil
	}, nil
}
