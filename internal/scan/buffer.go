package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrReservationTooLarge is returned when a single request exceeds the budget.
var ErrReservationTooLarge = errors.New("reservation exceeds scoop buffer capacity")

// ScoopBuffer bounds how many bytes of plot data may be in flight between
// the scanners and the verifiers. Acquire blocks until enough budget is free.
type ScoopBuffer struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewScoopBuffer creates a buffer with the given byte capacity.
func NewScoopBuffer(capacity int64) *ScoopBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ScoopBuffer{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire reserves n bytes, waiting for verifiers to release earlier
// reservations. It fails only when ctx is done or n exceeds the capacity.
func (b *ScoopBuffer) Acquire(ctx context.Context, n int64) (*Reservation, error) {
	if n > b.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrReservationTooLarge, n, b.capacity)
	}
	if n < 0 {
		n = 0
	}
	if err := b.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	b.inUse.Add(n)
	return &Reservation{buf: b, size: n}, nil
}

// InUse returns the number of reserved bytes.
func (b *ScoopBuffer) InUse() int64 {
	return b.inUse.Load()
}

// Capacity returns the total budget in bytes.
func (b *ScoopBuffer) Capacity() int64 {
	return b.capacity
}

// Reservation is a held slice of the buffer budget. Release may be called
// any number of times; only the first call returns the bytes.
type Reservation struct {
	buf  *ScoopBuffer
	size int64
	once sync.Once
}

// Size returns the reserved byte count.
func (r *Reservation) Size() int64 {
	return r.size
}

// Release returns the reservation to the buffer.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.buf.inUse.Add(-r.size)
		r.buf.sem.Release(r.size)
	})
}
