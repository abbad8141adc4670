package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var errPoolClosed = errors.New("pool closed")

// Pool bounds the number of concurrently open transactions.
type Pool struct {
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
	inUse   atomic.Int64
	closed  atomic.Bool
}

// NewPool creates a pool with size slots. Checkouts wait at most timeout;
// zero waits until the caller's context ends.
func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
	}
}

// Checkout reserves a slot. The returned release func is idempotent.
func (p *Pool) Checkout(ctx context.Context) (func(), error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrPool, errPoolClosed)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: checkout: %w", ErrPool, err)
	}
	if p.closed.Load() {
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %w", ErrPool, errPoolClosed)
	}
	p.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of checked out slots.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Size returns the pool capacity.
func (p *Pool) Size() int64 { return p.size }

// Close rejects further checkouts. Outstanding slots stay valid.
func (p *Pool) Close() { p.closed.Store(true) }
