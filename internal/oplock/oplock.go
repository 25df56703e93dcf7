// Package oplock implements the per-shard operation-admission gate: an
// in-flight-operation counter that ordinary reads and writes
// acquire a permit from, and that relocation hand-off can block on to drain
// all outstanding permits before flipping the shard to RELOCATED.
//
// The ordering guarantee is: once Block observes
// zero in-flight operations, no new permit is granted until the zero-window
// callback returns; permits queued during the block are then released in
// FIFO order.
package oplock

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire once the lock has been closed.
var ErrClosed = errors.New("oplock: closed")

// ErrTimeout is returned by Block if in-flight operations do not drain to
// zero within the given timeout.
var ErrTimeout = errors.New("oplock: timed out waiting to block operations")

// Permit must be released exactly once by the holder, typically via defer.
type Permit struct {
	lock     *Lock
	released bool
	mu       sync.Mutex
}

// Release returns the permit. Idempotent: calling it more than once is a
// no-op, which makes `defer permit.Release()` alongside an earlier explicit
// release safe.
func (p *Permit) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	p.lock.release()
}

// Lock is the operation-admission gate for one shard. The zero value is not
// usable; construct with New.
type Lock struct {
	cond    *sync.Cond
	mu      sync.Mutex
	waiters []chan struct{}
	active  int
	blocked bool
	closed  bool
}

// New returns a Lock with no in-flight operations and no block in effect.
func New() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire grants a permit. If no block is in effect, the permit is granted
// immediately (synchronously). Otherwise the caller waits until the block
// ends, honoring ctx cancellation.
func (l *Lock) Acquire(ctx context.Context) (*Permit, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if !l.blocked {
		l.active++
		l.mu.Unlock()
		return &Permit{lock: l}, nil
	}

	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		l.active++
		l.mu.Unlock()
		return &Permit{lock: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lock) release() {
	l.mu.Lock()
	l.active--
	if l.active < 0 {
		l.active = 0
	}
	l.cond.Broadcast()
	l.mu.Unlock()
}

// ActiveOperationsCount returns the number of permits currently held.
func (l *Lock) ActiveOperationsCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Block waits until all outstanding permits are released, then runs
// onZeroInFlight with exclusive access (no permit can be granted while it
// runs), then unblocks and releases queued waiters in FIFO order. Returns
// ErrTimeout if the in-flight count does not reach zero before ctx is done;
// the block is then lifted and queued waiters are released as well.
//
// onZeroInFlight's error, if any, is returned to the caller; the block is
// still lifted afterwards so the shard doesn't wedge on a failed hand-off.
func (l *Lock) Block(ctx context.Context, onZeroInFlight func() error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.blocked = true

	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		for l.active > 0 && !l.closed {
			l.cond.Wait()
		}
		l.mu.Unlock()
		close(done)
	}()
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		l.mu.Lock()
		l.blocked = false
		waiters := l.waiters
		l.waiters = nil
		l.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
		return ErrTimeout
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := onZeroInFlight()

	l.mu.Lock()
	l.blocked = false
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	return err
}

// Close refuses new acquisitions from now on; any acquisitions already
// queued behind a block are woken immediately and fail with ErrClosed, and a
// Block still waiting for the drain returns ErrClosed.
func (l *Lock) Close() {
	l.mu.Lock()
	l.closed = true
	waiters := l.waiters
	l.waiters = nil
	l.cond.Broadcast()
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}
