package oplock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseSynchronous(t *testing.T) {
	l := New()
	ctx := context.Background()

	permit, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.ActiveOperationsCount())

	permit.Release()
	assert.Equal(t, 0, l.ActiveOperationsCount())

	// Double release is a no-op, not a double-decrement.
	permit.Release()
	assert.Equal(t, 0, l.ActiveOperationsCount())
}

func TestBlockWithZeroInFlightCompletesImmediately(t *testing.T) {
	l := New()
	ran := false
	err := l.Block(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestBlockWaitsForDrain(t *testing.T) {
	l := New()
	ctx := context.Background()

	p1, err := l.Acquire(ctx)
	require.NoError(t, err)
	p2, err := l.Acquire(ctx)
	require.NoError(t, err)

	var observedActive int
	blockDone := make(chan error, 1)
	go func() {
		blockDone <- l.Block(context.Background(), func() error {
			observedActive = l.ActiveOperationsCount()
			return nil
		})
	}()

	// Give the goroutine a chance to start waiting; the lock must not
	// report completion until both permits are released.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-blockDone:
		t.Fatal("Block completed before in-flight operations drained")
	default:
	}

	p1.Release()
	time.Sleep(10 * time.Millisecond)
	select {
	case <-blockDone:
		t.Fatal("Block completed with one permit still held")
	default:
	}

	p2.Release()

	select {
	case err := <-blockDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Block never completed after full drain")
	}
	assert.Equal(t, 0, observedActive, "callback must observe zero in-flight operations")
}

func TestAcquireDuringBlockQueuesUntilUnblocked(t *testing.T) {
	l := New()
	blockStarted := make(chan struct{})
	releaseBlock := make(chan struct{})

	go func() {
		l.Block(context.Background(), func() error {
			close(blockStarted)
			<-releaseBlock
			return nil
		})
	}()

	<-blockStarted

	acquired := make(chan struct{})
	var permit *Permit
	var acquireErr error
	go func() {
		permit, acquireErr = l.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should not complete while blocked")
	case <-time.After(30 * time.Millisecond):
	}

	close(releaseBlock)

	select {
	case <-acquired:
		require.NoError(t, acquireErr)
		require.NotNil(t, permit)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never released after unblock")
	}
}

func TestBlockTimeout(t *testing.T) {
	l := New()
	permit, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer permit.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = l.Block(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCloseDuringPendingBlockFailsFutureAcquires(t *testing.T) {
	l := New()
	holder, err := l.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	blockErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		blockErrCh <- l.Block(context.Background(), func() error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()
	holder.Release()
	wg.Wait()

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
