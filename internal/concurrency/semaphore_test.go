package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSemaphore_AcquireRelease(t *testing.T) {
	s := NewSemaphore(2)

	require.NoError(t, s.Acquire(context.Background()))
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 2, s.Current())
	assert.Equal(t, 0, s.Available())

	// Third acquire would block; TryAcquire reports that without blocking.
	assert.False(t, s.TryAcquire())

	s.Release()
	assert.Equal(t, 1, s.Current())
	assert.True(t, s.TryAcquire())

	s.Release()
	s.Release()
	assert.Equal(t, 0, s.Current())
}

func TestSemaphore_AcquireContextCancelled(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	s.Release()
}

func TestSemaphore_AcquireWithTimeout(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	err := s.AcquireWithTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release()
}

func TestSemaphore_ReleaseWithoutAcquire(t *testing.T) {
	s := NewSemaphore(1)
	// Spurious release is a no-op, not a panic or negative count.
	s.Release()
	assert.Equal(t, 0, s.Current())
}

func TestSemaphore_BoundsConcurrency(t *testing.T) {
	const slots = 3
	s := NewSemaphore(slots)

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Acquire(context.Background()))
			defer s.Release()

			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, slots)
	assert.Greater(t, peak, 0)
}

func TestSemaphore_GrowRaisesLimit(t *testing.T) {
	s := NewSemaphoreWithCeiling(1, 3)
	assert.Equal(t, 1, s.Limit())
	assert.Equal(t, 1, s.Available())

	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire(), "second acquire must wait until the limit grows")

	assert.Equal(t, 2, s.Grow(1))
	assert.True(t, s.TryAcquire())

	// Growing past the ceiling caps at the ceiling.
	assert.Equal(t, 3, s.Grow(10))
	assert.Equal(t, 3, s.Grow(1))

	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())

	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.Current())
	assert.Equal(t, 3, s.Available())
}

func TestSemaphore_GrowUnblocksWaiter(t *testing.T) {
	s := NewSemaphoreWithCeiling(1, 2)
	require.NoError(t, s.Acquire(context.Background()))

	admitted := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		admitted <- s.Acquire(ctx)
	}()

	select {
	case <-admitted:
		t.Fatal("acquire succeeded past the limit")
	case <-time.After(20 * time.Millisecond):
	}

	s.Grow(1)
	require.NoError(t, <-admitted)
	assert.Equal(t, 2, s.Current())

	s.Release()
	s.Release()
}

func TestSemaphore_DrainAfterGrow(t *testing.T) {
	s := NewSemaphoreWithCeiling(1, 4)
	s.Grow(2)
	require.NoError(t, s.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.Drain(ctx)
	}()

	select {
	case <-done:
		t.Fatal("drain returned while a slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	require.NoError(t, <-done)
	assert.Equal(t, 3, s.Available())
}

func TestSemaphore_Drain(t *testing.T) {
	s := NewSemaphore(2)
	require.NoError(t, s.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.Drain(ctx)
	}()

	// Drain must not finish while a slot is held.
	select {
	case <-done:
		t.Fatal("drain returned while a slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	require.NoError(t, <-done)

	// All slots are free again after the drain.
	assert.Equal(t, 2, s.Available())
}

func TestSemaphore_DrainTimeout(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The held slot is still held; drain gave back only what it took.
	assert.Equal(t, 0, s.Available())
	s.Release()
}
