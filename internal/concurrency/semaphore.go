// Package concurrency provides the counting semaphore bounding
// in-flight handler executions inside a worker.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Semaphore is a channel-backed counting semaphore whose limit can be
// raised at runtime up to a fixed ceiling. The channel carries one
// token per held slot plus one reserve token per slot between the
// current limit and the ceiling, so Acquire naturally blocks at the
// limit. Grow admits more holders by removing reserve tokens.
type Semaphore struct {
	ch      chan struct{}
	mu      sync.Mutex
	ceiling int
	limit   int
	current int
}

// NewSemaphore creates a semaphore with a fixed number of slots.
func NewSemaphore(max int) *Semaphore {
	return NewSemaphoreWithCeiling(max, max)
}

// NewSemaphoreWithCeiling creates a semaphore that admits initial
// concurrent holders and can be grown up to ceiling.
func NewSemaphoreWithCeiling(initial, ceiling int) *Semaphore {
	if initial < 1 {
		initial = 1
	}
	if ceiling < initial {
		ceiling = initial
	}
	s := &Semaphore{
		ch:      make(chan struct{}, ceiling),
		ceiling: ceiling,
		limit:   initial,
	}
	for i := initial; i < ceiling; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Acquire blocks until a slot is free or the context is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireWithTimeout blocks for at most timeout.
func (s *Semaphore) AcquireWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Acquire(ctx)
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot. Spurious releases are no-ops; the guard runs
// before the channel receive so a stray call cannot eat a reserve
// token and silently shrink the limit.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.current == 0 {
		s.mu.Unlock()
		return
	}
	s.current--
	s.mu.Unlock()
	<-s.ch
}

// Grow raises the limit by n slots, capped at the ceiling, and
// returns the new limit. Growing never blocks: the reserve tokens it
// removes are guaranteed to be in the channel while limit < ceiling.
func (s *Semaphore) Grow(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n > 0 && s.limit < s.ceiling {
		<-s.ch
		s.limit++
		n--
	}
	return s.limit
}

// Current returns the number of held slots.
func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Limit returns the number of slots currently admitted.
func (s *Semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Available returns the number of free slots under the current limit.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - s.current
}

// Drain waits until every held slot is free, then releases them
// again. Workers use it during shutdown to wait for in-flight
// handlers; they must stop calling Grow first, since a mid-drain
// limit change can end the wait early.
func (s *Semaphore) Drain(ctx context.Context) error {
	s.mu.Lock()
	target := s.limit
	s.mu.Unlock()

	taken := 0
	for taken < target {
		select {
		case s.ch <- struct{}{}:
			taken++
		case <-ctx.Done():
			for i := 0; i < taken; i++ {
				<-s.ch
			}
			return ctx.Err()
		}
	}
	for i := 0; i < taken; i++ {
		<-s.ch
	}
	return nil
}
