package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

// streamBuffer is the per-request waiter channel capacity. Stream
// consumers that fall further behind push backpressure into the
// mailbox, where the overflow policy applies.
const streamBuffer = 64

// waiter is a per-request subscriber created by Stream. Its channel is
// closed only by the dispatcher, after the terminal frame or at
// subscription teardown; an abandoned waiter signals gone instead so
// in-flight frames fall back to the general channel.
type waiter struct {
	ch       chan *queue.Response
	done     chan struct{}
	gone     chan struct{}
	doneOnce sync.Once
	goneOnce sync.Once
}

func newWaiter() *waiter {
	return &waiter{
		ch:   make(chan *queue.Response, streamBuffer),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
}

func (w *waiter) finish() {
	w.doneOnce.Do(func() {
		close(w.ch)
		close(w.done)
	})
}

func (w *waiter) abandon() {
	w.goneOnce.Do(func() { close(w.gone) })
}

// Subscription is one agent's attachment to the coordinator: a bounded
// mailbox fed by the response-queue consumer and a dispatcher that
// routes frames to Stream waiters or the general Responses channel.
type Subscription struct {
	agentID string
	orgID   string

	mb        *mailbox
	resp      chan *queue.Response
	force     chan struct{}
	forceOnce sync.Once

	wmu     sync.Mutex
	waiters map[string]*waiter
	inHand  *queue.Response

	lastBeat atomic.Int64
	dead     atomic.Bool

	m   *metrics.Collector
	log *zap.Logger

	cancelConsumer context.CancelFunc
	consumerDone   chan struct{}
	dispatcherDone chan struct{}
}

// AgentID names the agent this subscription serves.
func (s *Subscription) AgentID() string { return s.agentID }

// Responses is the general delivery channel: every frame without an
// open Stream waiter arrives here, in mailbox order. The channel closes
// when the agent is unregistered.
func (s *Subscription) Responses() <-chan *queue.Response { return s.resp }

// Depth reports the frames currently buffered in the mailbox.
func (s *Subscription) Depth() int { return s.mb.len() }

// Beat marks the agent alive. Reading responses also counts as
// liveness; agents that can go idle longer than the heartbeat budget
// must call Beat explicitly.
func (s *Subscription) Beat() { s.touch() }

// Stream subscribes to the frames of a single request. The returned
// channel yields frames in arrival order and closes after the terminal
// frame; frames for other requests keep flowing through Responses.
// When ctx ends first the stream detaches and later frames for the
// request revert to the general channel.
func (s *Subscription) Stream(ctx context.Context, requestID string) (<-chan *queue.Response, error) {
	if requestID == "" {
		return nil, queue.ValidationError("request id is required", nil)
	}
	w := newWaiter()
	s.wmu.Lock()
	if _, dup := s.waiters[requestID]; dup {
		s.wmu.Unlock()
		return nil, queue.ValidationError(fmt.Sprintf("stream already open for request %s", requestID), nil)
	}
	s.waiters[requestID] = w
	s.wmu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.removeWaiter(requestID, w)
			w.abandon()
		case <-w.done:
		}
	}()
	return w.ch, nil
}

func (s *Subscription) touch() {
	s.lastBeat.Store(time.Now().UnixNano())
}

func (s *Subscription) lastBeatTime() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

func (s *Subscription) forceClose() {
	s.forceOnce.Do(func() { close(s.force) })
}

func (s *Subscription) removeWaiter(requestID string, w *waiter) {
	s.wmu.Lock()
	if s.waiters[requestID] == w {
		delete(s.waiters, requestID)
	}
	s.wmu.Unlock()
}

func (s *Subscription) closeWaiters() {
	s.wmu.Lock()
	ws := s.waiters
	s.waiters = map[string]*waiter{}
	s.wmu.Unlock()
	for _, w := range ws {
		w.finish()
	}
}

// takeRemainder collects undelivered frames after teardown, including
// the one the dispatcher had in hand.
func (s *Subscription) takeRemainder() []*queue.Response {
	left := s.mb.takeRemainder()
	s.wmu.Lock()
	if s.inHand != nil {
		left = append([]*queue.Response{s.inHand}, left...)
		s.inHand = nil
	}
	s.wmu.Unlock()
	return left
}

// dispatchLoop drains the mailbox pump into waiters and the general
// channel until the mailbox closes or force fires.
func (s *Subscription) dispatchLoop() {
	defer close(s.dispatcherDone)
	defer s.closeWaiters()
	defer close(s.resp)
	for r := range s.mb.out {
		s.dispatch(r)
	}
}

func (s *Subscription) dispatch(r *queue.Response) {
	s.wmu.Lock()
	w := s.waiters[r.RequestID]
	s.inHand = r
	s.wmu.Unlock()

	delivered := false
	if w != nil {
		select {
		case w.ch <- r:
			delivered = true
		case <-w.gone:
			w = nil
		case <-s.force:
			return
		}
	}
	if !delivered {
		select {
		case s.resp <- r:
		case <-s.force:
			return
		}
	}

	s.wmu.Lock()
	s.inHand = nil
	s.wmu.Unlock()
	s.touch()
	if s.m != nil {
		s.m.CoordinatorForwardedTotal.WithLabelValues(string(r.Type)).Inc()
		s.m.CoordinatorMailboxDepth.WithLabelValues(s.agentID).Set(float64(s.mb.len()))
	}
	if w != nil && r.Type.Terminal() {
		s.removeWaiter(r.RequestID, w)
		w.finish()
	}
}
