package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dev.helix.mq/internal/queue"
)

// overflowPolicy selects the mailbox behavior when the buffer is full.
type overflowPolicy int

const (
	// policyBlock stalls the agent's consumer until the agent drains
	// the mailbox; unaccepted frames stay unacked on the broker.
	policyBlock overflowPolicy = iota
	// policyDropOldest sheds the oldest non-P0 frame to admit the new
	// one, leaving a progress notice for the shed frame's request.
	policyDropOldest
)

func parsePolicy(s string) (overflowPolicy, error) {
	switch s {
	case "", "block":
		return policyBlock, nil
	case "drop_oldest_non_p0":
		return policyDropOldest, nil
	}
	return 0, queue.ConfigError(fmt.Sprintf("unknown mailbox overflow policy %q", s))
}

type offerResult int

const (
	offerAccepted offerResult = iota
	offerDropped
	offerFull
	offerCanceled
	offerClosed
)

// maxPendingNotices bounds the synthetic drop notices waiting for
// delivery; under sustained shedding older notices are coalesced away.
const maxPendingNotices = 32

// mailbox is a bounded FIFO of response frames with a single pump
// goroutine feeding the out channel. Drop notices travel on a separate
// bounded track so shedding frames can never grow the buffer.
type mailbox struct {
	capacity int
	policy   overflowPolicy

	mu      sync.Mutex
	buf     []*queue.Response
	notices []*queue.Response
	closed  bool

	notify  chan struct{}
	space   chan struct{}
	force   <-chan struct{}
	out     chan *queue.Response
	drained chan struct{}
}

func newMailbox(capacity int, policy overflowPolicy, force <-chan struct{}) *mailbox {
	if capacity < 1 {
		capacity = 1
	}
	mb := &mailbox{
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		force:    force,
		out:      make(chan *queue.Response),
		drained:  make(chan struct{}),
	}
	go mb.pump()
	return mb
}

// pump moves buffered frames to out one at a time, notices first. It
// exits when the mailbox is closed and empty or when force fires; a
// frame in hand at force time is put back for takeRemainder.
func (mb *mailbox) pump() {
	defer func() {
		close(mb.out)
		close(mb.drained)
	}()
	for {
		mb.mu.Lock()
		var r *queue.Response
		fromBuf := false
		switch {
		case len(mb.notices) > 0:
			r = mb.notices[0]
			mb.notices = mb.notices[1:]
		case len(mb.buf) > 0:
			r = mb.buf[0]
			mb.buf = mb.buf[1:]
			fromBuf = true
		default:
			closed := mb.closed
			mb.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-mb.notify:
			case <-mb.force:
				return
			}
			continue
		}
		mb.mu.Unlock()

		if fromBuf {
			signalch(mb.space)
		}
		select {
		case mb.out <- r:
		case <-mb.force:
			if fromBuf {
				mb.mu.Lock()
				mb.buf = append([]*queue.Response{r}, mb.buf...)
				mb.mu.Unlock()
			}
			return
		}
	}
}

// offer appends r, applying the overflow policy when full. The second
// return is the frame shed in r's favor, which is r itself when the
// buffer holds nothing but P0 frames. offerFull means the caller must
// wait for space: always under the block policy, and for a P0 frame
// that may not be shed under the drop policy.
func (mb *mailbox) offer(r *queue.Response) (offerResult, *queue.Response) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return offerClosed, nil
	}
	if len(mb.buf) < mb.capacity {
		mb.buf = append(mb.buf, r)
		signalch(mb.notify)
		return offerAccepted, nil
	}
	if mb.policy == policyBlock {
		return offerFull, nil
	}
	for i, old := range mb.buf {
		if old.Priority != queue.P0 {
			mb.buf = append(mb.buf[:i], mb.buf[i+1:]...)
			mb.buf = append(mb.buf, r)
			mb.noteDroppedLocked(old)
			signalch(mb.notify)
			return offerDropped, old
		}
	}
	if r.Priority == queue.P0 {
		return offerFull, nil
	}
	mb.noteDroppedLocked(r)
	signalch(mb.notify)
	return offerDropped, r
}

// offerWait is offer plus waiting for space, bounded by patience. A
// patience overrun is the runaway signal.
func (mb *mailbox) offerWait(ctx context.Context, r *queue.Response, patience time.Duration) (offerResult, *queue.Response) {
	timer := time.NewTimer(patience)
	defer timer.Stop()
	for {
		res, victim := mb.offer(r)
		if res != offerFull {
			return res, victim
		}
		select {
		case <-mb.space:
		case <-timer.C:
			return offerFull, nil
		case <-ctx.Done():
			return offerCanceled, nil
		}
	}
}

func (mb *mailbox) noteDroppedLocked(victim *queue.Response) {
	if len(mb.notices) >= maxPendingNotices {
		mb.notices = mb.notices[1:]
	}
	mb.notices = append(mb.notices, droppedNotice(victim))
}

func (mb *mailbox) len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.buf)
}

// close stops intake; the pump keeps delivering until empty.
func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	signalch(mb.notify)
}

// takeRemainder empties the buffer after the pump has exited.
func (mb *mailbox) takeRemainder() []*queue.Response {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	left := mb.buf
	mb.buf, mb.notices = nil, nil
	return left
}

// droppedNotice tells the agent a frame for this request was shed by
// the overflow policy.
func droppedNotice(victim *queue.Response) *queue.Response {
	return &queue.Response{
		RequestID: victim.RequestID,
		Type:      queue.ResponseProgress,
		AgentID:   victim.AgentID,
		Priority:  victim.Priority,
		Timestamp: time.Now().UTC(),
		Note:      "dropped",
	}
}

func signalch(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
