package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
)

type mirrorCall struct {
	messageID string
	status    queue.Status
}

type fakeMirror struct {
	mu      sync.Mutex
	upserts []mirrorCall
	updates []mirrorCall
	err     error
}

func (f *fakeMirror) Upsert(_ context.Context, m *queue.Message, status queue.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, mirrorCall{m.MessageID, status})
	return nil
}

func (f *fakeMirror) UpdateStatus(_ context.Context, messageID string, status queue.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, mirrorCall{messageID, status})
	return nil
}

func (f *fakeMirror) lastUpsert() (mirrorCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upserts) == 0 {
		return mirrorCall{}, false
	}
	return f.upserts[len(f.upserts)-1], true
}

func newTestPipeline(t *testing.T, w EventWriter, mirror MessageMirror) *Pipeline {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := NewBatcher(BatcherConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, w, nil, nil, metrics.NewTestCollector(), log)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return NewPipeline(b, mirror, log)
}

func pipelineMessage() *queue.Message {
	return &queue.Message{
		MessageID: "msg-pipe-1",
		OrgID:     "org-1",
		Type:      queue.TypeModelCall,
		Priority:  queue.P2,
		CreatedAt: time.Now().UTC(),
	}
}

func eventTypes(evs []queue.AuditEvent) []queue.EventType {
	out := make([]queue.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventType
	}
	return out
}

func TestPipeline_CreatedEnqueued(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	m := pipelineMessage()
	p.CreatedEnqueued(context.Background(), m, "org.org-1.requests")

	assert.Eventually(t, func() bool { return len(w.flattened()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []queue.EventType{queue.EventCreated, queue.EventEnqueued}, eventTypes(w.flattened()))
	assert.Equal(t, "org.org-1.requests", w.flattened()[1].Details["queue"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusQueued, up.status)
}

func TestPipeline_DequeuedProcessing(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	p.DequeuedProcessing(context.Background(), pipelineMessage(), "org.org-1.requests", "worker-7")

	assert.Eventually(t, func() bool { return len(w.flattened()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []queue.EventType{queue.EventDequeued, queue.EventProcessing}, eventTypes(w.flattened()))
	assert.Equal(t, "worker-7", w.flattened()[1].Details["worker"])
	require.Len(t, mirror.updates, 1)
	assert.Equal(t, queue.StatusProcessing, mirror.updates[0].status)
}

func TestPipeline_CompletedIsDurableOnReturn(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	err := p.Completed(context.Background(), pipelineMessage(), 125*time.Millisecond)
	require.NoError(t, err)

	// No Eventually: the event must already be flushed when Completed
	// returns.
	got := w.flattened()
	require.Len(t, got, 1)
	assert.Equal(t, queue.EventCompleted, got[0].EventType)
	assert.Equal(t, int64(125), got[0].Details["elapsed_ms"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, up.status)
}

func TestPipeline_CompletedSurfacesFlushFailure(t *testing.T) {
	w := &captureWriter{failures: 1000}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := NewBatcher(BatcherConfig{BatchSize: 100, FlushInterval: time.Hour, FlushRetries: 1, RetryBase: time.Millisecond}, w, nil, nil, metrics.NewTestCollector(), log)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	p := NewPipeline(b, &fakeMirror{}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Completed(ctx, pipelineMessage(), time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, queue.KindStoreUnavailable, queue.KindOf(err))
}

func TestPipeline_FailedThenRetry(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	m := pipelineMessage()
	m.RetryCount = 2
	p.FailedThenRetry(context.Background(), m, queue.KindTransientIO, "connection reset", 2*time.Second)

	assert.Eventually(t, func() bool { return len(w.flattened()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := w.flattened()
	assert.Equal(t, []queue.EventType{queue.EventFailed, queue.EventRetryScheduled}, eventTypes(got))
	assert.Equal(t, "transient_io", got[0].Details["kind"])
	assert.Equal(t, int64(2000), got[1].Details["delay_ms"])
	assert.Equal(t, 2, got[1].Details["retry_count"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusRetrying, up.status)
}

func TestPipeline_DeadLetter(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	err := p.DeadLetter(context.Background(), pipelineMessage(), queue.KindPermanentUpstream)
	require.NoError(t, err)

	got := w.flattened()
	require.Len(t, got, 2)
	assert.Equal(t, queue.EventFailed, got[0].EventType)
	assert.Equal(t, queue.EventDeadLetter, got[1].EventType)
	assert.Equal(t, "permanent_upstream", got[1].Details["reason"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusDeadLettered, up.status)
}

func TestPipeline_PoisonQuarantined(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	err := p.PoisonQuarantined(context.Background(), pipelineMessage(), 4)
	require.NoError(t, err)

	got := w.flattened()
	require.Len(t, got, 2)
	assert.Equal(t, queue.EventPoisonQuarantined, got[0].EventType)
	assert.Equal(t, 4, got[0].Details["count"])
	assert.Equal(t, queue.EventDeadLetter, got[1].EventType)
	assert.Equal(t, "poison", got[1].Details["reason"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusQuarantined, up.status)
}

func TestPipeline_DuplicateSkipped(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	p.DuplicateSkipped(context.Background(), pipelineMessage(), "msg-owner")

	assert.Eventually(t, func() bool { return len(w.flattened()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "msg-owner", w.flattened()[0].Details["owner_message_id"])
	require.Len(t, mirror.updates, 1)
	assert.Equal(t, queue.StatusDuplicate, mirror.updates[0].status)
}

func TestPipeline_Promoted(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	p.Promoted(context.Background(), pipelineMessage(), queue.P3, queue.P2, 31*time.Second)

	assert.Eventually(t, func() bool { return len(w.flattened()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := w.flattened()[0]
	assert.Equal(t, queue.EventPromoted, got.EventType)
	assert.Equal(t, 3, got.Details["from"])
	assert.Equal(t, 2, got.Details["to"])
	assert.Equal(t, int64(31000), got.Details["age_ms"])
}

func TestPipeline_Replayed(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{}
	p := newTestPipeline(t, w, mirror)

	p.Replayed(context.Background(), pipelineMessage(), "dlq_replay")

	assert.Eventually(t, func() bool { return len(w.flattened()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "dlq_replay", w.flattened()[0].Details["source"])

	up, ok := mirror.lastUpsert()
	require.True(t, ok)
	assert.Equal(t, queue.StatusQueued, up.status)
}

func TestPipeline_MirrorFailureIsBestEffort(t *testing.T) {
	w := &captureWriter{}
	mirror := &fakeMirror{err: errors.New("mirror down")}
	p := newTestPipeline(t, w, mirror)

	// Must not panic or propagate.
	p.CreatedEnqueued(context.Background(), pipelineMessage(), "org.org-1.requests")
	assert.Eventually(t, func() bool { return len(w.flattened()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_NilMirrorSkipsMirrorWrites(t *testing.T) {
	w := &captureWriter{}
	p := newTestPipeline(t, w, nil)

	require.NoError(t, p.Completed(context.Background(), pipelineMessage(), time.Millisecond))
}

func TestPipeline_ConflictEvents(t *testing.T) {
	w := &captureWriter{}
	p := newTestPipeline(t, w, nil)

	m := pipelineMessage()
	p.ConflictDetected(m, map[string]any{"field": "goal_state"})
	p.ConflictResolved(m, map[string]any{"strategy": "last_write_wins"})
	p.ConflictResolutionFailed(m, nil)

	assert.Eventually(t, func() bool { return len(w.flattened()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []queue.EventType{
		queue.EventConflictDetected,
		queue.EventConflictResolved,
		queue.EventConflictResolutionFailed,
	}, eventTypes(w.flattened()))
}
