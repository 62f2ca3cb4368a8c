package dlq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/broker"
	"dev.helix.mq/internal/broker/inmemory"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
	"dev.helix.mq/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// fakeStore serves canned records and tracks remediation calls.
type fakeStore struct {
	mu      sync.Mutex
	recs    []*queue.DLQRecord
	lastF   store.DLQFilter
	deleted []string
	purgeN  int64
	cutoff  time.Time
}

func (f *fakeStore) List(_ context.Context, _ string, flt store.DLQFilter) ([]*queue.DLQRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastF = flt
	limit := flt.Limit
	if limit <= 0 || limit > len(f.recs) {
		limit = len(f.recs)
	}
	return append([]*queue.DLQRecord(nil), f.recs[:limit]...), nil
}

func (f *fakeStore) Delete(_ context.Context, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return true, nil
}

func (f *fakeStore) PurgeOlderThan(_ context.Context, _ string, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	return f.purgeN, nil
}

func (f *fakeStore) filter() store.DLQFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastF
}

func (f *fakeStore) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeStore) cutoffAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cutoff
}

type fakePoison struct {
	mu     sync.Mutex
	resets []string
}

func (f *fakePoison) Reset(_ context.Context, orgID, dedupKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, orgID+"/"+dedupKey)
	return nil
}

func (f *fakePoison) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

// captureEvents implements audit.EventWriter.
type captureEvents struct {
	mu  sync.Mutex
	evs []queue.AuditEvent
}

func (c *captureEvents) AppendBatch(_ context.Context, evs []queue.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, evs...)
	return nil
}

func (c *captureEvents) events() []queue.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.AuditEvent(nil), c.evs...)
}

// captureStatus implements audit.MessageMirror.
type captureStatus struct {
	mu     sync.Mutex
	status map[string]queue.Status
}

func newCaptureStatus() *captureStatus {
	return &captureStatus{status: make(map[string]queue.Status)}
}

func (c *captureStatus) Upsert(_ context.Context, m *queue.Message, s queue.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[m.MessageID] = s
	return nil
}

func (c *captureStatus) UpdateStatus(_ context.Context, messageID string, s queue.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[messageID] = s
	return nil
}

func (c *captureStatus) statusOf(messageID string) queue.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[messageID]
}

func deadRecord(orgID, messageID string, p queue.Priority, canReplay bool) *queue.DLQRecord {
	history := []queue.ErrorEntry{
		{Kind: queue.KindTransientIO, Detail: "boom", RetryCount: 8, OccurredAt: time.Now().UTC()},
	}
	return &queue.DLQRecord{
		OrgID:  orgID,
		Reason: queue.KindPermanentUpstream,
		OriginalMessage: &queue.Message{
			MessageID:     messageID,
			SchemaVersion: queue.SchemaVersion,
			OrgID:         orgID,
			AgentID:       "agent-1",
			GoalID:        "goal-1",
			TaskID:        "task-1",
			CreatedBy:     queue.CreatedBy{Kind: queue.ActorUser, ID: "user-1"},
			Type:          queue.TypeToolCall,
			Priority:      p,
			CreatedAt:     time.Now().UTC().Add(-time.Hour),
			RetryCount:    9,
			MaxRetries:    9,
			ErrorHistory:  history,
			Payload:       json.RawMessage(`{"tool":"search"}`),
		},
		ErrorHistory: history,
		CanReplay:    canReplay,
		DLQTimestamp: time.Now().UTC().Add(-30 * time.Minute),
	}
}

func newRequestBroker(t *testing.T, orgID string) *inmemory.Broker {
	t.Helper()
	mem := inmemory.New()
	t.Cleanup(func() { _ = mem.Close() })
	mgr := broker.NewManager(mem, nil)
	require.NoError(t, mgr.EnsureOrg(context.Background(), orgID))
	return mem
}

func requestDepth(t *testing.T, mem *inmemory.Broker, orgID string) int {
	t.Helper()
	n, err := mem.QueueDepth(context.Background(), queue.RequestQueue(orgID))
	require.NoError(t, err)
	return n
}

func TestReplay_RepublishesIntoRequestQueue(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{deadRecord("acme", "m-1", queue.P2, true)}}
	poison := &fakePoison{}
	m := metrics.NewTestCollector()
	r := NewReplayer(st, mem, poison, nil, m, testLogger())

	rep, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Selected)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, []string{"m-1"}, rep.Replayed)

	// The wire copy restarts clean: fresh retry budget, history gone,
	// replay provenance recorded in context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := mem.Consume(ctx, queue.RequestQueue("acme"))
	require.NoError(t, err)
	d := <-deliveries
	got, err := queue.DecodeMessage(d.Body)
	require.NoError(t, err)
	require.NoError(t, d.Ack())

	assert.Equal(t, "m-1", got.MessageID)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorHistory)
	assert.Equal(t, queue.P2, got.Priority)
	assert.Contains(t, got.Context, "replayed_from")

	assert.Equal(t, []string{"m-1"}, st.deletedIDs())
	assert.Equal(t, []string{"acme/m-1"}, poison.all(), "dedup key falls back to the message id")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DLQReplayTotal.WithLabelValues("acme")))
}

func TestReplay_SkipsUnreplayableRecords(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{
		deadRecord("acme", "m-1", queue.P2, false),
		deadRecord("acme", "m-2", queue.P2, true),
	}}
	r := NewReplayer(st, mem, nil, nil, nil, testLogger())

	rep, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Selected)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"m-2"}, rep.Replayed)
	assert.Equal(t, 1, requestDepth(t, mem, "acme"))
	assert.Equal(t, []string{"m-2"}, st.deletedIDs(), "forensic records stay in the mirror")
}

func TestReplay_PriorityOverrideNeedsConfirmation(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{deadRecord("acme", "m-1", queue.P2, true)}}
	r := NewReplayer(st, mem, nil, nil, nil, testLogger())

	p0 := queue.P0
	_, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Priority: &p0})
	require.Error(t, err)
	assert.Equal(t, queue.KindValidation, queue.KindOf(err))
	assert.Zero(t, requestDepth(t, mem, "acme"))
	assert.Empty(t, st.deletedIDs())

	rep, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Priority: &p0, Confirmed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, rep.Replayed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := mem.Consume(ctx, queue.RequestQueue("acme"))
	require.NoError(t, err)
	d := <-deliveries
	got, err := queue.DecodeMessage(d.Body)
	require.NoError(t, err)
	require.NoError(t, d.Ack())
	assert.Equal(t, queue.P0, got.Priority)
}

func TestReplay_MatchingOverrideNeedsNoConfirmation(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{deadRecord("acme", "m-1", queue.P2, true)}}
	r := NewReplayer(st, mem, nil, nil, nil, testLogger())

	p2 := queue.P2
	rep, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Priority: &p2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, rep.Replayed)
}

func TestReplay_DryRun(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{
		deadRecord("acme", "m-1", queue.P2, true),
		deadRecord("acme", "m-2", queue.P1, false),
	}}
	r := NewReplayer(st, mem, nil, nil, nil, testLogger())

	rep, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme", Limit: 10, DryRun: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Selected)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, rep.Replayed)
	assert.Zero(t, requestDepth(t, mem, "acme"))
	assert.Empty(t, st.deletedIDs())
}

func TestReplay_EmitsAuditTrail(t *testing.T) {
	mem := newRequestBroker(t, "acme")
	st := &fakeStore{recs: []*queue.DLQRecord{deadRecord("acme", "m-1", queue.P2, true)}}

	w := &captureEvents{}
	mirror := newCaptureStatus()
	b := audit.NewBatcher(audit.BatcherConfig{BatchSize: 10, FlushInterval: time.Hour},
		w, nil, audit.NewRedactor(audit.RedactNone), metrics.NewTestCollector(), testLogger())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	pipeline := audit.NewPipeline(b, mirror, testLogger())

	r := NewReplayer(st, mem, nil, pipeline, nil, testLogger())
	_, err := r.Replay(context.Background(), ReplayOptions{OrgID: "acme"})
	require.NoError(t, err)

	b.Stop()

	evs := w.events()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.EventReplayed, evs[0].EventType)
	assert.Equal(t, "m-1", evs[0].MessageID)
	assert.Equal(t, "dlq_replay", evs[0].Details["source"])
	assert.Equal(t, queue.StatusQueued, mirror.statusOf("m-1"))
}

func TestReplay_ForwardsFilters(t *testing.T) {
	st := &fakeStore{}
	r := NewReplayer(st, nil, nil, nil, nil, testLogger())

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	rep, err := r.Replay(context.Background(), ReplayOptions{
		OrgID: "acme",
		Limit: 9,
		Type:  queue.TypeModelCall,
		Since: since,
		Until: until,
	})
	require.NoError(t, err)
	assert.Zero(t, rep.Selected)

	f := st.filter()
	assert.Equal(t, 9, f.Limit)
	assert.Equal(t, queue.TypeModelCall, f.Type)
	assert.True(t, f.Since.Equal(since))
	assert.True(t, f.Until.Equal(until))

	_, err = r.Replay(context.Background(), ReplayOptions{OrgID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, st.filter().Limit, "limit defaults to one record")
}

func TestReplay_RequiresOrg(t *testing.T) {
	r := NewReplayer(&fakeStore{}, nil, nil, nil, nil, testLogger())
	_, err := r.Replay(context.Background(), ReplayOptions{})
	require.Error(t, err)
	assert.Equal(t, queue.KindValidation, queue.KindOf(err))
}

func TestPurge(t *testing.T) {
	st := &fakeStore{purgeN: 7}
	m := metrics.NewTestCollector()
	r := NewReplayer(st, nil, nil, nil, m, testLogger())

	n, err := r.Purge(context.Background(), "acme", 48*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.WithinDuration(t, time.Now().UTC().Add(-48*time.Hour), st.cutoffAt(), time.Minute)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DLQPurgeTotal.WithLabelValues("acme")))
}

func TestPurge_Validation(t *testing.T) {
	r := NewReplayer(&fakeStore{}, nil, nil, nil, nil, testLogger())

	_, err := r.Purge(context.Background(), "", time.Hour)
	assert.Equal(t, queue.KindValidation, queue.KindOf(err))

	_, err = r.Purge(context.Background(), "acme", 0)
	assert.Equal(t, queue.KindValidation, queue.KindOf(err))
}
