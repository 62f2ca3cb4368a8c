package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dev.helix.mq/internal/broker"
	"dev.helix.mq/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func declareQueue(t *testing.T, b *Broker, name string, args map[string]any) {
	t.Helper()
	require.NoError(t, b.DeclareQueue(context.Background(), queue.QueueSpec{
		Name:    name,
		Durable: true,
		Args:    args,
	}))
}

func publish(t *testing.T, b *Broker, p queue.Publication) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), p))
}

func receive(t *testing.T, ch <-chan queue.Delivery, within time.Duration) queue.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery stream closed")
		return d
	case <-time.After(within):
		t.Fatal("no delivery received in time")
	}
	return queue.Delivery{}
}

func TestPublishConsume_PriorityOrdering(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)

	publish(t, b, queue.Publication{Queue: "q", Body: []byte("low"), Priority: queue.P3.AMQPPriority()})
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("urgent"), Priority: queue.P0.AMQPPriority()})
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("mid"), Priority: queue.P1.AMQPPriority()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q", queue.WithPrefetch(10))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		d := receive(t, deliveries, time.Second)
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, []string{"urgent", "mid", "low"}, got)
}

func TestPublishConsume_FIFOWithinClass(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)

	for _, body := range []string{"a", "b", "c"} {
		publish(t, b, queue.Publication{Queue: "q", Body: []byte(body), Priority: queue.P2.AMQPPriority()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		d := receive(t, deliveries, time.Second)
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestNack_RequeueRedelivers(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, deliveries, time.Second)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(true))

	second := receive(t, deliveries, time.Second)
	assert.True(t, second.Redelivered)
	assert.Equal(t, first.Body, second.Body)
	require.NoError(t, second.Ack())
}

func TestNack_NoRequeueDeadLetters(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "dlq", nil)
	declareQueue(t, b, "q", map[string]any{
		broker.ArgDeadLetterExchange:   "",
		broker.ArgDeadLetterRoutingKey: "dlq",
	})
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("bad")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, deliveries, time.Second)
	require.NoError(t, d.Nack(false))

	depth, err := b.QueueDepth(context.Background(), "dlq")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSettleTwiceIsSafe(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, deliveries, time.Second)
	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))

	depth, err := b.QueueDepth(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestTTLQueue_DeadLettersToTarget(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "org.o.requests", nil)
	declareQueue(t, b, "org.o.retry.500", map[string]any{
		broker.ArgMessageTTL:           int64(500),
		broker.ArgDeadLetterExchange:   "",
		broker.ArgDeadLetterRoutingKey: "org.o.requests",
	})

	publish(t, b, queue.Publication{Queue: "org.o.retry.500", Body: []byte("retry-me"), Priority: 3})

	depth, err := b.QueueDepth(context.Background(), "org.o.retry.500")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	b.FlushDelays()

	depth, err = b.QueueDepth(context.Background(), "org.o.retry.500")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	depth, err = b.QueueDepth(context.Background(), "org.o.requests")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestTTLQueue_ConsumedBeforeExpiryIsNotDeadLettered(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "target", nil)
	declareQueue(t, b, "holding", map[string]any{
		broker.ArgMessageTTL:           int64(60000),
		broker.ArgDeadLetterRoutingKey: "target",
	})
	publish(t, b, queue.Publication{Queue: "holding", Body: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "holding")
	require.NoError(t, err)
	d := receive(t, deliveries, time.Second)
	require.NoError(t, d.Ack())

	b.FlushDelays()

	depth, err := b.QueueDepth(context.Background(), "target")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestExchange_DirectRouting(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	declareQueue(t, b, "agent.a1.responses", nil)
	declareQueue(t, b, "agent.a2.responses", nil)
	require.NoError(t, b.DeclareExchange(ctx, queue.ExchangeSpec{Name: "responses.o", Kind: "direct", Durable: true}))
	require.NoError(t, b.BindQueue(ctx, queue.BindSpec{Queue: "agent.a1.responses", Exchange: "responses.o", RoutingKey: "a1"}))
	require.NoError(t, b.BindQueue(ctx, queue.BindSpec{Queue: "agent.a2.responses", Exchange: "responses.o", RoutingKey: "a2"}))

	publish(t, b, queue.Publication{Exchange: "responses.o", RoutingKey: "a1", Body: []byte("for-a1")})

	d1, err := b.QueueDepth(ctx, "agent.a1.responses")
	require.NoError(t, err)
	d2, err := b.QueueDepth(ctx, "agent.a2.responses")
	require.NoError(t, err)
	assert.Equal(t, 1, d1)
	assert.Equal(t, 0, d2)
}

func TestPublish_UnroutableMandatoryErrors(t *testing.T) {
	b := newTestBroker(t)

	err := b.Publish(context.Background(), queue.Publication{
		Queue:     "missing",
		Body:      []byte("x"),
		Mandatory: true,
	})

	require.Error(t, err)
	assert.Equal(t, queue.KindBrokerUnavailable, queue.KindOf(err))
}

func TestPublish_UnroutableFireAndForgetIsDropped(t *testing.T) {
	b := newTestBroker(t)

	err := b.Publish(context.Background(), queue.Publication{
		Queue: "missing",
		Body:  []byte("x"),
	})

	assert.NoError(t, err)
}

func TestConsume_PrefetchBoundsInflight(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("one")})
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("two")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q", queue.WithPrefetch(1))
	require.NoError(t, err)

	first := receive(t, deliveries, time.Second)

	select {
	case d := <-deliveries:
		t.Fatalf("second delivery %q arrived before the first was acked", d.Body)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	second := receive(t, deliveries, time.Second)
	assert.Equal(t, "two", string(second.Body))
	require.NoError(t, second.Ack())
}

func TestConsume_StreamTeardownRequeuesUnacked(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)
	publish(t, b, queue.Publication{Queue: "q", Body: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	_ = receive(t, deliveries, time.Second)
	cancel()

	assert.Eventually(t, func() bool {
		depth, derr := b.QueueDepth(context.Background(), "q")
		return derr == nil && depth == 1
	}, time.Second, 10*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	deliveries2, err := b.Consume(ctx2, "q")
	require.NoError(t, err)
	d := receive(t, deliveries2, time.Second)
	assert.True(t, d.Redelivered)
	require.NoError(t, d.Ack())
}

func TestDeleteQueue_EndsConsumers(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.DeleteQueue(context.Background(), "q"))

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok, "stream should close when the queue is deleted")
	case <-time.After(time.Second):
		t.Fatal("stream did not close after queue delete")
	}
}

func TestPurgeQueue(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", nil)
	for i := 0; i < 4; i++ {
		publish(t, b, queue.Publication{Queue: "q", Body: []byte("x")})
	}

	n, err := b.PurgeQueue(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	depth, err := b.QueueDepth(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDeclareQueue_Idempotent(t *testing.T) {
	b := newTestBroker(t)
	declareQueue(t, b, "q", map[string]any{broker.ArgMaxPriority: 10})
	declareQueue(t, b, "q", map[string]any{broker.ArgMaxPriority: 10})

	publish(t, b, queue.Publication{Queue: "q", Body: []byte("x")})
	depth, err := b.QueueDepth(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestEffectiveTTL(t *testing.T) {
	assert.Equal(t, time.Duration(0), effectiveTTL(0, 0))
	assert.Equal(t, time.Second, effectiveTTL(time.Second, 0))
	assert.Equal(t, time.Second, effectiveTTL(0, time.Second))
	assert.Equal(t, time.Second, effectiveTTL(time.Second, 2*time.Second))
	assert.Equal(t, time.Second, effectiveTTL(2*time.Second, time.Second))
}

func TestCloseEndsConsumersAndRejectsPublishes(t *testing.T) {
	b := New()
	declareQueue(t, b, "q", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not close on broker close")
	}

	err = b.Publish(context.Background(), queue.Publication{Queue: "q", Body: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, queue.KindBrokerUnavailable, queue.KindOf(err))
}
