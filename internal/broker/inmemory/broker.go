// Package inmemory provides an in-memory queue.Broker for tests. It
// reproduces the transport behaviors the queue depends on: priority
// ordering with FIFO inside a class, manual acks with redelivery,
// per-queue TTL dead-lettering (the retry ladder), direct exchanges,
// and prefetch-bounded consumers.
package inmemory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"dev.helix.mq/internal/broker"
	"dev.helix.mq/internal/queue"
)

// Broker is the in-memory implementation of queue.Broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	exchanges map[string]*memExchange
	pending   map[uint64]*pendingExpiry
	closed    bool
	seq       uint64
	nextTag   uint64
}

type memQueue struct {
	name     string
	args     map[string]any
	ready    msgHeap
	unacked  map[uint64]*memMessage
	notify   chan struct{}
	deleted  chan struct{}
	inflight int
}

type memExchange struct {
	kind  string
	binds map[string][]string // routing key -> queue names
}

type memMessage struct {
	body        []byte
	headers     map[string]any
	priority    uint8
	seq         uint64
	redelivered bool
}

type pendingExpiry struct {
	timer     *time.Timer
	queueName string
	seq       uint64
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*memQueue),
		exchanges: make(map[string]*memExchange),
		pending:   make(map[uint64]*pendingExpiry),
	}
}

// Publish routes one message. Unroutable messages error when the
// publication is mandatory or confirmed, and are dropped otherwise,
// matching the fire-and-forget contract.
func (b *Broker) Publish(ctx context.Context, p queue.Publication) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.BrokerUnavailable("publish", queue.ErrConnectionClosed)
	}

	targets, err := b.routeLocked(p)
	if err != nil {
		if p.Mandatory || p.Confirm {
			return err
		}
		return nil
	}
	if len(targets) == 0 && (p.Mandatory || p.Confirm) {
		exchange, key := p.Destination()
		return queue.BrokerUnavailable("message unroutable: "+exchange+"/"+key, nil)
	}

	for _, q := range targets {
		b.enqueueLocked(q, &memMessage{
			body:     p.Body,
			headers:  copyHeaders(p.Headers),
			priority: p.Priority,
		}, p.Expiration)
	}
	return nil
}

// routeLocked resolves the destination queues for a publication.
func (b *Broker) routeLocked(p queue.Publication) ([]*memQueue, error) {
	exchange, key := p.Destination()
	if exchange == "" {
		q, ok := b.queues[key]
		if !ok {
			return nil, queue.BrokerUnavailable("message unroutable: no queue "+key, nil)
		}
		return []*memQueue{q}, nil
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, queue.BrokerUnavailable("message unroutable: no exchange "+exchange, nil)
	}

	var names []string
	switch ex.kind {
	case "fanout":
		for _, bound := range ex.binds {
			names = append(names, bound...)
		}
	default: // direct
		names = ex.binds[key]
	}

	var targets []*memQueue
	for _, name := range names {
		if q, ok := b.queues[name]; ok {
			targets = append(targets, q)
		}
	}
	return targets, nil
}

// enqueueLocked places a message onto a queue and arms its expiry when
// the queue declares a TTL or the publication carries one.
func (b *Broker) enqueueLocked(q *memQueue, m *memMessage, msgTTL time.Duration) {
	b.seq++
	m.seq = b.seq
	heap.Push(&q.ready, m)
	signal(q.notify)

	ttl := effectiveTTL(queueTTL(q.args), msgTTL)
	if ttl <= 0 {
		return
	}

	seq := m.seq
	name := q.name
	exp := &pendingExpiry{queueName: name, seq: seq}
	exp.timer = time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.expireLocked(seq)
	})
	b.pending[seq] = exp
}

// expireLocked dead-letters one TTL'd message if it is still ready.
func (b *Broker) expireLocked(seq uint64) {
	exp, ok := b.pending[seq]
	if !ok {
		return
	}
	delete(b.pending, seq)

	q, ok := b.queues[exp.queueName]
	if !ok {
		return
	}
	m := q.ready.removeBySeq(seq)
	if m == nil {
		return
	}
	b.deadLetterLocked(q, m)
}

// deadLetterLocked routes a message to its queue's dead-letter target,
// or drops it when none is declared.
func (b *Broker) deadLetterLocked(q *memQueue, m *memMessage) {
	target, ok := q.args[broker.ArgDeadLetterRoutingKey].(string)
	if !ok || target == "" {
		return
	}
	dest, ok := b.queues[target]
	if !ok {
		return
	}
	b.enqueueLocked(dest, &memMessage{
		body:     m.body,
		headers:  m.headers,
		priority: m.priority,
	}, 0)
}

// FlushDelays fires every pending TTL expiry immediately. Tests use it
// to step the retry ladder without waiting out real delays.
func (b *Broker) FlushDelays() {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]uint64, 0, len(b.pending))
	for seq, exp := range b.pending {
		exp.timer.Stop()
		seqs = append(seqs, seq)
	}
	for _, seq := range seqs {
		b.expireLocked(seq)
	}
}

// Consume opens a prefetch-bounded delivery stream.
func (b *Broker) Consume(ctx context.Context, queueName string, opts ...queue.ConsumeOption) (<-chan queue.Delivery, error) {
	options := queue.ApplyConsumeOptions(opts...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, queue.BrokerUnavailable("consume", queue.ErrConnectionClosed)
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, queue.BrokerUnavailable("consume: no queue "+queueName, nil)
	}
	b.mu.Unlock()

	out := make(chan queue.Delivery)
	go b.consumeLoop(ctx, q, options.Prefetch, out)
	return out, nil
}

func (b *Broker) consumeLoop(ctx context.Context, q *memQueue, prefetch int, out chan<- queue.Delivery) {
	defer close(out)

	var tags []uint64
	defer func() {
		// Stream teardown returns unsettled deliveries to the queue,
		// like a closing AMQP channel does.
		b.mu.Lock()
		for _, tag := range tags {
			if m, ok := q.unacked[tag]; ok {
				delete(q.unacked, tag)
				q.inflight--
				m.redelivered = true
				heap.Push(&q.ready, m)
			}
		}
		signal(q.notify)
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		var m *memMessage
		var tag uint64
		if q.inflight < prefetch && q.ready.Len() > 0 {
			m = heap.Pop(&q.ready).(*memMessage)
			b.clearExpiryLocked(m.seq)
			b.nextTag++
			tag = b.nextTag
			q.unacked[tag] = m
			q.inflight++
			tags = append(tags, tag)
		}
		b.mu.Unlock()

		if m == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.deleted:
				return
			case <-q.notify:
				continue
			}
		}

		select {
		case out <- b.makeDelivery(q, tag, m):
		case <-ctx.Done():
			return
		case <-q.deleted:
			return
		}
	}
}

func (b *Broker) clearExpiryLocked(seq uint64) {
	if exp, ok := b.pending[seq]; ok {
		exp.timer.Stop()
		delete(b.pending, seq)
	}
}

func (b *Broker) makeDelivery(q *memQueue, tag uint64, m *memMessage) queue.Delivery {
	return queue.Delivery{
		Queue:       q.name,
		Body:        m.body,
		Headers:     m.headers,
		Priority:    m.priority,
		Redelivered: m.redelivered,
		AckFunc: func() error {
			return b.settle(q, tag, false, false)
		},
		NackFunc: func(requeue bool) error {
			return b.settle(q, tag, true, requeue)
		},
	}
}

// settle resolves one delivery. Settling twice is a no-op so shutdown
// paths that nack already-requeued deliveries stay safe.
func (b *Broker) settle(q *memQueue, tag uint64, nack, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := q.unacked[tag]
	if !ok {
		return nil
	}
	delete(q.unacked, tag)
	q.inflight--

	if nack {
		if requeue {
			m.redelivered = true
			heap.Push(&q.ready, m)
		} else {
			b.deadLetterLocked(q, m)
		}
	}
	signal(q.notify)
	return nil
}

// QueueDepth returns the ready-message count.
func (b *Broker) QueueDepth(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, queue.BrokerUnavailable("inspect queue "+name, nil)
	}
	return q.ready.Len(), nil
}

// DeclareQueue creates a queue when absent; re-declares are no-ops.
func (b *Broker) DeclareQueue(ctx context.Context, spec queue.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.BrokerUnavailable("declare queue", queue.ErrConnectionClosed)
	}
	if _, ok := b.queues[spec.Name]; ok {
		return nil
	}
	b.queues[spec.Name] = &memQueue{
		name:    spec.Name,
		args:    copyHeaders(spec.Args),
		unacked: make(map[uint64]*memMessage),
		notify:  make(chan struct{}, 1),
		deleted: make(chan struct{}),
	}
	return nil
}

// DeclareExchange creates an exchange when absent.
func (b *Broker) DeclareExchange(ctx context.Context, spec queue.ExchangeSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.BrokerUnavailable("declare exchange", queue.ErrConnectionClosed)
	}
	if _, ok := b.exchanges[spec.Name]; ok {
		return nil
	}
	kind := spec.Kind
	if kind == "" {
		kind = "direct"
	}
	b.exchanges[spec.Name] = &memExchange{
		kind:  kind,
		binds: make(map[string][]string),
	}
	return nil
}

// BindQueue binds a queue to an exchange routing key.
func (b *Broker) BindQueue(ctx context.Context, spec queue.BindSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[spec.Exchange]
	if !ok {
		return queue.BrokerUnavailable("bind: no exchange "+spec.Exchange, nil)
	}
	if _, ok := b.queues[spec.Queue]; !ok {
		return queue.BrokerUnavailable("bind: no queue "+spec.Queue, nil)
	}
	for _, name := range ex.binds[spec.RoutingKey] {
		if name == spec.Queue {
			return nil
		}
	}
	ex.binds[spec.RoutingKey] = append(ex.binds[spec.RoutingKey], spec.Queue)
	return nil
}

// DeleteQueue removes a queue and ends its consumers.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	close(q.deleted)

	for _, ex := range b.exchanges {
		for key, bound := range ex.binds {
			ex.binds[key] = removeString(bound, name)
		}
	}
	return nil
}

// PurgeQueue drops all ready messages and returns the count.
func (b *Broker) PurgeQueue(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, queue.BrokerUnavailable("purge: no queue "+name, nil)
	}
	n := q.ready.Len()
	for _, m := range q.ready {
		b.clearExpiryLocked(m.seq)
	}
	q.ready = q.ready[:0]
	return n, nil
}

// Close stops timers and ends every consumer.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, exp := range b.pending {
		exp.timer.Stop()
	}
	b.pending = make(map[uint64]*pendingExpiry)

	for _, q := range b.queues {
		select {
		case <-q.deleted:
		default:
			close(q.deleted)
		}
	}
	return nil
}

// signal performs a non-blocking wakeup.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func copyHeaders(h map[string]any) map[string]any {
	if h == nil {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// queueTTL reads the x-message-ttl argument, tolerating the integer
// widths declarations use.
func queueTTL(args map[string]any) time.Duration {
	v, ok := args[broker.ArgMessageTTL]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond
	case int32:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	}
	return 0
}

// effectiveTTL returns the shorter of the queue and message TTLs,
// ignoring zeroes.
func effectiveTTL(queueTTL, msgTTL time.Duration) time.Duration {
	switch {
	case queueTTL <= 0:
		return msgTTL
	case msgTTL <= 0:
		return queueTTL
	case msgTTL < queueTTL:
		return msgTTL
	default:
		return queueTTL
	}
}

// msgHeap orders ready messages by priority, FIFO within a class.
type msgHeap []*memMessage

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x interface{}) {
	*h = append(*h, x.(*memMessage))
}

func (h *msgHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// removeBySeq removes one message by sequence number, restoring heap
// order. Returns nil when the message is no longer ready.
func (h *msgHeap) removeBySeq(seq uint64) *memMessage {
	for i, m := range *h {
		if m.seq == seq {
			out := heap.Remove(h, i).(*memMessage)
			return out
		}
	}
	return nil
}
