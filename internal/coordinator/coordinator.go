// Package coordinator multiplexes agent response queues on one server.
// Each registered agent gets a consumer on its response queue and a
// bounded mailbox; frames are routed to per-request streams or the
// agent's general channel. The coordinator also polices delivery:
// misrouted frames are bounced back through the response exchange,
// unreachable and runaway agents are quarantined into the DLQ store,
// and silent agents are unregistered after missed heartbeats, with
// their queues deleted after a grace period.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/broker"
	"dev.helix.mq/internal/cache"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/producer"
	"dev.helix.mq/internal/queue"
)

// responsePrefetch caps unacked frames per agent consumer. Response
// handling is in-memory routing, so a small window is enough.
const responsePrefetch = 32

// drainPoll is how often a runaway drain rechecks queue depth.
const drainPoll = 200 * time.Millisecond

// Broker is the transport slice the coordinator needs: response
// deliveries in, misroute bounces out, queue depths for drain checks.
type Broker interface {
	queue.Consumer
	queue.Publisher
	queue.Inspector
}

// Sender publishes request messages upstream. Satisfied by
// *producer.Producer.
type Sender interface {
	Publish(ctx context.Context, m *queue.Message) (producer.PublishResult, error)
}

// DLQStore records undeliverable response frames. Satisfied by
// store.DLQRepository.
type DLQStore interface {
	Insert(ctx context.Context, rec *queue.DLQRecord) error
}

// Coordinator owns the agent subscriptions of one server process.
type Coordinator struct {
	cfg    config.CoordinatorConfig
	broker Broker
	topo   *broker.Manager
	sender Sender
	dlq    DLQStore
	hb     *cache.RedisClient
	m      *metrics.Collector
	log    *zap.Logger

	policy overflowPolicy

	running    atomic.Bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	subs      map[string]*Subscription
	misroutes map[string]int
	dead      map[string]bool
	deletions map[string]*time.Timer
}

// New wires a Coordinator. sender, dlq, hb, and m may be nil: Send
// then rejects, frame quarantine is skipped, and heartbeats stay
// local.
func New(cfg config.CoordinatorConfig, b Broker, topo *broker.Manager, sender Sender, dlq DLQStore, hb *cache.RedisClient, m *metrics.Collector, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 1000
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = 3
	}
	if cfg.QueueDeleteGrace <= 0 {
		cfg.QueueDeleteGrace = 5 * time.Minute
	}
	if cfg.RunawayInterval <= 0 {
		cfg.RunawayInterval = time.Minute
	}
	if cfg.MisrouteThreshold <= 0 {
		cfg.MisrouteThreshold = 5
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 5 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		broker:    b,
		topo:      topo,
		sender:    sender,
		dlq:       dlq,
		hb:        hb,
		m:         m,
		log:       log,
		subs:      map[string]*Subscription{},
		misroutes: map[string]int{},
		dead:      map[string]bool{},
		deletions: map[string]*time.Timer{},
	}
}

// Start launches the liveness loop and registers the configured
// agents. A topology failure on a configured agent aborts the start.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.cfg.OrgID == "" {
		return queue.ConfigError("coordinator requires an org id")
	}
	if c.broker == nil || c.topo == nil {
		return queue.ConfigError("coordinator requires a broker and a topology manager")
	}
	policy, err := parsePolicy(c.cfg.OverflowPolicy)
	if err != nil {
		return err
	}
	if !c.running.CompareAndSwap(false, true) {
		return queue.ConfigError("coordinator already started")
	}
	c.policy = policy
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.liveness(c.rootCtx)

	for _, agentID := range c.cfg.AgentIDs {
		if _, err := c.Register(ctx, agentID); err != nil {
			c.Stop()
			return err
		}
	}
	c.log.Info("coordinator started",
		zap.String("org_id", c.cfg.OrgID),
		zap.Strings("agents", c.cfg.AgentIDs),
		zap.Int("mailbox_capacity", c.cfg.MailboxCapacity),
		zap.String("overflow_policy", c.cfg.OverflowPolicy))
	return nil
}

// Stop unregisters every agent with a graceful mailbox drain and
// cancels pending queue deletions. Queues are left in place; agents
// re-attach where they left off on the next start.
func (c *Coordinator) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[string]*Subscription{}
	timers := c.deletions
	c.deletions = map[string]*time.Timer{}
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, sub := range subs {
		left := c.teardown(sub, c.cfg.DrainDeadline)
		if len(left) > 0 {
			c.log.Warn("shutdown dropped undelivered responses",
				zap.String("agent_id", sub.agentID),
				zap.Int("count", len(left)))
		}
	}
	c.rootCancel()
	c.wg.Wait()
	c.log.Info("coordinator stopped", zap.String("org_id", c.cfg.OrgID))
}

// Register attaches an agent: its response queue and binding are
// declared, a consumer opened, and a mailbox created. Registering an
// already-attached agent returns the existing subscription; a pending
// queue deletion for the agent is cancelled.
func (c *Coordinator) Register(ctx context.Context, agentID string) (*Subscription, error) {
	if agentID == "" {
		return nil, queue.ValidationError("agent id is required", nil)
	}
	if !c.running.Load() {
		return nil, queue.ConfigError("coordinator is not running")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[agentID]; ok {
		return sub, nil
	}
	if t, ok := c.deletions[agentID]; ok {
		t.Stop()
		delete(c.deletions, agentID)
	}
	delete(c.dead, agentID)
	delete(c.misroutes, agentID)

	if err := c.topo.EnsureAgent(ctx, c.cfg.OrgID, agentID); err != nil {
		return nil, err
	}
	consumeCtx, cancel := context.WithCancel(c.rootCtx)
	deliveries, err := c.broker.Consume(consumeCtx, queue.AgentQueue(agentID),
		queue.WithPrefetch(responsePrefetch),
		queue.WithConsumerTag("coordinator-"+agentID),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := c.newSubscription(agentID)
	sub.cancelConsumer = cancel
	c.subs[agentID] = sub
	go c.consume(consumeCtx, sub, deliveries)

	if c.hb != nil {
		if err := c.hb.Heartbeat(ctx, agentID, c.livenessBudget()); err != nil {
			c.log.Warn("heartbeat publish failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if c.m != nil {
		c.m.CoordinatorMailboxDepth.WithLabelValues(agentID).Set(0)
	}
	c.log.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("queue", queue.AgentQueue(agentID)))
	return sub, nil
}

// Unregister detaches an agent after draining its mailbox, bounded by
// the drain deadline. The agent's queue stays declared and keeps
// accumulating frames; the shared heartbeat simply lapses.
func (c *Coordinator) Unregister(agentID string) error {
	c.mu.Lock()
	sub, ok := c.subs[agentID]
	delete(c.subs, agentID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	left := c.teardown(sub, c.cfg.DrainDeadline)
	if len(left) > 0 {
		c.log.Warn("unregister dropped undelivered responses",
			zap.String("agent_id", agentID),
			zap.Int("count", len(left)))
	}
	c.log.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Send publishes a request message through the wired producer.
func (c *Coordinator) Send(ctx context.Context, m *queue.Message) (producer.PublishResult, error) {
	if c.sender == nil {
		return producer.PublishResult{}, queue.ConfigError("coordinator has no producer wired")
	}
	return c.sender.Publish(ctx, m)
}

// Subscription looks up a registered agent.
func (c *Coordinator) Subscription(agentID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[agentID]
	return sub, ok
}

// Responses returns the general delivery channel for a registered
// agent.
func (c *Coordinator) Responses(agentID string) (<-chan *queue.Response, error) {
	sub, ok := c.Subscription(agentID)
	if !ok {
		return nil, queue.ValidationError(fmt.Sprintf("agent %s is not registered", agentID), nil)
	}
	return sub.Responses(), nil
}

// Stream subscribes to the response frames of one request on a
// registered agent. The channel closes after the terminal frame.
func (c *Coordinator) Stream(ctx context.Context, agentID, requestID string) (<-chan *queue.Response, error) {
	sub, ok := c.Subscription(agentID)
	if !ok {
		return nil, queue.ValidationError(fmt.Sprintf("agent %s is not registered", agentID), nil)
	}
	return sub.Stream(ctx, requestID)
}

// Agents lists the registered agent ids.
func (c *Coordinator) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) consume(ctx context.Context, sub *Subscription, deliveries <-chan queue.Delivery) {
	defer close(sub.consumerDone)
	for {
		for d := range deliveries {
			c.handleDelivery(ctx, sub, &d)
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("response stream closed, resubscribing",
			zap.String("agent_id", sub.agentID))
		next, ok := c.reconsume(ctx, sub.agentID)
		if !ok {
			return
		}
		deliveries = next
	}
}

// reconsume redials the agent consumer with backoff. The queue and
// binding are redeclared first so a broker restart that lost them
// heals here.
func (c *Coordinator) reconsume(ctx context.Context, agentID string) (<-chan queue.Delivery, bool) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		err := c.topo.EnsureAgent(ctx, c.cfg.OrgID, agentID)
		if err == nil {
			var deliveries <-chan queue.Delivery
			deliveries, err = c.broker.Consume(ctx, queue.AgentQueue(agentID),
				queue.WithPrefetch(responsePrefetch),
				queue.WithConsumerTag("coordinator-"+agentID),
			)
			if err == nil {
				return deliveries, true
			}
		}
		c.log.Warn("resubscribe failed",
			zap.String("agent_id", agentID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Coordinator) handleDelivery(ctx context.Context, sub *Subscription, d *queue.Delivery) {
	r, err := queue.DecodeResponse(d.Body)
	if err != nil {
		c.log.Error("undecodable response frame",
			zap.String("agent_id", sub.agentID), zap.Error(err))
		_ = d.Nack(false)
		return
	}
	target := r.AgentID
	if target == "" {
		target = sub.agentID
	}
	if target != sub.agentID {
		c.misrouted(ctx, sub, d, r, target)
		return
	}
	if sub.dead.Load() {
		// Runaway drain mode: everything on the queue goes to the DLQ
		// store until the queue is empty.
		if err := c.dlqFrame(ctx, sub.agentID, r, queue.KindAgentRunaway); err != nil {
			_ = d.Nack(true)
			return
		}
		_ = d.Ack()
		return
	}
	c.deliver(ctx, sub, d, r)
}

func (c *Coordinator) deliver(ctx context.Context, sub *Subscription, d *queue.Delivery, r *queue.Response) {
	res, victim := sub.mb.offerWait(ctx, r, c.cfg.RunawayInterval)
	switch res {
	case offerAccepted:
		_ = d.Ack()
		if c.m != nil {
			c.m.CoordinatorMailboxDepth.WithLabelValues(sub.agentID).Set(float64(sub.mb.len()))
		}
	case offerDropped:
		_ = d.Ack()
		if c.m != nil {
			c.m.CoordinatorDroppedTotal.WithLabelValues(sub.agentID).Inc()
		}
		c.log.Debug("mailbox overflow dropped a frame",
			zap.String("agent_id", sub.agentID),
			zap.String("request_id", victim.RequestID),
			zap.String("type", string(victim.Type)))
	case offerFull:
		c.runaway(ctx, sub, d, r)
	case offerCanceled, offerClosed:
		_ = d.Nack(true)
	}
}

// misrouted handles a frame addressed to an agent this subscription
// does not serve: bounce it through the response exchange toward the
// right queue and nack the original without requeue. Targets that
// keep bouncing past the threshold are declared unreachable and their
// frames go to the DLQ store instead.
func (c *Coordinator) misrouted(ctx context.Context, sub *Subscription, d *queue.Delivery, r *queue.Response, target string) {
	c.mu.Lock()
	_, local := c.subs[target]
	unreachable := false
	if !local {
		c.misroutes[target]++
		if c.dead[target] || c.misroutes[target] > c.cfg.MisrouteThreshold {
			if !c.dead[target] {
				c.log.Warn("marking agent unreachable after repeated misroutes",
					zap.String("agent_id", target),
					zap.Int("misroutes", c.misroutes[target]))
			}
			c.dead[target] = true
			unreachable = true
		}
	}
	c.mu.Unlock()

	if c.m != nil {
		c.m.CoordinatorMisrouteTotal.WithLabelValues(target).Inc()
	}
	if unreachable {
		if err := c.dlqFrame(ctx, target, r, queue.KindAgentUnreachable); err != nil {
			_ = d.Nack(true)
			return
		}
		_ = d.Ack()
		return
	}
	err := c.broker.Publish(ctx, queue.Publication{
		Exchange:   queue.ResponseExchange(c.cfg.OrgID),
		RoutingKey: target,
		Body:       d.Body,
		Headers:    d.Headers,
		Priority:   d.Priority,
	})
	if err != nil {
		c.log.Warn("misroute bounce failed",
			zap.String("agent_id", target), zap.Error(err))
		_ = d.Nack(true)
		return
	}
	_ = d.Nack(false)
	c.log.Debug("bounced misrouted frame",
		zap.String("from", sub.agentID),
		zap.String("to", target),
		zap.String("request_id", r.RequestID))
}

// runaway fires when an agent has not drained its mailbox for a full
// runaway interval. The agent is marked dead, its backlog is steered
// into the DLQ store, and once the queue is empty it is unregistered.
func (c *Coordinator) runaway(ctx context.Context, sub *Subscription, d *queue.Delivery, r *queue.Response) {
	if sub.dead.CompareAndSwap(false, true) {
		c.log.Warn("agent stopped draining its mailbox, marking runaway",
			zap.String("agent_id", sub.agentID),
			zap.Duration("stalled_for", c.cfg.RunawayInterval),
			zap.Int("mailbox_depth", sub.mb.len()))
		c.wg.Add(1)
		go c.drainRunaway(sub)
	}
	if err := c.dlqFrame(ctx, sub.agentID, r, queue.KindAgentRunaway); err != nil {
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()
}

// drainRunaway waits for the dead agent's queue to empty into the DLQ
// store, bounded by one runaway interval, then evicts the agent. The
// mailbox backlog is quarantined the same way on eviction.
func (c *Coordinator) drainRunaway(sub *Subscription) {
	defer c.wg.Done()
	deadline := time.Now().Add(c.cfg.RunawayInterval)
	for time.Now().Before(deadline) {
		depth, err := c.broker.QueueDepth(context.Background(), queue.AgentQueue(sub.agentID))
		if err != nil || depth == 0 {
			break
		}
		select {
		case <-c.rootCtx.Done():
			return
		case <-time.After(drainPoll):
		}
	}
	c.evict(sub.agentID, queue.KindAgentRunaway, false)
}

// evict force-removes an agent, quarantining whatever its mailbox
// still held. scheduleDelete queues the response-queue deletion after
// the grace period; re-registration cancels it.
func (c *Coordinator) evict(agentID string, reason queue.Kind, scheduleDelete bool) {
	c.mu.Lock()
	sub, ok := c.subs[agentID]
	delete(c.subs, agentID)
	c.mu.Unlock()
	if !ok {
		return
	}
	left := c.teardown(sub, 0)
	ctx := context.Background()
	for _, r := range left {
		_ = c.dlqFrame(ctx, agentID, r, reason)
	}
	if scheduleDelete {
		c.scheduleDeletion(agentID)
	}
	c.log.Warn("agent evicted",
		zap.String("agent_id", agentID),
		zap.String("reason", string(reason)),
		zap.Int("quarantined", len(left)))
}

// teardown stops a subscription's consumer, lets the agent drain the
// mailbox for up to drain, then force-closes and returns the frames
// left behind. Safe to call from multiple goroutines.
func (c *Coordinator) teardown(sub *Subscription, drain time.Duration) []*queue.Response {
	sub.cancelConsumer()
	<-sub.consumerDone
	sub.mb.close()
	if drain > 0 {
		select {
		case <-sub.mb.drained:
		case <-time.After(drain):
		}
	}
	sub.forceClose()
	<-sub.mb.drained
	<-sub.dispatcherDone
	if c.m != nil {
		c.m.CoordinatorMailboxDepth.WithLabelValues(sub.agentID).Set(0)
	}
	return sub.takeRemainder()
}

func (c *Coordinator) scheduleDeletion(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, pending := c.deletions[agentID]; pending {
		return
	}
	c.deletions[agentID] = time.AfterFunc(c.cfg.QueueDeleteGrace, func() {
		c.mu.Lock()
		delete(c.deletions, agentID)
		_, back := c.subs[agentID]
		c.mu.Unlock()
		if back {
			return
		}
		if err := c.topo.RemoveAgent(context.Background(), agentID); err != nil {
			c.log.Warn("agent queue delete failed",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		c.log.Info("agent queue deleted after grace period",
			zap.String("agent_id", agentID),
			zap.String("queue", queue.AgentQueue(agentID)))
	})
}

// dlqFrame quarantines a response frame that cannot reach its agent.
// Frames are not requests and cannot be replayed; the record is
// forensic, keyed by the originating request plus frame identity so it
// never collides with the request's own DLQ record.
func (c *Coordinator) dlqFrame(ctx context.Context, agentID string, r *queue.Response, reason queue.Kind) error {
	if c.dlq == nil {
		return nil
	}
	payload, _ := json.Marshal(r)
	now := time.Now().UTC()
	rec := &queue.DLQRecord{
		OrgID:  c.cfg.OrgID,
		Reason: reason,
		OriginalMessage: &queue.Message{
			MessageID:       frameID(r),
			SchemaVersion:   queue.SchemaVersion,
			OrgID:           c.cfg.OrgID,
			AgentID:         agentID,
			ParentMessageID: r.RequestID,
			CreatedBy:       queue.CreatedBy{Kind: queue.ActorSystem, ID: "coordinator"},
			Type:            queue.TypeAgentMessage,
			Priority:        r.Priority,
			CreatedAt:       r.Timestamp,
			Payload:         payload,
		},
		ErrorHistory: []queue.ErrorEntry{{
			Kind:       reason,
			Detail:     fmt.Sprintf("undeliverable %s frame for agent %s", r.Type, agentID),
			OccurredAt: now,
		}},
		CanReplay:    false,
		DLQTimestamp: now,
	}
	if err := c.dlq.Insert(ctx, rec); err != nil {
		c.log.Warn("response frame quarantine failed",
			zap.String("agent_id", agentID),
			zap.String("request_id", r.RequestID),
			zap.Error(err))
		return err
	}
	return nil
}

// frameID derives a stable DLQ key for a response frame.
func frameID(r *queue.Response) string {
	id := r.RequestID + "." + string(r.Type)
	if r.ChunkIndex != nil {
		id = fmt.Sprintf("%s.%d", id, *r.ChunkIndex)
	}
	return id
}

func (c *Coordinator) newSubscription(agentID string) *Subscription {
	force := make(chan struct{})
	sub := &Subscription{
		agentID:        agentID,
		orgID:          c.cfg.OrgID,
		force:          force,
		mb:             newMailbox(c.cfg.MailboxCapacity, c.policy, force),
		resp:           make(chan *queue.Response),
		waiters:        map[string]*waiter{},
		consumerDone:   make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		m:              c.m,
		log:            c.log,
	}
	sub.touch()
	go sub.dispatchLoop()
	return sub
}

func (c *Coordinator) livenessBudget() time.Duration {
	return c.cfg.HeartbeatInterval * time.Duration(c.cfg.HeartbeatMisses)
}

// liveness shares fresh heartbeats through the cache and evicts agents
// whose last sign of life is older than the full miss budget.
func (c *Coordinator) liveness(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkLiveness(ctx)
		}
	}
}

func (c *Coordinator) checkLiveness(ctx context.Context) {
	budget := c.livenessBudget()
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, sub := range subs {
		if sub.dead.Load() {
			continue
		}
		if now.Sub(sub.lastBeatTime()) > budget {
			c.log.Warn("agent missed its heartbeat budget",
				zap.String("agent_id", sub.agentID),
				zap.Duration("budget", budget))
			c.evict(sub.agentID, queue.KindAgentUnreachable, true)
			continue
		}
		if c.hb != nil {
			if err := c.hb.Heartbeat(ctx, sub.agentID, budget); err != nil {
				c.log.Warn("heartbeat publish failed",
					zap.String("agent_id", sub.agentID), zap.Error(err))
			}
		}
	}
}
