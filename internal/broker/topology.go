package broker

import (
	"context"

	"go.uber.org/zap"

	"dev.helix.mq/internal/queue"
)

// maxQueuePriority is the x-max-priority every request queue is
// declared with. Logical classes map onto 0..9 inside this range.
const maxQueuePriority = 10

// Manager declares the per-org broker resources: the priority request
// queue, its dead-letter queue, the retry-delay ladder, and the
// response exchange. All declarations are idempotent; partial failures
// are accumulated so operators see everything that is missing, not
// just the first error.
type Manager struct {
	topo queue.Topology
	log  *zap.Logger
}

// NewManager builds a topology manager over any queue.Topology.
func NewManager(topo queue.Topology, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{topo: topo, log: log}
}

// EnsureOrg declares the full resource ladder for one org.
func (m *Manager) EnsureOrg(ctx context.Context, orgID string) error {
	requests := queue.RequestQueue(orgID)
	dlq := queue.DLQQueue(orgID)
	terr := queue.NewTopologyError(orgID)

	// DLQ first: the request queue dead-letters into it.
	terr.Add(dlq, m.topo.DeclareQueue(ctx, queue.QueueSpec{
		Name:    dlq,
		Durable: true,
	}))

	terr.Add(requests, m.topo.DeclareQueue(ctx, queue.QueueSpec{
		Name:    requests,
		Durable: true,
		Args: map[string]any{
			ArgMaxPriority:          maxQueuePriority,
			ArgDeadLetterExchange:   "",
			ArgDeadLetterRoutingKey: dlq,
		},
	}))

	for _, delay := range queue.DelayLadder {
		retry := queue.RetryQueue(orgID, delay)
		terr.Add(retry, m.topo.DeclareQueue(ctx, queue.QueueSpec{
			Name:    retry,
			Durable: true,
			Args: map[string]any{
				ArgMessageTTL:           delay.Milliseconds(),
				ArgDeadLetterExchange:   "",
				ArgDeadLetterRoutingKey: requests,
			},
		}))
	}

	responses := queue.ResponseExchange(orgID)
	terr.Add(responses, m.topo.DeclareExchange(ctx, queue.ExchangeSpec{
		Name:    responses,
		Kind:    "direct",
		Durable: true,
	}))

	if err := terr.ErrorOrNil(); err != nil {
		return err
	}

	m.log.Info("Org topology ensured",
		zap.String("org_id", orgID),
		zap.Int("retry_rungs", len(queue.DelayLadder)))
	return nil
}

// EnsureOrgs declares the ladder for every org. In best-effort mode a
// failed org is recorded and the rest still get declared; otherwise the
// first failure stops the run.
func (m *Manager) EnsureOrgs(ctx context.Context, orgIDs []string, bestEffort bool) error {
	multi := &queue.MultiError{}
	for _, orgID := range orgIDs {
		if err := m.EnsureOrg(ctx, orgID); err != nil {
			if !bestEffort {
				return err
			}
			m.log.Warn("Org topology incomplete",
				zap.String("org_id", orgID),
				zap.Error(err))
			multi.Add(err)
		}
	}
	return multi.ErrorOrNil()
}

// EnsureAgent declares the durable response queue for an agent and
// binds it to the org's response exchange under the agent id.
func (m *Manager) EnsureAgent(ctx context.Context, orgID, agentID string) error {
	agentQueue := queue.AgentQueue(agentID)
	terr := queue.NewTopologyError(orgID)

	terr.Add(agentQueue, m.topo.DeclareQueue(ctx, queue.QueueSpec{
		Name:    agentQueue,
		Durable: true,
	}))
	terr.Add("bind "+agentQueue, m.topo.BindQueue(ctx, queue.BindSpec{
		Queue:      agentQueue,
		Exchange:   queue.ResponseExchange(orgID),
		RoutingKey: agentID,
	}))

	if err := terr.ErrorOrNil(); err != nil {
		return err
	}

	m.log.Debug("Agent topology ensured",
		zap.String("org_id", orgID),
		zap.String("agent_id", agentID))
	return nil
}

// RemoveAgent deletes an agent's response queue. Called after the
// departure grace period so a bouncing agent keeps its backlog.
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	return m.topo.DeleteQueue(ctx, queue.AgentQueue(agentID))
}
