package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev.helix.mq/internal/admin"
	"dev.helix.mq/internal/backpressure"
	"dev.helix.mq/internal/coordinator"
	"dev.helix.mq/internal/promotion"
	"dev.helix.mq/internal/queue"
	"dev.helix.mq/internal/worker"
)

const opsShutdownTimeout = 5 * time.Second

// stopStack runs registered stops in reverse start order, once.
type stopStack struct {
	fns []func()
}

func (s *stopStack) push(fn func()) { s.fns = append(s.fns, fn) }

func (s *stopStack) run() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
	s.fns = nil
}

// WorkerOptions tunes the worker role.
type WorkerOptions struct {
	// Promote runs the promotion scheduler inside this process. One
	// promoting worker per org is enough; overlap between several only
	// costs duplicate promoted copies, which collapse on delivery.
	Promote bool
}

// RunWorker runs the consuming role until ctx ends: the request-queue
// worker, the backpressure sampler driving its pool size, optionally
// the promotion scheduler, and the ops server. Components stop in
// reverse start order, so the sampler and scheduler quiesce before the
// worker drains and the ops server goes last.
func (r *Runtime) RunWorker(ctx context.Context, opts WorkerOptions) error {
	orgID := r.cfg.Worker.OrgID
	if orgID == "" {
		return queue.ConfigError("ORG_ID is required for the worker role")
	}

	brk, err := r.Broker(ctx)
	if err != nil {
		return err
	}
	topo, err := r.Topology(ctx)
	if err != nil {
		return err
	}
	if err := topo.EnsureOrg(ctx, orgID); err != nil {
		return err
	}
	st, err := r.Store(ctx)
	if err != nil {
		return err
	}
	pipeline, err := r.Audit(ctx)
	if err != nil {
		return err
	}

	w := worker.New(r.cfg.Worker, brk, nil, worker.Stores{
		Poison: st.Poison(),
		DLQ:    st.DLQ(),
		Idem:   st.Idempotency(),
		Status: st.Messages(),
	}, pipeline, r.m, r.log)

	bp := backpressure.New(r.cfg.Backpressure, brk, r.Redis(), r.m, r.log)
	bp.OnStageChange(func(org string, _, to backpressure.Stage, scale *backpressure.ScaleDirective) {
		if scale == nil || org != orgID {
			return
		}
		limit := w.Grow(scale.ScaleBy)
		r.log.Info("worker pool widened",
			zap.String("org_id", org),
			zap.Stringer("stage", to),
			zap.Int("limit", limit))
	})

	srv := admin.New(admin.Config{
		Addr:        fmt.Sprintf(":%d", r.cfg.Metrics.Port),
		MetricsPath: r.cfg.Metrics.Path,
	}, brk, bp, st.DLQ(), nil, r.m, r.log)

	var stops stopStack
	defer stops.run()

	if err := srv.Start(); err != nil {
		return err
	}
	stops.push(func() { r.stopOps(srv) })

	if err := w.Start(ctx); err != nil {
		return err
	}
	stops.push(w.Stop)

	if opts.Promote {
		sched := promotion.New(r.cfg.Promotion, st.Messages(), brk, pipeline, r.m, r.log)
		if err := sched.Start(ctx, []string{orgID}); err != nil {
			return err
		}
		stops.push(sched.Stop)
	}

	if err := bp.Start(ctx, []string{orgID}); err != nil {
		return err
	}
	stops.push(bp.Stop)

	r.log.Info("worker role running",
		zap.String("org_id", orgID),
		zap.String("worker_id", w.ID()),
		zap.String("ops_addr", srv.Addr()),
		zap.Bool("promote", opts.Promote))

	<-ctx.Done()
	r.log.Info("worker role shutting down")
	return nil
}

// RunCoordinator runs the response-routing role until ctx ends: the
// per-agent subscription multiplexer plus the ops server carrying the
// WebSocket attach surface on the coordinator's listen address.
func (r *Runtime) RunCoordinator(ctx context.Context) error {
	ccfg := r.cfg.Coordinator
	if ccfg.OrgID == "" {
		return queue.ConfigError("ORG_ID is required for the coordinator role")
	}
	if len(ccfg.AgentIDs) == 0 {
		r.log.Warn("coordinator starting with no initial agents; register them via AGENT_IDS or the API")
	}

	brk, err := r.Broker(ctx)
	if err != nil {
		return err
	}
	topo, err := r.Topology(ctx)
	if err != nil {
		return err
	}
	if err := topo.EnsureOrg(ctx, ccfg.OrgID); err != nil {
		return err
	}
	st, err := r.Store(ctx)
	if err != nil {
		return err
	}
	sender, err := r.Producer(ctx)
	if err != nil {
		return err
	}

	coord := coordinator.New(ccfg, brk, topo, sender, st.DLQ(), r.Redis(), r.m, r.log)

	bp := backpressure.New(r.cfg.Backpressure, brk, r.Redis(), r.m, r.log)
	srv := admin.New(admin.Config{
		Addr:        ccfg.ListenAddr,
		MetricsPath: r.cfg.Metrics.Path,
	}, brk, bp, st.DLQ(), coord, r.m, r.log)

	var stops stopStack
	defer stops.run()

	if err := srv.Start(); err != nil {
		return err
	}
	stops.push(func() { r.stopOps(srv) })

	if err := coord.Start(ctx); err != nil {
		return err
	}
	stops.push(coord.Stop)

	r.log.Info("coordinator role running",
		zap.String("org_id", ccfg.OrgID),
		zap.Strings("agent_ids", ccfg.AgentIDs),
		zap.String("listen_addr", srv.Addr()))

	<-ctx.Done()
	r.log.Info("coordinator role shutting down")
	return nil
}

// stopOps shuts the ops server down with a bounded grace period.
// Attach sockets are already closed by the coordinator's Stop, so only
// plain HTTP requests remain in flight.
func (r *Runtime) stopOps(srv *admin.Server) {
	sctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := srv.Stop(sctx); err != nil {
		r.log.Warn("ops server shutdown failed", zap.Error(err))
	}
}
