package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"dev.helix.mq/internal/app"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// signalContext returns a context cancelled by SIGINT or SIGTERM. The
// long running roles drain and stop when it fires.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runWorker hosts the consumer pool for the configured org until the
// process is interrupted.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	promote := fs.Bool("promote", true, "run the promotion scheduler alongside the pool")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	rt, err := app.New(config.Load())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	return rt.RunWorker(ctx, app.WorkerOptions{Promote: *promote})
}

// runCoordinator hosts the agent response coordinator until the
// process is interrupted.
func runCoordinator(args []string) error {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	rt, err := app.New(config.Load())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	return rt.RunCoordinator(ctx)
}

// runInitTopology declares the per-org exchanges, queues, and bindings
// up front, then ensures the store schema when a store is configured.
// Workers and coordinators redeclare their own slice on startup, so
// this exists for operators who want the broker laid out before any
// role runs. Best-effort mode declares what it can and exits 0 even
// when the broker is unreachable.
func runInitTopology(args []string) error {
	fs := flag.NewFlagSet("init-topology", flag.ContinueOnError)
	orgsFlag := fs.String("orgs", "", "comma-separated org ids (default ORG_IDS, then ORG_ID)")
	agentsFlag := fs.String("agents", "", "comma-separated agent ids to pre-declare (default AGENT_IDS)")
	bestEffort := fs.Bool("best-effort", false, "declare what can be declared and exit 0 regardless")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg := config.Load()
	rt, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	orgs := cfg.Orgs()
	if *orgsFlag != "" {
		orgs = splitList(*orgsFlag)
	}
	if len(orgs) == 0 {
		return queue.ConfigError("no orgs to declare; set ORG_IDS or pass --orgs")
	}
	agents := cfg.Coordinator.AgentIDs
	if *agentsFlag != "" {
		agents = splitList(*agentsFlag)
	}
	lenient := *bestEffort || cfg.Topology.BestEffort

	ctx, stop := signalContext()
	defer stop()

	if err := declareTopology(ctx, rt, cfg, orgs, agents, lenient); err != nil {
		return err
	}

	if cfg.Store.URL == "" {
		rt.Log().Info("no store configured, skipping schema")
		return nil
	}
	if _, err := rt.Store(ctx); err != nil {
		return err
	}
	rt.Log().Info("store schema ensured")
	return nil
}

func declareTopology(ctx context.Context, rt *app.Runtime, cfg *config.Config, orgs, agents []string, lenient bool) error {
	topo, err := rt.Topology(ctx)
	if err != nil {
		// A dead broker must not fail a best-effort bootstrap; the
		// roles redeclare their slice once it comes back.
		if lenient {
			rt.Log().Warn("broker unreachable, topology left undeclared", zap.Error(err))
			return nil
		}
		return err
	}

	if err := topo.EnsureOrgs(ctx, orgs, lenient); err != nil {
		if !lenient {
			return err
		}
		rt.Log().Warn("org topology incomplete", zap.Error(err))
	}

	// Agent response queues bind to their org's response exchange; the
	// coordinator org wins when several orgs are configured.
	agentOrg := cfg.Coordinator.OrgID
	if agentOrg == "" && len(orgs) == 1 {
		agentOrg = orgs[0]
	}
	for _, agentID := range agents {
		if agentOrg == "" {
			return queue.ConfigError("agent queues need an org; set ORG_ID or configure a single org")
		}
		if err := topo.EnsureAgent(ctx, agentOrg, agentID); err != nil {
			if !lenient {
				return err
			}
			rt.Log().Warn("agent topology incomplete",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	rt.Log().Info("topology declared",
		zap.Strings("org_ids", orgs), zap.Strings("agent_ids", agents))
	return nil
}
