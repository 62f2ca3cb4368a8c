package main

import (
	"encoding/json"
	"flag"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dev.helix.mq/internal/app"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// runProducer publishes synthetic request messages through the full
// producer pipeline, keeping --batch publishes in flight at once. It
// doubles as a smoke test for a fresh deployment and as a load
// generator for the backpressure thresholds.
func runProducer(args []string) error {
	fs := flag.NewFlagSet("producer", flag.ContinueOnError)
	count := fs.Int("count", 1, "number of messages to publish")
	batch := fs.Int("batch", 1, "publishes in flight at once")
	priority := fs.String("priority", "P2", "priority class P0..P3")
	typ := fs.String("type", string(queue.TypeToolCall), "message type")
	payload := fs.String("payload", "{}", "JSON payload stamped on every message")
	org := fs.String("org", "", "org id (default ORG_ID)")
	agent := fs.String("agent", "load-agent", "agent id addressed by the messages")
	user := fs.String("user", "helixmq", "created_by user id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	prio, err := queue.ParsePriority(*priority)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(*payload)) {
		return queue.ValidationError("payload is not valid JSON", nil)
	}
	if *count < 1 || *batch < 1 {
		return queue.ValidationError("count and batch must be at least 1", nil)
	}

	cfg := config.Load()
	rt, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	orgID := *org
	if orgID == "" {
		orgID = cfg.Worker.OrgID
	}
	if orgID == "" {
		return queue.ConfigError("org id is required; set ORG_ID or pass --org")
	}

	ctx, stop := signalContext()
	defer stop()

	p, err := rt.Producer(ctx)
	if err != nil {
		return err
	}

	var accepted, duplicate, rejected atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*batch)
	for i := 0; i < *count; i++ {
		seq := i
		g.Go(func() error {
			m := &queue.Message{
				OrgID:     orgID,
				AgentID:   *agent,
				Type:      queue.MessageType(*typ),
				Priority:  prio,
				CreatedBy: queue.CreatedBy{Kind: queue.ActorUser, ID: *user},
				Payload:   json.RawMessage(*payload),
				Context:   map[string]any{"sequence": seq},
			}
			res, err := p.Publish(gctx, m)
			switch {
			case err == nil && res.Duplicate:
				duplicate.Add(1)
			case err == nil:
				accepted.Add(1)
			default:
				rejected.Add(1)
				// Shed messages are part of a load run; a dead broker
				// or store ends it.
				switch queue.KindOf(err) {
				case queue.KindBrokerUnavailable, queue.KindStoreUnavailable:
					return err
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)

	summary := struct {
		Requested int     `json:"requested"`
		Accepted  int64   `json:"accepted"`
		Duplicate int64   `json:"duplicate"`
		Rejected  int64   `json:"rejected"`
		ElapsedMS int64   `json:"elapsed_ms"`
		PerSecond float64 `json:"per_second"`
	}{
		Requested: *count,
		Accepted:  accepted.Load(),
		Duplicate: duplicate.Load(),
		Rejected:  rejected.Load(),
		ElapsedMS: elapsed.Milliseconds(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		summary.PerSecond = float64(summary.Accepted) / secs
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	return runErr
}
