package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"dev.helix.mq/internal/app"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// runEvents prints the audit trail of one message, oldest first, as
// the ops runbooks expect to paste into an incident doc.
func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	messageID := fs.String("message-id", "", "message id (required)")
	limit := fs.Int("limit", 200, "maximum events to print")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *messageID == "" {
		return queue.ValidationError("events needs --message-id", nil)
	}

	rt, err := app.New(config.Load())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	st, err := rt.Store(ctx)
	if err != nil {
		return err
	}
	events, err := st.Events().ListByMessage(ctx, *messageID, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

// runPeek prints one pending response frame from an agent queue
// without consuming it; the frame is requeued after printing. Agents
// that are wedged leave frames here, and peek shows what the next
// attach would deliver.
func runPeek(args []string) error {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	agent := fs.String("agent", "", "agent id (required)")
	wait := fs.Duration("wait", 2*time.Second, "how long to wait for a frame")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *agent == "" {
		return queue.ValidationError("peek needs --agent", nil)
	}

	rt, err := app.New(config.Load())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	brk, err := rt.Broker(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()

	deliveries, err := brk.Consume(cctx, queue.AgentQueue(*agent), queue.WithPrefetch(1))
	if err != nil {
		return err
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			fmt.Println(`{"empty":true}`)
			return nil
		}
		// Requeue before the connection closes so the frame stays
		// first in line for the real consumer.
		defer func() { _ = d.Nack(true) }()
		fmt.Println(string(d.Body))
	case <-cctx.Done():
		fmt.Println(`{"empty":true}`)
	}
	return nil
}
