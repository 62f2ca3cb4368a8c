package main

import (
	"flag"
	"fmt"
	"time"

	"dev.helix.mq/internal/app"
	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/dlq"
	"dev.helix.mq/internal/queue"
)

// timeFlagLayouts are the accepted formats for --since and --until.
// Operators pasting timestamps from logs use RFC 3339; a bare date
// means midnight UTC of that day.
var timeFlagLayouts = []string{time.RFC3339, "2006-01-02"}

func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeFlagLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, queue.ValidationError(
		fmt.Sprintf("cannot parse time %q; use RFC 3339 or YYYY-MM-DD", s), nil)
}

// runDLQReplay re-publishes dead-lettered messages into the org
// request queue and prints a report of what moved.
func runDLQReplay(args []string) error {
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	limit := fs.Int("limit", 1, "maximum records to replay")
	priority := fs.String("priority", "", "replay at this priority class instead of the stored one")
	dryRun := fs.Bool("dry-run", false, "select and report without publishing or deleting")
	typ := fs.String("type", "", "only records of this message type")
	since := fs.String("since", "", "only records dead-lettered at or after this time")
	until := fs.String("until", "", "only records dead-lettered before this time")
	yes := fs.Bool("yes", false, "confirm replaying records whose stored priority differs from --priority")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	opts := dlq.ReplayOptions{
		OrgID:     *org,
		Limit:     *limit,
		Type:      queue.MessageType(*typ),
		Confirmed: *yes,
		DryRun:    *dryRun,
	}
	if *priority != "" {
		p, err := queue.ParsePriority(*priority)
		if err != nil {
			return err
		}
		opts.Priority = &p
	}
	var err error
	if opts.Since, err = parseTimeFlag(*since); err != nil {
		return err
	}
	if opts.Until, err = parseTimeFlag(*until); err != nil {
		return err
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
	brk, err := rt.Broker(ctx)
	if err != nil {
		return err
	}
	pipeline, err := rt.Audit(ctx)
	if err != nil {
		return err
	}

	rep := dlq.NewReplayer(st.DLQ(), brk, st.Poison(), pipeline, rt.Metrics(), rt.StoreLog())
	report, err := rep.Replay(ctx, opts)
	if err != nil {
		return err
	}

	return printJSON(struct {
		Selected int      `json:"selected"`
		Skipped  int      `json:"skipped"`
		Replayed []string `json:"replayed"`
		DryRun   bool     `json:"dry_run,omitempty"`
	}{report.Selected, report.Skipped, report.Replayed, report.DryRun})
}

// runDLQPurge deletes dead-lettered records older than the cutoff.
// Without --older-than the configured retention window applies.
func runDLQPurge(args []string) error {
	fs := flag.NewFlagSet("dlq-purge", flag.ContinueOnError)
	org := fs.String("org", "", "org id (required)")
	olderThan := fs.Duration("older-than", 0, "age cutoff (default DLQ_RETENTION_DAYS days)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg := config.Load()
	cutoffAge := *olderThan
	if cutoffAge <= 0 {
		cutoffAge = time.Duration(cfg.Store.DLQRetentionDays) * 24 * time.Hour
	}

	rt, err := app.New(cfg)
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

	rep := dlq.NewReplayer(st.DLQ(), nil, nil, nil, rt.Metrics(), rt.StoreLog())
	purged, err := rep.Purge(ctx, *org, cutoffAge)
	if err != nil {
		return err
	}

	return printJSON(struct {
		Purged    int64  `json:"purged"`
		OlderThan string `json:"older_than"`
	}{purged, cutoffAge.String()})
}
