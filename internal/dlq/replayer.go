// Package dlq implements operator remediation over dead-lettered
// messages: replaying records back into the org request queue and
// purging records past the retention window. Replay goes straight to
// the broker rather than through the producer, because the original
// publish already holds the idempotency claim for the message id.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/audit"
	"dev.helix.mq/internal/observability/metrics"
	"dev.helix.mq/internal/queue"
	"dev.helix.mq/internal/store"
)

// Store is the slice of the DLQ repository remediation needs.
// Satisfied by *store.DLQRepository.
type Store interface {
	List(ctx context.Context, orgID string, f store.DLQFilter) ([]*queue.DLQRecord, error)
	Delete(ctx context.Context, messageID string) (bool, error)
	PurgeOlderThan(ctx context.Context, orgID string, cutoff time.Time) (int64, error)
}

// PoisonResetter clears quarantine counters so a replayed message gets
// a fresh poison budget. Satisfied by *store.PoisonRepository.
type PoisonResetter interface {
	Reset(ctx context.Context, orgID, dedupKey string) error
}

// ReplayOptions narrows which records replay and how.
type ReplayOptions struct {
	OrgID string
	Limit int
	Type  queue.MessageType
	Since time.Time
	Until time.Time
	// Priority overrides the original priority on re-publish. When any
	// selected message carried a different priority the override must
	// be confirmed, mirroring the CLI's --yes flag.
	Priority  *queue.Priority
	Confirmed bool
	DryRun    bool
}

// Report summarizes one replay run.
type Report struct {
	// Selected counts records that matched the filter and were
	// eligible to replay.
	Selected int
	// Skipped counts matched records with can_replay false; they stay
	// in the mirror for forensics.
	Skipped int
	// Replayed lists message ids re-published, in DLQ order.
	Replayed []string
	DryRun   bool
}

// Replayer drives DLQ remediation. All flows are synchronous; the CLI
// invokes them once per run.
type Replayer struct {
	st       Store
	pub      queue.Publisher
	poison   PoisonResetter
	pipeline *audit.Pipeline
	m        *metrics.Collector
	log      *logrus.Logger
}

// NewReplayer wires a Replayer. poison, pipeline, and m may be nil.
func NewReplayer(st Store, pub queue.Publisher, poison PoisonResetter, pipeline *audit.Pipeline, m *metrics.Collector, log *logrus.Logger) *Replayer {
	if log == nil {
		log = logrus.New()
	}
	return &Replayer{st: st, pub: pub, poison: poison, pipeline: pipeline, m: m, log: log}
}

// Replay re-publishes eligible DLQ records into the org request queue,
// oldest first. Each replayed message restarts with a zero retry count
// and empty error history, annotated with context.replayed_from; its
// mirror row is removed so successive runs walk the remaining backlog.
// The run stops at the first publish failure, reporting what already
// went out.
func (r *Replayer) Replay(ctx context.Context, opts ReplayOptions) (*Report, error) {
	if opts.OrgID == "" {
		return nil, queue.ValidationError("replay needs an org id", nil)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	recs, err := r.st.List(ctx, opts.OrgID, store.DLQFilter{
		Type:  opts.Type,
		Since: opts.Since,
		Until: opts.Until,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun}
	replayable := make([]*queue.DLQRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.OriginalMessage == nil || !rec.CanReplay {
			report.Skipped++
			continue
		}
		replayable = append(replayable, rec)
	}
	report.Selected = len(replayable)
	if report.Selected == 0 {
		r.log.WithField("org_id", opts.OrgID).Info("No replayable DLQ records matched")
		return report, nil
	}

	if opts.Priority != nil && !opts.Confirmed {
		differ := 0
		for _, rec := range replayable {
			if rec.OriginalMessage.Priority != *opts.Priority {
				differ++
			}
		}
		if differ > 0 {
			return nil, queue.ValidationError(fmt.Sprintf(
				"%d of %d selected messages carry a different original priority; confirm the override",
				differ, report.Selected), nil).WithOrg(opts.OrgID)
		}
	}

	if opts.DryRun {
		r.log.WithFields(logrus.Fields{
			"org_id":   opts.OrgID,
			"selected": report.Selected,
			"skipped":  report.Skipped,
		}).Info("Dry run, nothing replayed")
		return report, nil
	}

	for _, rec := range replayable {
		if err := r.replayOne(ctx, opts, rec); err != nil {
			return report, err
		}
		report.Replayed = append(report.Replayed, rec.OriginalMessage.MessageID)
	}

	r.log.WithFields(logrus.Fields{
		"org_id":   opts.OrgID,
		"replayed": len(report.Replayed),
		"skipped":  report.Skipped,
	}).Info("DLQ replay finished")
	return report, nil
}

func (r *Replayer) replayOne(ctx context.Context, opts ReplayOptions, rec *queue.DLQRecord) error {
	m := rec.OriginalMessage.Clone()
	m.RetryCount = 0
	m.ErrorHistory = nil
	if opts.Priority != nil {
		m.Priority = *opts.Priority
	}
	if m.Context == nil {
		m.Context = make(map[string]any, 1)
	}
	m.Context["replayed_from"] = map[string]any{"dlq": true}

	body, err := queue.EncodeMessage(m)
	if err != nil {
		return queue.ValidationError("encode replayed message", err).WithMessageID(m.MessageID)
	}
	if err := r.pub.Publish(ctx, queue.Publication{
		Queue:     queue.RequestQueue(m.OrgID),
		Body:      body,
		Headers:   queue.WireHeaders(m),
		Priority:  m.Priority.AMQPPriority(),
		Confirm:   true,
		Mandatory: true,
	}); err != nil {
		return err
	}

	// The failure is remediated once the publish confirms: counters
	// reset and the mirror row goes, so the next run moves on to the
	// rest of the backlog. The audit trail keeps the history.
	if r.poison != nil {
		if err := r.poison.Reset(ctx, m.OrgID, m.EffectiveDedupKey()); err != nil {
			r.log.WithError(err).WithField("message_id", m.MessageID).Warn("Poison reset failed")
		}
	}
	if _, err := r.st.Delete(ctx, m.MessageID); err != nil {
		r.log.WithError(err).WithField("message_id", m.MessageID).Warn("DLQ record removal failed")
	}
	if r.pipeline != nil {
		r.pipeline.Replayed(ctx, m, "dlq_replay")
	}
	if r.m != nil {
		r.m.DLQReplayTotal.WithLabelValues(m.OrgID).Inc()
	}

	r.log.WithFields(logrus.Fields{
		"message_id": m.MessageID,
		"org_id":     m.OrgID,
		"priority":   m.Priority.String(),
	}).Info("Replayed dead-lettered message")
	return nil
}

// Purge removes org records older than the retention window and counts
// them toward dlq_purge_total.
func (r *Replayer) Purge(ctx context.Context, orgID string, olderThan time.Duration) (int64, error) {
	if orgID == "" {
		return 0, queue.ValidationError("purge needs an org id", nil)
	}
	if olderThan <= 0 {
		return 0, queue.ValidationError("purge needs a positive retention window", nil)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	purged, err := r.st.PurgeOlderThan(ctx, orgID, cutoff)
	if err != nil {
		return 0, err
	}
	if r.m != nil && purged > 0 {
		r.m.DLQPurgeTotal.WithLabelValues(orgID).Add(float64(purged))
	}
	return purged, nil
}
