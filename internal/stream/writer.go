// Package stream mirrors flushed audit batches to Kafka so downstream
// analytics can tail the queue's lifecycle without touching the event
// store. The mirror is strictly secondary: failures never propagate to
// the flush path.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// DefaultAuditTopic receives the mirrored events when no topic is
// configured.
const DefaultAuditTopic = "mq.audit"

// Writer wraps a kafka-go writer for the audit mirror topic.
type Writer struct {
	writer *kafka.Writer
	topic  string
	log    *logrus.Logger
}

// NewWriter builds the mirror writer. Returns nil when no brokers are
// configured; the audit batcher treats a nil mirror as disabled.
func NewWriter(cfg config.KafkaConfig, log *logrus.Logger) *Writer {
	if len(cfg.Brokers) == 0 {
		return nil
	}

	topic := cfg.AuditTopic
	if topic == "" {
		topic = DefaultAuditTopic
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Compression:  kafka.Snappy,
		// The mirror must not create topics as a side effect in
		// production clusters; operators provision mq.audit.
		AllowAutoTopicCreation: false,
	}

	log.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   topic,
	}).Info("Audit mirror enabled")

	return &Writer{writer: w, topic: topic, log: log}
}

// WriteEvents mirrors one flushed batch. Events are keyed by org id so
// per-org ordering survives partitioning.
func (w *Writer) WriteEvents(ctx context.Context, evs []queue.AuditEvent) error {
	if len(evs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		msg, err := toKafkaMessage(ev)
		if err != nil {
			w.log.WithError(err).WithField("message_id", ev.MessageID).Warn("Skipping unencodable audit event")
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return queue.NewError(queue.KindTransientIO, "write audit mirror batch", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

func toKafkaMessage(ev queue.AuditEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.OrgID),
		Value: value,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(ev.MessageID)},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}, nil
}
