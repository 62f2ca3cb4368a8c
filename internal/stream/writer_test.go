package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestNewWriter_DisabledWithoutBrokers(t *testing.T) {
	w := NewWriter(config.KafkaConfig{}, testLogger())
	assert.Nil(t, w)
}

func TestNewWriter_DefaultsTopic(t *testing.T) {
	w := NewWriter(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, testLogger())
	require.NotNil(t, w)
	defer w.Close()

	assert.Equal(t, DefaultAuditTopic, w.topic)
}

func TestNewWriter_HonorsConfiguredTopic(t *testing.T) {
	cfg := config.KafkaConfig{
		Brokers:    []string{"localhost:9092"},
		AuditTopic: "audit.custom",
	}
	w := NewWriter(cfg, testLogger())
	require.NotNil(t, w)
	defer w.Close()

	assert.Equal(t, "audit.custom", w.topic)
}

func TestToKafkaMessage(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := queue.AuditEvent{
		MessageID: "msg-1",
		OrgID:     "org-a",
		EventType: queue.EventCompleted,
		Details:   map[string]any{"elapsed_ms": int64(42)},
		CreatedAt: created,
	}

	msg, err := toKafkaMessage(ev)
	require.NoError(t, err)

	assert.Equal(t, []byte("org-a"), msg.Key)
	assert.Equal(t, created, msg.Time)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "msg-1", headers["message_id"])
	assert.Equal(t, string(queue.EventCompleted), headers["event_type"])

	var decoded queue.AuditEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.MessageID, decoded.MessageID)
	assert.Equal(t, ev.EventType, decoded.EventType)
}
