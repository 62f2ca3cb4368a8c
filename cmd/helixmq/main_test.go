package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"dev.helix.mq/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, 0},
		{"config", queue.ConfigError("ORG_ID is required"), 2},
		{"validation", queue.ValidationError("bad flag", nil), 2},
		{"wrapped validation", fmt.Errorf("replay: %w", queue.ValidationError("bad", nil)), 2},
		{"broker down", queue.BrokerUnavailable("dial tcp: refused", nil), 3},
		{"topology", topologyFailure(), 3},
		{"store down", queue.StoreUnavailable("ping", nil), 4},
		{"unclassified", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, exitCode(tt.err))
		})
	}
}

func topologyFailure() error {
	terr := queue.NewTopologyError("acme")
	terr.Add("exchange:helix.acme.responses", errors.New("access refused"))
	return terr.ErrorOrNil()
}

func TestParseTimeFlag(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseTimeFlag("2026-08-01T12:30:00Z")
		assert.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC), got)
	})

	t.Run("date only", func(t *testing.T) {
		got, err := parseTimeFlag("2026-08-01")
		assert.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("empty means unset", func(t *testing.T) {
		got, err := parseTimeFlag("")
		assert.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseTimeFlag("yesterday")
		assert.Equal(t, queue.KindValidation, queue.KindOf(err))
	})
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"acme", "globex"}, splitList(" acme, globex ,"))
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , "))
}

func TestDispatchUnknownCommand(t *testing.T) {
	err := dispatch("frobnicate", nil)
	assert.Equal(t, queue.KindConfig, queue.KindOf(err))
}

// Flag and argument mistakes must exit 2 without dialing any
// infrastructure; none of these have a broker or store to reach.
func TestBadInvocationsFailFast(t *testing.T) {
	assert.Equal(t, 2, exitCode(runWorker([]string{"--no-such-flag"})))
	assert.Equal(t, 2, exitCode(runProducer([]string{"--priority", "P9"})))
	assert.Equal(t, 2, exitCode(runProducer([]string{"--payload", "{not json"})))
	assert.Equal(t, 2, exitCode(runDLQReplay([]string{"--org", "acme", "--since", "yesterday"})))
	assert.Equal(t, 2, exitCode(runEvents(nil)))
	assert.Equal(t, 2, exitCode(runPeek(nil)))
}
