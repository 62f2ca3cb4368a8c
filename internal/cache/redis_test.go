package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.mq/internal/config"
)

func testClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisClient(config.RedisConfig{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisClient_QueueDepth(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	_, found, err := c.GetQueueDepth(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetQueueDepth(ctx, "acme", 742, 6*time.Second))

	depth, found, err := c.GetQueueDepth(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 742, depth)

	// Expired samples read as absent.
	mr.FastForward(7 * time.Second)
	_, found, err = c.GetQueueDepth(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisClient_Stage(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetStage(ctx, "acme", 3, time.Minute))

	stage, found, err := c.GetStage(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, stage)

	_, found, err = c.GetStage(ctx, "globex")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisClient_Heartbeat(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	alive, err := c.AgentAlive(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, c.Heartbeat(ctx, "agent-1", 10*time.Second))

	alive, err = c.AgentAlive(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(11 * time.Second)
	alive, err = c.AgentAlive(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisClient_SetGetJSON(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	type sample struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k", sample{Name: "x", Count: 2}, time.Minute))

	var got sample
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, sample{Name: "x", Count: 2}, got)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.Error(t, c.Get(ctx, "k", &got))
}
