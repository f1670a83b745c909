package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, time.Hour), mr
}

func TestSetAndGetJobStatus(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetJobStatus(ctx, "job-1", domain.JobRunning))

	status, ok, err := c.GetJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobRunning, status)

	ttl := mr.TTL("job:job-1:status")
	assert.Equal(t, time.Hour, ttl)
}

func TestGetJobStatusMissing(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	_, ok, err := c.GetJobStatus(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusLastWriterWins(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetJobStatus(ctx, "job-1", domain.JobRunning))
	require.NoError(t, c.SetJobStatus(ctx, "job-1", domain.JobCompleted))

	status, ok, err := c.GetJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.JobCompleted, status)
}

func TestHeartbeatAndActiveWorkers(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx, "worker-a"))
	require.NoError(t, c.Heartbeat(ctx, "worker-b"))

	workers, err := c.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker-a", "worker-b"}, workers)

	assert.Equal(t, 60*time.Second, mr.TTL("worker:worker-a:heartbeat"))

	// Expired heartbeats drop out of the active set.
	mr.FastForward(61 * time.Second)
	workers, err = c.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
