// Package redis implements the ephemeral status mirror and worker liveness
// registry. Everything here is advisory; the source of truth is PostgreSQL.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/domain"
)

const (
	heartbeatTTL    = 60 * time.Second
	heartbeatPrefix = "worker:"
	heartbeatSuffix = ":heartbeat"
)

// Cache mirrors job status and tracks worker heartbeats in Redis.
type Cache struct {
	client    *goredis.Client
	statusTTL time.Duration
}

// New parses the Redis URL and returns a connected cache.
func New(url string, statusTTL time.Duration) (*Cache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=cache.parse_url: %w", err)
	}
	return &Cache{client: goredis.NewClient(opts), statusTTL: statusTTL}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *goredis.Client, statusTTL time.Duration) *Cache {
	return &Cache{client: client, statusTTL: statusTTL}
}

func statusKey(jobID string) string {
	return "job:" + jobID + ":status"
}

func heartbeatKey(workerID string) string {
	return heartbeatPrefix + workerID + heartbeatSuffix
}

// SetJobStatus mirrors a status transition. Last writer wins; the TTL bounds
// staleness when a writer dies mid-transition.
func (c *Cache) SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	if err := c.client.Set(ctx, statusKey(jobID), string(status), c.statusTTL).Err(); err != nil {
		return fmt.Errorf("op=cache.set_status: %w", err)
	}
	return nil
}

// GetJobStatus returns the mirrored status and whether it was present.
func (c *Cache) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, bool, error) {
	v, err := c.client.Get(ctx, statusKey(jobID)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=cache.get_status: %w", err)
	}
	return domain.JobStatus(v), true, nil
}

// Heartbeat refreshes a worker's liveness key. A worker that stops beating
// disappears from ActiveWorkers within the TTL.
func (c *Cache) Heartbeat(ctx context.Context, workerID string) error {
	key := heartbeatKey(workerID)
	if err := c.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("op=cache.heartbeat: %w", err)
	}
	return nil
}

// ActiveWorkers lists workers with a live heartbeat key.
func (c *Cache) ActiveWorkers(ctx context.Context) ([]string, error) {
	workers := make([]string, 0)
	iter := c.client.Scan(ctx, 0, heartbeatPrefix+"*"+heartbeatSuffix, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimSuffix(strings.TrimPrefix(key, heartbeatPrefix), heartbeatSuffix)
		workers = append(workers, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=cache.active_workers: %w", err)
	}
	return workers, nil
}

// Ping reports cache liveness for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=cache.ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
