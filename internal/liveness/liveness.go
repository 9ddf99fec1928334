// Package liveness records when each worker process was last seen, so the
// zombie sweep can tell a dead worker from a hung job.
//
// The SQL and memory stores keep their own worker_ping table; the
// implementations here are for deployments that want the registry outside
// the job database.
package liveness

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Memory is an in-process registry.
type Memory struct {
	mu    sync.Mutex
	pings map[string]time.Time
}

// NewMemory builds an empty Memory registry.
func NewMemory() *Memory { return &Memory{pings: map[string]time.Time{}} }

func (m *Memory) PingWorker(ctx context.Context, worker string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.pings[worker]) {
		m.pings[worker] = at
	}
	return nil
}

// LastSeen returns the zero time for unknown workers.
func (m *Memory) LastSeen(ctx context.Context, worker string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings[worker], nil
}

// Redis stores one key per worker:
//
//	<prefix>worker:<id>  => last ping, unix nanoseconds
//
// Keys expire after ttl, after which the worker reads as never seen.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis registry. prefix defaults to "jobflow:", ttl to 24h.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "jobflow:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(worker string) string { return r.prefix + "worker:" + worker }

func (r *Redis) PingWorker(ctx context.Context, worker string, at time.Time) error {
	return r.client.Set(ctx, r.key(worker), at.UnixNano(), r.ttl).Err()
}

func (r *Redis) LastSeen(ctx context.Context, worker string) (time.Time, error) {
	v, err := r.client.Get(ctx, r.key(worker)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
