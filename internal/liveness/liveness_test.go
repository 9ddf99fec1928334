package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/jobflow/internal/testutil"
)

const prefix = "jobflow:test:"

func TestMemoryKeepsLatestPing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	seen, err := m.LastSeen(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, seen.IsZero())

	require.NoError(t, m.PingWorker(ctx, "w1", t0.Add(time.Minute)))
	require.NoError(t, m.PingWorker(ctx, "w1", t0))
	seen, err = m.LastSeen(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), seen)
}

type RedisSuite struct {
	suite.Suite
	client *redis.Client
	reg    *Redis
}

func TestRedisSuite(t *testing.T) {
	s := new(RedisSuite)
	s.client = redis.NewClient(&redis.Options{Addr: testutil.RedisAddr(t)})
	t.Cleanup(func() { _ = s.client.Close() })
	s.reg = NewRedis(s.client, prefix, time.Minute)
	suite.Run(t, s)
}

func (s *RedisSuite) SetupTest() {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		s.Require().NoError(s.client.Del(ctx, iter.Val()).Err())
	}
	s.Require().NoError(iter.Err())
}

func (s *RedisSuite) TestUnknownWorker() {
	seen, err := s.reg.LastSeen(context.Background(), "ghost")
	s.Require().NoError(err)
	s.True(seen.IsZero())
}

func (s *RedisSuite) TestPingRoundTrip() {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 123, time.UTC)
	s.Require().NoError(s.reg.PingWorker(ctx, "w1", at))

	seen, err := s.reg.LastSeen(ctx, "w1")
	s.Require().NoError(err)
	s.Equal(at, seen)

	ttl, err := s.client.TTL(ctx, prefix+"worker:w1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}
