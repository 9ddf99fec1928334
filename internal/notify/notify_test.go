package notify

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/internal/testutil"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case tag := <-ch:
		return tag
	case <-time.After(10 * time.Second):
		t.Fatal("no wake-up received")
		return ""
	}
}

func TestLocalFansOut(t *testing.T) {
	b := NewLocal()
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()

	require.NoError(t, b.Notify(context.Background(), "bash"))
	assert.Equal(t, "bash", receive(t, a))
	assert.Equal(t, "bash", receive(t, c))

	unsubA()
	unsubA()
	require.NoError(t, b.Notify(context.Background(), "flow"))
	assert.Equal(t, "flow", receive(t, c))
	select {
	case tag := <-a:
		t.Fatalf("unsubscribed channel got %q", tag)
	default:
	}
}

func TestLocalNeverBlocks(t *testing.T) {
	b := NewLocal()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Notify(context.Background(), "bash"))
	}
	assert.Equal(t, "bash", receive(t, ch))
	assert.Empty(t, ch)
}

func TestMatches(t *testing.T) {
	tags := []string{"bash", "flow"}
	assert.True(t, Matches("bash", tags))
	assert.True(t, Matches("", tags))
	assert.False(t, Matches("gpu", tags))
}

func TestRedisBus(t *testing.T) {
	addr := testutil.RedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	listener, err := NewRedis(ctx, client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	ch, unsub := listener.Subscribe()
	defer unsub()

	pusher, err := NewRedis(ctx, client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pusher.Close() })

	require.NoError(t, pusher.Notify(ctx, "python3"))
	assert.Equal(t, "python3", receive(t, ch))
}

func TestPostgresBus(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	bus, err := NewPostgres(ctx, db, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	ch, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, bus.Notify(ctx, "deno"))
	assert.Equal(t, "deno", receive(t, ch))
}
