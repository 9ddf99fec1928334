package schedule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

const schedulesJSON = `[
  {"name": "nightly-report", "cron": "0 2 * * *", "workspace_id": "demo",
   "script_path": "f/reports/nightly", "language": "bash", "code": "echo hi",
   "args": {"day": "yesterday"}},
  {"name": "sync", "cron": "@every 1s", "timezone": "Europe/Helsinki", "workspace_id": "demo",
   "flow": {"modules": [{"id": "a", "value": {"type": "identity"}}]}},
  {"name": "paused", "cron": "*/5 * * * *", "workspace_id": "demo", "language": "python3", "enabled": false}
]`

func loadTestSchedules(t *testing.T) []Schedule {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, os.WriteFile(path, []byte(schedulesJSON), 0o600))
	scs, err := LoadFile(path)
	require.NoError(t, err)
	return scs
}

func newQueue() *queue.Service {
	return queue.New(store.NewMemoryStore(), queue.Options{})
}

func TestLoadFile(t *testing.T) {
	scs := loadTestSchedules(t)
	require.Len(t, scs, 3)
	assert.Equal(t, "nightly-report", scs[0].Name)
	assert.Equal(t, api.LangBash, scs[0].Language)
	require.NotNil(t, scs[1].Flow)
	assert.False(t, scs[2].enabled())

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestTriggerPushesJob(t *testing.T) {
	q := newQueue()
	s, err := New(q, loadTestSchedules(t), nil)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := s.Trigger(ctx, "nightly-report")
	require.NoError(t, err)

	view, err := q.GetJob(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, api.KindScript, view.Kind)
	assert.Equal(t, "f/reports/nightly", view.ScriptPath)
	var args map[string]string
	require.NoError(t, json.Unmarshal(view.Args, &args))
	assert.Equal(t, "yesterday", args["day"])

	// Disabled schedules can still be triggered by hand.
	_, err = s.Trigger(ctx, "paused")
	require.NoError(t, err)

	_, err = s.Trigger(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestNext(t *testing.T) {
	s, err := New(newQueue(), loadTestSchedules(t), nil)
	require.NoError(t, err)

	next, ok := s.Next("nightly-report")
	require.True(t, ok)
	assert.Equal(t, 2, next.UTC().Hour())
	assert.Equal(t, 0, next.Minute())

	_, ok = s.Next("paused")
	assert.False(t, ok)
}

func TestValidation(t *testing.T) {
	cases := map[string][]Schedule{
		"no name":   {{Cron: "* * * * *", Language: api.LangBash}},
		"duplicate": {{Name: "a", Cron: "* * * * *", Language: api.LangBash}, {Name: "a", Cron: "* * * * *", Language: api.LangBash}},
		"no target": {{Name: "a", Cron: "* * * * *"}},
		"bad cron":  {{Name: "a", Cron: "every day", Language: api.LangBash}},
		"bad args":  {{Name: "a", Cron: "* * * * *", Language: api.LangBash, Args: json.RawMessage(`[1]`)}},
		"bad zone":  {{Name: "a", Cron: "* * * * *", Timezone: "Mars/Olympus", Language: api.LangBash}},
	}
	for name, scs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(newQueue(), scs, nil)
			require.Error(t, err)
		})
	}
}

func TestRunFiresSchedules(t *testing.T) {
	q := newQueue()
	s, err := New(q, loadTestSchedules(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		jobs, err := q.List(context.Background(), store.QueueFilter{})
		return err == nil && len(jobs) > 0 && jobs[0].Kind == api.KindFlow
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
