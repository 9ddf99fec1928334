package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/jobflow/internal/dedicated"
	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

var factories = map[string]func(t *testing.T) store.Store{
	"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
	"sqlite": func(t *testing.T) store.Store {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })
		s, err := store.NewSQLite(context.Background(), db)
		require.NoError(t, err)
		return s
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, q *queue.Service)) {
	for name, f := range factories {
		t.Run(name, func(t *testing.T) { fn(t, queue.New(f(t), queue.Options{})) })
	}
}

func testConfig() Config {
	return Config{
		WorkerID:          "w1",
		Tags:              []string{"bash", "python3", "flow", "other"},
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		LogFlushInterval:  20 * time.Millisecond,
		CompleteBackoff:   time.Millisecond,
		ShutdownGrace:     time.Second,
	}
}

func pushBash(t *testing.T, q *queue.Service, req queue.PushRequest) string {
	t.Helper()
	req.Language = api.LangBash
	if req.Code == "" {
		req.Code = "echo hi"
	}
	id, err := q.Push(context.Background(), req)
	require.NoError(t, err)
	return id
}

func getJob(t *testing.T, q *queue.Service, id string) *api.JobView {
	t.Helper()
	v, err := q.GetJob(context.Background(), id, 0)
	require.NoError(t, err)
	return v
}

func TestScriptJobCompletes(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *queue.Service) {
		runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
			req.Logs("hello\n")
			return json.RawMessage(`{"ok": true}`), nil
		})
		w := New(q, testConfig(), Options{Sandbox: runner})
		id := pushBash(t, q, queue.PushRequest{WorkspaceID: "demo"})

		processed, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
		require.True(t, processed)

		v := getJob(t, q, id)
		assert.Equal(t, api.JobSuccess, v.Status)
		assert.JSONEq(t, `{"ok": true}`, string(v.Result))
		assert.Contains(t, v.Logs, "job "+id+" on worker w1")
		assert.Contains(t, v.Logs, "hello")
	})
}

func TestScriptFailureIsRecorded(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *queue.Service) {
		runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
			return nil, api.NewExecutionError(api.ErrKindScriptFailed, "exit status 1")
		})
		w := New(q, testConfig(), Options{Sandbox: runner})
		id := pushBash(t, q, queue.PushRequest{})

		_, err := w.ProcessOne(context.Background())
		require.NoError(t, err)

		v := getJob(t, q, id)
		assert.Equal(t, api.JobFailure, v.Status)
		require.NotNil(t, v.Error)
		assert.Equal(t, api.ErrKindScriptFailed, v.Error.Kind)
	})
}

func TestNoSandboxFailsScriptJobs(t *testing.T) {
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	w := New(q, testConfig(), Options{})
	id := pushBash(t, q, queue.PushRequest{})

	_, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	v := getJob(t, q, id)
	require.NotNil(t, v.Error)
	assert.Equal(t, api.ErrKindSandboxSpawnFailed, v.Error.Kind)
}

func TestIdentityAndNoopCompleteInline(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *queue.Service) {
		ctx := context.Background()
		w := New(q, testConfig(), Options{})

		ident, err := q.Push(ctx, queue.PushRequest{Kind: api.KindIdentity, Args: json.RawMessage(`{"previous_result": [1, 2]}`)})
		require.NoError(t, err)
		noop, err := q.Push(ctx, queue.PushRequest{Kind: api.KindNoop})
		require.NoError(t, err)

		for range 2 {
			processed, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, processed)
		}
		assert.JSONEq(t, `[1, 2]`, string(getJob(t, q, ident).Result))
		assert.JSONEq(t, `null`, string(getJob(t, q, noop).Result))
	})
}

func TestProcessOneOnEmptyQueue(t *testing.T) {
	obs := &recordingAutoscaling{}
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	w := New(q, testConfig(), Options{Autoscaling: obs})

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, []bool{false}, obs.seen())
}

func TestExecutionRequest(t *testing.T) {
	var got []sandbox.Request
	var mu sync.Mutex
	runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return nil, nil
	})
	resolver := resolverFunc(func(ctx context.Context, ws, token string, args json.RawMessage) (json.RawMessage, error) {
		assert.Equal(t, "demo", ws)
		assert.Equal(t, "secret", token)
		return json.RawMessage(`{"password": "hunter2"}`), nil
	})
	cfg := testConfig()
	cfg.Token = "secret"
	cfg.DefaultTimeout = time.Minute
	cfg.MemoryLimitMB = 256
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	w := New(q, cfg, Options{Sandbox: runner, Resolver: resolver})

	pushBash(t, q, queue.PushRequest{WorkspaceID: "demo", ScriptPath: "u/admin/login", Args: json.RawMessage(`{"password": "$var:u/admin/pw"}`), TimeoutSecs: 7, Priority: 1})
	pushBash(t, q, queue.PushRequest{WorkspaceID: "demo"})
	for range 2 {
		_, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, got, 2)
	assert.JSONEq(t, `{"password": "hunter2"}`, string(got[0].Args))
	assert.Equal(t, 7*time.Second, got[0].Timeout)
	assert.Equal(t, time.Minute, got[1].Timeout)
	assert.Equal(t, 256, got[0].MemoryLimitMB)
	assert.Equal(t, "demo", got[0].Env["JOBFLOW_WORKSPACE"])
	assert.Equal(t, "u/admin/login", got[0].Env["JOBFLOW_SCRIPT_PATH"])
	assert.Equal(t, "secret", got[0].Env["JOBFLOW_TOKEN"])
}

func TestResolverFailureFailsJob(t *testing.T) {
	resolver := resolverFunc(func(ctx context.Context, ws, token string, args json.RawMessage) (json.RawMessage, error) {
		return nil, &api.JobError{Kind: api.ErrKindNotFound, Message: "error fetching variable u/admin/pw"}
	})
	ran := false
	runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
		ran = true
		return nil, nil
	})
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	w := New(q, testConfig(), Options{Sandbox: runner, Resolver: resolver})
	id := pushBash(t, q, queue.PushRequest{})

	_, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	v := getJob(t, q, id)
	require.NotNil(t, v.Error)
	assert.Equal(t, api.ErrKindNotFound, v.Error.Kind)
}

type fakeDedicated struct {
	specs []dedicated.Spec
}

func (d *fakeDedicated) Run(ctx context.Context, spec dedicated.Spec, req dedicated.Request) (json.RawMessage, error) {
	d.specs = append(d.specs, spec)
	return json.RawMessage(`"from pool"`), nil
}

func TestDedicatedJobsUseThePool(t *testing.T) {
	pool := &fakeDedicated{}
	runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
		return nil, errors.New("sandbox should not run dedicated jobs")
	})
	cfg := testConfig()
	cfg.WorkerGroup = "gpu"
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	w := New(q, cfg, Options{Sandbox: runner, Dedicated: pool})

	withPath := pushBash(t, q, queue.PushRequest{ScriptPath: "f/etl/load", Dedicated: true, Priority: 1})
	noPath := pushBash(t, q, queue.PushRequest{Dedicated: true})
	for range 2 {
		_, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, pool.specs, 2)
	assert.Equal(t, "f/etl/load", pool.specs[0].Path)
	assert.Equal(t, "gpu", pool.specs[0].WorkerGroup)
	assert.NotEmpty(t, pool.specs[1].Path)
	assert.Equal(t, pool.specs[1].ScriptHash, pool.specs[1].Path)
	assert.JSONEq(t, `"from pool"`, string(getJob(t, q, withPath).Result))
	assert.JSONEq(t, `"from pool"`, string(getJob(t, q, noPath).Result))
}

func TestRunDrivesFlowToCompletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *queue.Service) {
		runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
			return json.RawMessage(`10`), nil
		})
		cfg := testConfig()
		cfg.Concurrency = 2
		w := New(q, cfg, Options{Sandbox: runner})

		id, err := q.Push(context.Background(), queue.PushRequest{Flow: &api.FlowDefinition{Modules: []api.FlowModule{
			{ID: "a", Value: api.ModuleValue{Type: api.ModuleRawScript, Language: api.LangBash, Content: "echo 10"}},
			{ID: "b", Value: api.ModuleValue{Type: api.ModuleIdentity}},
		}}})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		require.Eventually(t, func() bool {
			v, err := q.GetJob(context.Background(), id, 0)
			return err == nil && v.Status == api.JobSuccess
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		assert.JSONEq(t, `10`, string(getJob(t, q, id).Result))
	})
}

type chanWakeups chan string

func (c chanWakeups) Subscribe() (<-chan string, func()) { return c, func() {} }

func TestWakeupCutsIdleWaitShort(t *testing.T) {
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	runner := sandbox.RunnerFunc(func(ctx context.Context, req sandbox.Request) (json.RawMessage, error) {
		return nil, nil
	})
	wake := make(chanWakeups, 4)
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	cfg.MaxPollInterval = time.Hour
	w := New(q, cfg, Options{Sandbox: runner, Wakeups: wake})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	id := pushBash(t, q, queue.PushRequest{})
	wake <- "gpu"
	wake <- "bash"

	require.Eventually(t, func() bool {
		v, err := q.GetJob(context.Background(), id, 0)
		return err == nil && v.Status == api.JobSuccess
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestBashScriptEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	q := queue.New(store.NewMemoryStore(), queue.Options{})
	reg := sandbox.NewDefaultRegistry(sandbox.ProcessOptions{BaseDir: t.TempDir()})
	w := New(q, testConfig(), Options{Sandbox: reg})

	id := pushBash(t, q, queue.PushRequest{
		Code: "name=\"$1\"\necho \"greeting $name\"\necho \"{\\\"hello\\\": \\\"$name\\\"}\"",
		Args: json.RawMessage(`{"name": "world"}`),
	})
	_, err := w.ProcessOne(context.Background())
	require.NoError(t, err)

	v := getJob(t, q, id)
	require.Equal(t, api.JobSuccess, v.Status, "error: %+v", v.Error)
	assert.JSONEq(t, `{"hello": "world"}`, string(v.Result))
	assert.Contains(t, v.Logs, "greeting world")
}

type resolverFunc func(ctx context.Context, ws, token string, args json.RawMessage) (json.RawMessage, error)

func (f resolverFunc) Resolve(ctx context.Context, ws, token string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, ws, token, args)
}

type recordingAutoscaling struct {
	mu     sync.Mutex
	pulled []bool
}

func (r *recordingAutoscaling) Observe(ctx context.Context, tags []string, pulled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, pulled)
}

func (r *recordingAutoscaling) seen() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.pulled...)
}
