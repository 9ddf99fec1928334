package dedicated

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/pkg/api"
)

// A shell implementation of the request loop, good enough for tests.
const shLoop = `n=0
while IFS= read -r line; do
  id=$(printf '%%s\n' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  case "$line" in
    *'"ping":true'*) printf '{"id":"%%s","result":null}\n' "$id"; continue;;
  esac
  n=$((n+1))
  case "$line" in
    *crash-once*) if [ ! -f %[1]q ]; then touch %[1]q; exit 1; fi;;
    *crash*) exit 1;;
    *fail*) printf '{"id":"%%s","error":"boom"}\n' "$id"; continue;;
    *slow*) sleep 5;;
  esac
  echo "log line for $id"
  printf '{"id":"%%s","result":{"n":%%d,"pid":%%d}}\n' "$id" "$n" "$$"
done
`

type shCommand struct {
	marker string
	spawns atomic.Int32
}

func (c *shCommand) command(dir string, spec Spec) ([]string, error) {
	c.spawns.Add(1)
	script := filepath.Join(dir, "loop.sh")
	if err := os.WriteFile(script, []byte(fmt.Sprintf(shLoop, c.marker)), 0o600); err != nil {
		return nil, err
	}
	return []string{"/bin/sh", script}, nil
}

type gitSync struct {
	mu     sync.Mutex
	hashes []string
}

func (g *gitSync) ScriptDeployed(ctx context.Context, path, hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hashes = append(g.hashes, hash)
}

func newTestPool(t *testing.T, mod func(*Options)) (*Pool, *shCommand) {
	t.Helper()
	for _, bin := range []string{"sh", "sed"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	cmd := &shCommand{marker: filepath.Join(t.TempDir(), "crashed")}
	opts := Options{BaseDir: t.TempDir(), Command: cmd.command, PingInterval: time.Hour}
	if mod != nil {
		mod(&opts)
	}
	p := NewPool(opts)
	t.Cleanup(func() { _ = p.Close() })
	return p, cmd
}

var spec = Spec{Path: "f/dedicated", ScriptHash: "h1", WorkerGroup: "default", Language: api.LangPython3}

type loopResult struct {
	N   int `json:"n"`
	Pid int `json:"pid"`
}

func run(t *testing.T, p *Pool, s Spec, id, args string) (loopResult, error) {
	t.Helper()
	raw, err := p.Run(context.Background(), s, Request{JobID: id, Args: json.RawMessage(args)})
	var res loopResult
	if err == nil {
		require.NoError(t, json.Unmarshal(raw, &res))
	}
	return res, err
}

func TestProcessIsReused(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	var logs []string
	raw, err := p.Run(context.Background(), spec, Request{
		JobID: "j1",
		Args:  json.RawMessage(`{"x":1}`),
		Logs:  func(chunk string) { logs = append(logs, chunk) },
	})
	require.NoError(t, err)
	var first loopResult
	require.NoError(t, json.Unmarshal(raw, &first))

	second, err := run(t, p, spec, "j2", `{}`)
	require.NoError(t, err)

	assert.Equal(t, 1, first.N)
	assert.Equal(t, 2, second.N)
	assert.Equal(t, first.Pid, second.Pid)
	assert.Equal(t, int32(1), cmd.spawns.Load())
	assert.Equal(t, []string{"log line for j1\n"}, logs)
	assert.Equal(t, 1, p.Size())
}

func TestScriptErrorKeepsProcess(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	_, err := run(t, p, spec, "j1", `{"mode":"fail"}`)
	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindScriptFailed, ee.Kind)
	assert.Equal(t, "boom", ee.Message)

	res, err := run(t, p, spec, "j2", `{}`)
	require.NoError(t, err)
	assert.Equal(t, 2, res.N)
	assert.Equal(t, int32(1), cmd.spawns.Load())
}

func TestRedeployReplacesProcess(t *testing.T) {
	gs := &gitSync{}
	p, cmd := newTestPool(t, func(o *Options) { o.GitSync = gs })

	before, err := run(t, p, spec, "j1", `{}`)
	require.NoError(t, err)

	v2 := spec
	v2.ScriptHash = "h2"
	after, err := run(t, p, v2, "j2", `{}`)
	require.NoError(t, err)

	assert.NotEqual(t, before.Pid, after.Pid)
	assert.Equal(t, 1, after.N)
	assert.Equal(t, int32(2), cmd.spawns.Load())
	assert.Equal(t, []string{"h2"}, gs.hashes)
}

func TestUnacknowledgedRequestIsRetriedOnce(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	res, err := run(t, p, spec, "j1", `{"mode":"crash-once"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, res.N)
	assert.Equal(t, int32(2), cmd.spawns.Load())

	_, err = run(t, p, spec, "j2", `{"mode":"crash"}`)
	require.ErrorIs(t, err, ErrUnacknowledged)
}

func TestTimeoutKillsProcess(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	_, err := p.Run(context.Background(), spec, Request{JobID: "j1", Args: json.RawMessage(`{"mode":"slow"}`), Timeout: 200 * time.Millisecond})
	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindTimeout, ee.Kind)

	_, err = run(t, p, spec, "j2", `{}`)
	require.NoError(t, err)
	assert.Equal(t, int32(2), cmd.spawns.Load())
}

func TestConcurrentGetOrSpawnSpawnsOnce(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	var wg sync.WaitGroup
	chans := make([]chan<- Request, 10)
	for i := range chans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := p.GetOrSpawn(context.Background(), spec)
			assert.NoError(t, err)
			chans[i] = ch
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), cmd.spawns.Load())
	for _, ch := range chans {
		assert.Equal(t, chans[0], ch)
	}

	replies := make(chan Reply, 1)
	chans[0] <- Request{JobID: "direct", Args: json.RawMessage(`{}`), Reply: replies}
	select {
	case rep := <-replies:
		require.NoError(t, rep.Err)
		assert.True(t, strings.Contains(string(rep.Result), `"n":1`))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestIdleProcessStops(t *testing.T) {
	p, _ := newTestPool(t, func(o *Options) { o.IdleTimeout = 200 * time.Millisecond })

	_, err := run(t, p, spec, "j1", `{}`)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.Size() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestIdleCyclesDoNotLeakGoroutines(t *testing.T) {
	p, cmd := newTestPool(t, func(o *Options) { o.IdleTimeout = 100 * time.Millisecond })
	base := runtime.NumGoroutine()

	for i := range 5 {
		_, err := run(t, p, spec, fmt.Sprintf("j%d", i), `{}`)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return p.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, int32(5), cmd.spawns.Load())
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= base }, 5*time.Second, 20*time.Millisecond)
}

func TestCanceledRequestReleasesProcess(t *testing.T) {
	p, cmd := newTestPool(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, spec, Request{JobID: "j1", Args: json.RawMessage(`{"mode":"slow"}`)})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	res, err := run(t, p, spec, "j2", `{}`)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "next job waited for the canceled one")
	assert.Equal(t, 1, res.N)
	assert.Equal(t, int32(2), cmd.spawns.Load())
}

func TestHealthCheckKeepsHealthyProcess(t *testing.T) {
	p, cmd := newTestPool(t, func(o *Options) { o.PingInterval = 30 * time.Millisecond })

	first, err := run(t, p, spec, "j1", `{}`)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	second, err := run(t, p, spec, "j2", `{}`)
	require.NoError(t, err)

	assert.Equal(t, first.Pid, second.Pid)
	assert.Equal(t, int32(1), cmd.spawns.Load())
}

func TestBashCannotRunDedicated(t *testing.T) {
	p := NewPool(Options{BaseDir: t.TempDir()})
	t.Cleanup(func() { _ = p.Close() })

	_, err := p.GetOrSpawn(context.Background(), Spec{Path: "x", ScriptHash: "h", Language: api.LangBash})
	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindSandboxSpawnFailed, ee.Kind)
}

func TestClosedPool(t *testing.T) {
	p, _ := newTestPool(t, nil)
	require.NoError(t, p.Close())
	_, err := p.GetOrSpawn(context.Background(), spec)
	require.ErrorIs(t, err, ErrPoolClosed)
}
