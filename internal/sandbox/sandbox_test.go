package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/pkg/api"
)

func bashRunner(t *testing.T, keep bool) (*ProcessRunner, string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	return NewProcessRunner(Bash, ProcessOptions{BaseDir: dir, KeepJobDir: keep, KillGrace: 200 * time.Millisecond}), dir
}

func runBash(t *testing.T, r *ProcessRunner, code, args string) (json.RawMessage, error) {
	t.Helper()
	return r.Run(context.Background(), Request{JobID: "j1", Language: api.LangBash, Code: code, Args: json.RawMessage(args)})
}

func TestBashLastLineIsResult(t *testing.T) {
	r, _ := bashRunner(t, false)

	got, err := runBash(t, r, "echo hello\necho 10", `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `10`, string(got))

	got, err = runBash(t, r, "echo 'not json'", `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"not json"`, string(got))

	got, err = runBash(t, r, "true", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestBashPositionalArgs(t *testing.T) {
	r, _ := bashRunner(t, false)
	code := "name=\"$1\"\ncount=\"${2:-1}\"\necho \"$name:$count\""

	got, err := runBash(t, r, code, `{"count": 3, "name": "ada"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"ada:3"`, string(got))

	got, err = runBash(t, r, code, `{"count": 3}`)
	require.NoError(t, err)
	assert.JSONEq(t, `":3"`, string(got))
}

func TestResultFiles(t *testing.T) {
	r, _ := bashRunner(t, false)

	got, err := runBash(t, r, `echo '{"a": [1, 2]}' > "$JOBFLOW_RESULT_FILE"; echo ignored`, `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": [1, 2]}`, string(got))

	got, err = runBash(t, r, `printf 'plain text' > result.out`, `{}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"plain text"`, string(got))

	_, err = runBash(t, r, `echo '{broken' > result.json`, `{}`)
	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindBadResult, ee.Kind)
}

func TestArgsFileIsWritten(t *testing.T) {
	r, _ := bashRunner(t, false)
	got, err := runBash(t, r, `cat "$JOBFLOW_ARGS_FILE"`, `{"x": 1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": 1}`, string(got))
}

func TestNonZeroExitKeepsStderrTail(t *testing.T) {
	r, _ := bashRunner(t, false)
	_, err := runBash(t, r, "echo working\necho 'disk full' >&2\nexit 3", `{}`)

	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindScriptFailed, ee.Kind)
	assert.Equal(t, "exit code 3", ee.Message)
	assert.Equal(t, "disk full", ee.StderrTail)
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	r, _ := bashRunner(t, false)
	start := time.Now()
	_, err := r.Run(context.Background(), Request{
		JobID:    "slow",
		Language: api.LangBash,
		Code:     "sleep 30 &\nwait",
		Args:     json.RawMessage(`{}`),
		Timeout:  300 * time.Millisecond,
	})

	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindTimeout, ee.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCancelReturnsContextError(t *testing.T) {
	r, _ := bashRunner(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := r.Run(ctx, Request{JobID: "c", Language: api.LangBash, Code: "sleep 30", Args: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLogsAreStreamed(t *testing.T) {
	r, _ := bashRunner(t, false)
	var mu sync.Mutex
	var lines []string
	_, err := r.Run(context.Background(), Request{
		JobID:    "logs",
		Language: api.LangBash,
		Code:     "echo one\necho two >&2\necho three",
		Args:     json.RawMessage(`{}`),
		Logs: func(chunk string) {
			mu.Lock()
			lines = append(lines, chunk)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one\n", "two\n", "three\n"}, lines)
}

func TestJobDirCleanup(t *testing.T) {
	r, base := bashRunner(t, false)
	_, err := runBash(t, r, "echo 1", `{}`)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "j1"))
	assert.True(t, os.IsNotExist(err))

	keep, base := bashRunner(t, true)
	_, err = runBash(t, keep, "echo 1", `{}`)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(base, "j1", "main.sh"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "set -e\n"))
}

func TestRegistryUnknownLanguage(t *testing.T) {
	_, err := NewRegistry().Run(context.Background(), Request{Language: api.LangDeno})
	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, api.ErrKindSandboxSpawnFailed, ee.Kind)
}

func TestRegistryDispatchesByLanguage(t *testing.T) {
	reg := NewRegistry()
	reg.Register(api.LangPython3, RunnerFunc(func(ctx context.Context, req Request) (json.RawMessage, error) {
		return req.Args, nil
	}))
	got, err := reg.Run(context.Background(), Request{Language: api.LangPython3})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
	assert.Equal(t, []api.Language{api.LangPython3}, reg.Languages())
}

func TestIdentity(t *testing.T) {
	got, err := Identity(json.RawMessage(`{"previous_result": [1, 2]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1, 2]`, string(got))

	got, err = Identity(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestBashArgs(t *testing.T) {
	code := "a=\"$1\"\nc=\"$3\"\n"
	got, err := bashArgs(code, json.RawMessage(`{"a": "x y", "c": {"k": true}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x y", "", `{"k": true}`}, got)
}
