package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/jobflow/pkg/api"
)

// Files every job directory may contain.
const (
	ArgsFile   = "args.json"
	ResultFile = "result.json"
	// ResultOutFile holds a plain text result; it is returned as a JSON string.
	ResultOutFile = "result.out"
)

const stderrTailBytes = 4096

// Language describes how a ProcessRunner runs one language.
type Language struct {
	Name api.Language
	// Prepare writes the job files into dir and returns the command line.
	Prepare func(dir string, req Request) ([]string, error)
	// ResultFromStdout makes the last line of stdout the result when the
	// code wrote no result file.
	ResultFromStdout bool
}

// ProcessOptions configures the subprocess runners.
type ProcessOptions struct {
	// BaseDir holds the per-job working directories.
	BaseDir string
	// KeepJobDir leaves job directories in place for debugging.
	KeepJobDir bool
	// KillGrace is how long to wait for output after the process group was
	// killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// ProcessRunner runs each request in a fresh subprocess.
type ProcessRunner struct {
	lang Language
	opts ProcessOptions
}

// NewProcessRunner builds a runner for lang.
func NewProcessRunner(lang Language, opts ProcessOptions) *ProcessRunner {
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Join(os.TempDir(), "jobflow")
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProcessRunner{lang: lang, opts: opts}
}

// Run executes req. The process group is killed on timeout or when ctx is
// canceled.
func (p *ProcessRunner) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(p.opts.BaseDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "job dir: %v", err)
	}
	if !p.opts.KeepJobDir {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				p.opts.Logger.Warn("removing job dir failed", "job_id", req.JobID, "dir", dir, "error", err)
			}
		}()
	}
	if err := os.WriteFile(filepath.Join(dir, ArgsFile), req.Args, 0o600); err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "writing args: %v", err)
	}
	argv, err := p.lang.Prepare(dir, req)
	if err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "%s: %v", p.lang.Name, err)
	}
	argv = withMemoryLimit(argv, req.MemoryLimitMB)

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = environ(req, dir)
	SetProcessGroup(cmd)
	cmd.WaitDelay = p.opts.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "start %s: %v", argv[0], err)
	}

	out := &output{logs: req.Logs, tail: newTail(stderrTailBytes)}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); out.stream(stdout, false) }()
	go func() { defer wg.Done(); out.stream(stderr, true) }()
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &api.ExecutionError{
			Kind:       api.ErrKindTimeout,
			Message:    fmt.Sprintf("execution exceeded timeout of %s", req.Timeout),
			StderrTail: out.tail.String(),
		}
	case waitErr != nil:
		var exitErr *exec.ExitError
		msg := waitErr.Error()
		if errors.As(waitErr, &exitErr) {
			msg = "exit code " + strconv.Itoa(exitErr.ExitCode())
		}
		return nil, &api.ExecutionError{Kind: api.ErrKindScriptFailed, Message: msg, StderrTail: out.tail.String()}
	}
	return p.result(dir, out.lastLine())
}

func (p *ProcessRunner) result(dir, lastLine string) (json.RawMessage, error) {
	b, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if err == nil && len(bytes.TrimSpace(b)) > 0 {
		b = bytes.TrimSpace(b)
		if !json.Valid(b) {
			return nil, api.NewExecutionError(api.ErrKindBadResult, "%s is not valid JSON", ResultFile)
		}
		return b, nil
	}
	if b, err := os.ReadFile(filepath.Join(dir, ResultOutFile)); err == nil && len(b) > 0 {
		return json.Marshal(string(b))
	}
	if !p.lang.ResultFromStdout {
		return nil, api.NewExecutionError(api.ErrKindBadResult, "no %s written", ResultFile)
	}
	if lastLine == "" {
		return json.RawMessage("null"), nil
	}
	if json.Valid([]byte(lastLine)) {
		return json.RawMessage(lastLine), nil
	}
	return json.Marshal(lastLine)
}

func environ(req Request, dir string) []string {
	env := os.Environ()
	env = append(env,
		"JOBFLOW_JOB_ID="+req.JobID,
		"JOBFLOW_JOB_DIR="+dir,
		"JOBFLOW_ARGS_FILE="+filepath.Join(dir, ArgsFile),
		"JOBFLOW_RESULT_FILE="+filepath.Join(dir, ResultFile),
	)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// withMemoryLimit runs argv under a shell ulimit when a limit is set.
func withMemoryLimit(argv []string, mb int) []string {
	if mb <= 0 {
		return argv
	}
	script := fmt.Sprintf(`ulimit -v %d && exec "$@"`, mb*1024)
	return append([]string{"/bin/sh", "-c", script, "sh"}, argv...)
}

// output collects what the process writes.
type output struct {
	mu   sync.Mutex
	logs LogFunc
	tail *tail
	last string
}

func (o *output) stream(r io.Reader, isStderr bool) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			o.mu.Lock()
			if o.logs != nil {
				o.logs(line)
			}
			if isStderr {
				_, _ = o.tail.Write([]byte(line))
			} else if s := strings.TrimSpace(line); s != "" {
				o.last = s
			}
			o.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (o *output) lastLine() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// tail keeps the last max bytes written to it.
type tail struct {
	max int
	buf []byte
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string { return strings.TrimRight(string(t.buf), "\n") }
