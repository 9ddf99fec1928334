// Package dedicated keeps long-lived interpreter processes that run many jobs
// of the same script, one request at a time.
//
// A process speaks newline-delimited JSON on stdin/stdout:
//
//	-> {"id": "<job id>", "args": {...}}
//	<- {"id": "<job id>", "result": ...}   or   {"id": "<job id>", "error": "..."}
//	-> {"id": "ping-<n>", "ping": true}
//	<- {"id": "ping-<n>", "result": null}
//
// Any other stdout line is job output.
package dedicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/pkg/api"
)

// ErrUnacknowledged is replied to requests that were handed to a process that
// died before answering them. Pool.Run retries those once.
var ErrUnacknowledged = errors.New("dedicated worker exited before acknowledging the request")

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("dedicated pool closed")

// Spec identifies the script a dedicated process runs.
type Spec struct {
	Path        string
	ScriptHash  string
	WorkerGroup string
	Language    api.Language
	Code        string
}

func (s Spec) key() string { return s.WorkerGroup + "|" + s.Path }

// Request is one job handed to a dedicated process.
type Request struct {
	JobID   string
	Args    json.RawMessage
	Timeout time.Duration
	Logs    sandbox.LogFunc
	// Cancel, when closed, abandons the request. The process is killed since
	// it may still be running the job.
	Cancel <-chan struct{}
	// Reply receives exactly one Reply. It should be buffered.
	Reply chan<- Reply
}

// Reply answers a Request.
type Reply struct {
	Result json.RawMessage
	Err    error
}

// CommandFunc writes whatever the process needs into dir and returns its
// command line.
type CommandFunc func(dir string, spec Spec) ([]string, error)

// Options configures a Pool.
type Options struct {
	BaseDir      string
	IdleTimeout  time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	// QueueSize bounds each process's request channel.
	QueueSize int
	// Command defaults to the built-in per-language wrappers.
	Command CommandFunc
	GitSync api.GitSyncNotifier
	Logger  *slog.Logger
}

// Pool maps (worker group, script path) to a running process.
type Pool struct {
	opts   Options
	log    *slog.Logger
	spawns singleflight.Group

	mu      sync.Mutex
	handles map[string]*handle
	closed  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool builds a Pool.
func NewPool(opts Options) *Pool {
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Join(os.TempDir(), "jobflow", "dedicated")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Command == nil {
		opts.Command = DefaultCommand
	}
	if opts.GitSync == nil {
		opts.GitSync = api.NoopGitSync{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		opts:    opts,
		log:     opts.Logger,
		handles: map[string]*handle{},
		closed:  make(chan struct{}),
	}
}

// live returns the running handle for key when it still serves hash.
func (p *Pool) live(key, hash string) *handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handles[key]
	if h == nil || h.spec.ScriptHash != hash || h.exited() {
		return nil
	}
	return h
}

// GetOrSpawn returns the request channel of the process serving spec,
// starting one when there is none, when the old one died, or when the script
// was redeployed with a different hash. Concurrent callers for the same
// script share one spawn.
func (p *Pool) GetOrSpawn(ctx context.Context, spec Spec) (chan<- Request, error) {
	h, err := p.getOrSpawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h.reqs, nil
}

func (p *Pool) getOrSpawn(ctx context.Context, spec Spec) (*handle, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	key := spec.key()
	if h := p.live(key, spec.ScriptHash); h != nil {
		return h, nil
	}
	v, err, _ := p.spawns.Do(key, func() (any, error) {
		if h := p.live(key, spec.ScriptHash); h != nil {
			return h, nil
		}
		p.mu.Lock()
		old := p.handles[key]
		delete(p.handles, key)
		p.mu.Unlock()
		if old != nil {
			if old.spec.ScriptHash != spec.ScriptHash {
				p.log.InfoContext(ctx, "script redeployed, replacing dedicated worker",
					"path", spec.Path, "old_hash", old.spec.ScriptHash, "hash", spec.ScriptHash)
			}
			old.stop()
		}

		h, err := p.spawn(spec)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.handles[key] = h
		p.mu.Unlock()
		if old != nil && old.spec.ScriptHash != spec.ScriptHash {
			p.opts.GitSync.ScriptDeployed(ctx, spec.Path, spec.ScriptHash)
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*handle), nil
}

// Run executes one job on the dedicated process for spec. A request lost to
// a crashing process is retried once on a fresh one.
func (p *Pool) Run(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		h, err := p.getOrSpawn(ctx, spec)
		if err != nil {
			return nil, err
		}
		replies := make(chan Reply, 1)
		r := req
		r.Reply = replies
		if r.Cancel == nil {
			r.Cancel = ctx.Done()
		}
		select {
		case h.reqs <- r:
		case <-h.done:
			lastErr = ErrUnacknowledged
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case rep := <-replies:
			if errors.Is(rep.Err, ErrUnacknowledged) {
				p.log.WarnContext(ctx, "dedicated worker lost request, retrying", "job_id", req.JobID, "path", spec.Path)
				lastErr = rep.Err
				continue
			}
			return rep.Result, rep.Err
		case <-h.drained:
			select {
			case rep := <-replies:
				if !errors.Is(rep.Err, ErrUnacknowledged) {
					return rep.Result, rep.Err
				}
			default:
			}
			lastErr = ErrUnacknowledged
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Size returns the number of running processes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if !h.exited() {
			n++
		}
	}
	return n
}

// Close stops every process and waits for them to exit.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.closed) })
	p.mu.Lock()
	for k, h := range p.handles {
		h.stop()
		delete(p.handles, k)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Pool) forget(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handles[h.spec.key()] == h {
		delete(p.handles, h.spec.key())
	}
}

func (p *Pool) spawn(spec Spec) (*handle, error) {
	if err := os.MkdirAll(p.opts.BaseDir, 0o700); err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "dedicated dir: %v", err)
	}
	dir, err := os.MkdirTemp(p.opts.BaseDir, fmt.Sprintf("%s-%s-*", spec.WorkerGroup, spec.ScriptHash))
	if err != nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "dedicated dir: %v", err)
	}
	argv, err := p.opts.Command(dir, spec)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "dedicated %s: %v", spec.Language, err)
	}
	h, err := startProcess(dir, argv, spec, p.opts, p.log)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	p.log.Info("dedicated worker started", "path", spec.Path, "hash", spec.ScriptHash, "group", spec.WorkerGroup, "pid", h.cmd.Process.Pid)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		h.runLoop(p.closed)
		p.forget(h)
		_ = os.RemoveAll(dir)
		h.drain()
	}()
	return h, nil
}
