package dedicated

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/pkg/api"
)

const maxLine = 16 << 20

type wireRequest struct {
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
	Ping bool            `json:"ping,omitempty"`
}

type wireReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// handle is one running dedicated process and its request loop.
type handle struct {
	spec Spec
	opts Options
	log  *slog.Logger

	cmd     *exec.Cmd
	kill    context.CancelFunc
	stdin   io.WriteCloser
	reqs    chan Request
	replies chan wireReply

	logs atomic.Pointer[sandbox.LogFunc]

	exitCh   chan struct{} // process exited
	done     chan struct{} // request loop returned
	drained  chan struct{} // leftover requests answered
	stopCh   chan struct{}
	stopOnce sync.Once
	pings    int
}

func startProcess(dir string, argv []string, spec Spec, opts Options, log *slog.Logger) (*handle, error) {
	ctx, kill := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "JOBFLOW_DEDICATED=1", "JOBFLOW_SCRIPT_PATH="+spec.Path)
	sandbox.SetProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	fail := func(what string, err error) (*handle, error) {
		kill()
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "dedicated %s: %v", what, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail("stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail("stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail("stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return fail("start", err)
	}

	h := &handle{
		spec:    spec,
		opts:    opts,
		log:     log,
		cmd:     cmd,
		kill:    kill,
		stdin:   stdin,
		reqs:    make(chan Request, opts.QueueSize),
		replies: make(chan wireReply, 16),
		exitCh:  make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); h.readStdout(stdout) }()
	go func() { defer readers.Done(); h.readStderr(stderr) }()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		log.Debug("dedicated worker exited", "path", spec.Path, "hash", spec.ScriptHash, "error", err)
		close(h.exitCh)
	}()
	return h, nil
}

func (h *handle) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		var rep wireReply
		if len(line) > 0 && line[0] == '{' && json.Unmarshal(line, &rep) == nil && rep.ID != "" {
			// The loop waits for one reply at a time; a full buffer only holds
			// stale ones.
			select {
			case h.replies <- rep:
			default:
			}
			continue
		}
		h.output(string(line) + "\n")
	}
}

func (h *handle) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		h.output(sc.Text() + "\n")
	}
}

// output forwards a line to the job currently being served.
func (h *handle) output(line string) {
	if fn := h.logs.Load(); fn != nil && *fn != nil {
		(*fn)(line)
	}
}

func (h *handle) exited() bool {
	select {
	case <-h.exitCh:
		return true
	case <-h.done:
		return true
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

func (h *handle) stop() { h.stopOnce.Do(func() { close(h.stopCh) }) }

// runLoop serves requests one at a time until the process dies, goes idle,
// fails a ping, or the pool closes.
func (h *handle) runLoop(closed <-chan struct{}) {
	defer close(h.done)
	defer h.terminate()

	idle := time.NewTimer(h.opts.IdleTimeout)
	defer idle.Stop()
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-h.stopCh:
			return
		case <-h.exitCh:
			h.log.Warn("dedicated worker exited unexpectedly", "path", h.spec.Path, "hash", h.spec.ScriptHash)
			return
		case <-idle.C:
			h.log.Info("dedicated worker idle, stopping", "path", h.spec.Path, "idle_timeout", h.opts.IdleTimeout)
			return
		case <-ping.C:
			if err := h.ping(); err != nil {
				h.log.Warn("dedicated worker failed health check", "path", h.spec.Path, "error", err)
				return
			}
		case req := <-h.reqs:
			alive := h.serve(req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.opts.IdleTimeout)
			if !alive {
				return
			}
		}
	}
}

// serve runs one request and reports whether the process is still usable.
func (h *handle) serve(req Request) bool {
	logs := req.Logs
	h.logs.Store(&logs)
	defer h.logs.Store(nil)

	if err := h.send(wireRequest{ID: req.JobID, Args: req.Args}); err != nil {
		reply(req, Reply{Err: ErrUnacknowledged})
		return false
	}
	var timeout <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case rep := <-h.replies:
			if rep.ID != req.JobID {
				continue
			}
			reply(req, toReply(rep))
			return true
		case <-h.exitCh:
			select {
			case rep := <-h.replies:
				if rep.ID == req.JobID {
					reply(req, toReply(rep))
					return false
				}
			default:
			}
			reply(req, Reply{Err: ErrUnacknowledged})
			return false
		case <-timeout:
			reply(req, Reply{Err: api.NewExecutionError(api.ErrKindTimeout, "execution exceeded timeout of %s", req.Timeout)})
			return false
		case <-req.Cancel:
			h.log.Info("dedicated request canceled, stopping worker", "path", h.spec.Path, "job_id", req.JobID)
			reply(req, Reply{Err: api.NewExecutionError(api.ErrKindCanceled, "job canceled while running")})
			return false
		case <-h.stopCh:
			reply(req, Reply{Err: ErrUnacknowledged})
			return false
		}
	}
}

func toReply(rep wireReply) Reply {
	if rep.Error != nil {
		return Reply{Err: &api.ExecutionError{Kind: api.ErrKindScriptFailed, Message: *rep.Error}}
	}
	if len(rep.Result) == 0 {
		return Reply{Result: json.RawMessage("null")}
	}
	return Reply{Result: rep.Result}
}

func (h *handle) ping() error {
	h.pings++
	id := fmt.Sprintf("ping-%d", h.pings)
	if err := h.send(wireRequest{ID: id, Ping: true}); err != nil {
		return err
	}
	t := time.NewTimer(h.opts.PingTimeout)
	defer t.Stop()
	for {
		select {
		case rep := <-h.replies:
			if rep.ID == id {
				return nil
			}
		case <-h.exitCh:
			return errors.New("process exited")
		case <-t.C:
			return fmt.Errorf("no answer within %s", h.opts.PingTimeout)
		}
	}
}

func (h *handle) send(msg wireRequest) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = h.stdin.Write(append(b, '\n'))
	return err
}

// terminate closes stdin and kills the process group if it does not exit on
// its own shortly after. The handle stops counting as live right away.
func (h *handle) terminate() {
	h.stop()
	_ = h.stdin.Close()
	select {
	case <-h.exitCh:
	case <-time.After(500 * time.Millisecond):
		h.kill()
		<-h.exitCh
	}
	h.kill()
}

// drain answers requests that raced with the loop's exit. Senders that arrive
// later see drained closed and retry elsewhere.
func (h *handle) drain() {
	defer close(h.drained)
	for {
		select {
		case req := <-h.reqs:
			reply(req, Reply{Err: ErrUnacknowledged})
		default:
			return
		}
	}
}

func reply(req Request, rep Reply) {
	select {
	case req.Reply <- rep:
	default:
	}
}
