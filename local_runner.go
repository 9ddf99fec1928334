package jobflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petrijr/jobflow/pkg/worker"
)

// LocalRunner bundles an in-memory Queue and a Worker to provide a simple
// "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := jobflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := jobflow.PushFlow(ctx, runner.Queue, flow, args)
//	view, _ := runner.Wait(ctx, id)
//	runner.Stop()
type LocalRunner struct {
	// Queue is the in-memory queue.
	Queue *Queue

	// Worker runs jobs from Queue one at a time; use it with ProcessOne for
	// step-by-step debugging.
	Worker *Worker

	sandbox Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner whose scripts run as local
// subprocesses under the system temp directory.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWith(NewProcessRunner(filepath.Join(os.TempDir(), "jobflow-local")))
}

// NewLocalRunnerWith constructs a LocalRunner that executes scripts with r.
func NewLocalRunnerWith(r Runner) *LocalRunner {
	q := NewMemoryQueue(QueueOptions{})
	return &LocalRunner{
		Queue:   q,
		Worker:  worker.New(q, localConfig(1), worker.Options{Sandbox: r}),
		sandbox: r,
	}
}

func localConfig(concurrency int) worker.Config {
	return worker.Config{
		WorkerID:          "local",
		Tags:              []string{"bash", "python3", "deno", "bun", "flow", "other"},
		Concurrency:       concurrency,
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   100 * time.Millisecond,
		HeartbeatInterval: time.Second,
		LogFlushInterval:  time.Second,
	}
}

// StartWorkers runs a worker with the given concurrency in the background
// until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("jobflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	w := worker.New(r.Queue, localConfig(concurrency), worker.Options{Sandbox: r.sandbox})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(ctx)
	}()
	return nil
}

// Stop cancels the background worker and waits for it to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Wait polls job id until it reaches a final status or ctx is done.
func (r *LocalRunner) Wait(ctx context.Context, id string) (*JobView, error) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		v, err := r.Queue.GetJob(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		switch v.Status {
		case StatusSuccess, StatusFailure, StatusCanceled:
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-t.C:
		}
	}
}
