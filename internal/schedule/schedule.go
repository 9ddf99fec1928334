// Package schedule pushes jobs on cron schedules loaded from a JSON file.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/sweep"
	"github.com/petrijr/jobflow/pkg/api"
)

// ErrUnknownSchedule is returned by Trigger for a name that is not loaded.
var ErrUnknownSchedule = errors.New("unknown schedule")

// Schedule pushes one script or flow job every time Cron fires. Timezone is
// an IANA name; empty means UTC.
type Schedule struct {
	Name        string              `json:"name"`
	Cron        string              `json:"cron"`
	Timezone    string              `json:"timezone,omitempty"`
	WorkspaceID string              `json:"workspace_id"`
	ScriptPath  string              `json:"script_path,omitempty"`
	Language    api.Language        `json:"language,omitempty"`
	Code        string              `json:"code,omitempty"`
	Flow        *api.FlowDefinition `json:"flow,omitempty"`
	Args        json.RawMessage     `json:"args,omitempty"`
	Tag         string              `json:"tag,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

func (s Schedule) enabled() bool { return s.Enabled == nil || *s.Enabled }

func (s Schedule) spec() string {
	if s.Timezone == "" {
		return "CRON_TZ=UTC " + s.Cron
	}
	return "CRON_TZ=" + s.Timezone + " " + s.Cron
}

func (s Schedule) request() queue.PushRequest {
	return queue.PushRequest{
		WorkspaceID: s.WorkspaceID,
		ScriptPath:  s.ScriptPath,
		Language:    s.Language,
		Code:        s.Code,
		Flow:        s.Flow,
		Args:        s.Args,
		Tag:         s.Tag,
	}
}

// LoadFile reads a JSON array of schedules.
func LoadFile(path string) ([]Schedule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Schedule
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// Pusher is the part of queue.Service a Scheduler needs.
type Pusher interface {
	Push(ctx context.Context, req queue.PushRequest) (string, error)
}

// Scheduler owns one cron entry per enabled schedule.
type Scheduler struct {
	q    Pusher
	log  *slog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	byName  map[string]Schedule
}

// New validates and registers schedules. Names must be unique.
func New(q Pusher, schedules []Schedule, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		q:       q,
		log:     log,
		cron:    cron.New(cron.WithChain(cron.Recover(sweep.CronLogger(log)))),
		entries: map[string]cron.EntryID{},
		byName:  map[string]Schedule{},
	}
	for _, sc := range schedules {
		if sc.Name == "" {
			return nil, errors.New("schedule without name")
		}
		if _, dup := s.byName[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		if sc.Flow == nil && sc.Language == "" {
			return nil, fmt.Errorf("schedule %q: needs a flow or a script language", sc.Name)
		}
		if len(sc.Args) > 0 && !api.IsJSONObject(sc.Args) {
			return nil, fmt.Errorf("schedule %q: args must be a JSON object", sc.Name)
		}
		s.byName[sc.Name] = sc
		if !sc.enabled() {
			continue
		}
		id, err := s.cron.AddFunc(sc.spec(), func() { s.fire(context.Background(), sc) })
		if err != nil {
			return nil, fmt.Errorf("schedule %q: cron %q: %w", sc.Name, sc.Cron, err)
		}
		s.entries[sc.Name] = id
	}
	return s, nil
}

func (s *Scheduler) fire(ctx context.Context, sc Schedule) {
	if _, err := s.push(ctx, sc); err != nil {
		s.log.ErrorContext(ctx, "scheduled push failed", "schedule", sc.Name, "error", err)
	}
}

func (s *Scheduler) push(ctx context.Context, sc Schedule) (string, error) {
	id, err := s.q.Push(ctx, sc.request())
	if err != nil {
		return "", err
	}
	s.log.InfoContext(ctx, "scheduled job pushed", "schedule", sc.Name, "job_id", id)
	return id, nil
}

// Trigger pushes the job of a schedule now, whether or not it is enabled.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	sc, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.push(ctx, sc)
}

// Next returns the next fire time of an enabled schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if e.Schedule == nil {
		return time.Time{}, false
	}
	return e.Schedule.Next(time.Now()), true
}

// Run fires schedules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
