// Package notify carries "a job was pushed for tag" wake-ups from pushers to
// idle workers so they do not have to wait for their next poll.
//
// Wake-ups are hints. A lost one only delays a job until the next poll.
package notify

import (
	"context"
	"sync"
)

// Channel is the LISTEN/NOTIFY and pub/sub channel name.
const Channel = "jobflow_queue"

// Bus publishes and delivers wake-ups.
type Bus interface {
	Notify(ctx context.Context, tag string) error
	// Subscribe returns a channel of pushed tags and a function that
	// unsubscribes. An empty tag means "anything may have changed".
	Subscribe() (<-chan string, func())
	Close() error
}

// hub fans wake-ups out to local subscribers without ever blocking the
// sender. Each subscriber buffers one pending wake-up.
type hub struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newHub() *hub { return &hub{subs: map[chan string]struct{}{}} }

func (h *hub) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *hub) broadcast(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- tag:
		default:
		}
	}
}

// Local delivers wake-ups within one process.
type Local struct {
	*hub
}

// NewLocal builds a Local bus.
func NewLocal() *Local { return &Local{hub: newHub()} }

func (l *Local) Notify(ctx context.Context, tag string) error {
	l.broadcast(tag)
	return nil
}

func (l *Local) Close() error { return nil }

// Matches reports whether a wake-up for tag concerns a worker serving tags.
func Matches(tag string, tags []string) bool {
	if tag == "" {
		return true
	}
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
