package events

import (
	"sync"
	"time"
)

// Recorder is an Emitter that keeps every event in memory, for tests of
// components that emit.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// WaitFor blocks until an event named name has been recorded or timeout
// elapses.
func (r *Recorder) WaitFor(name string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		for _, n := range r.Names() {
			if n == name {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			return false
		}
	}
}
