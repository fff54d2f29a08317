package events

import (
	"sync"
	"time"
)

// Recorder keeps every event emitted on a bus, for tests and diagnostics
// dumps.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	stop   func()
}

// NewRecorder subscribes to every event on b.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{notify: make(chan struct{}, 1)}
	r.stop = b.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Close unsubscribes the recorder.
func (r *Recorder) Close() { r.stop() }

// Events returns the recorded events named name, oldest first.
func (r *Recorder) Events(name Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name Name) int { return len(r.Events(name)) }

// Last returns the latest event named name.
func (r *Recorder) Last(name Name) (Event, bool) {
	evs := r.Events(name)
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

// Wait blocks until an event named name has been recorded or timeout
// elapses.
func (r *Recorder) Wait(name Name, timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if ev, ok := r.Last(name); ok {
			return ev, true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Last(name)
		}
	}
}
