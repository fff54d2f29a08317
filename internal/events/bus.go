// Package events is the process-wide notification bus between the call
// engine and its observers (UI, CLI, metrics, tests).
package events

import (
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/util"
)

// Event is one emitted notification.
type Event struct {
	Name    Name
	Payload any
	At      time.Time
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Name]map[int]Handler
	all    map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Name]map[int]Handler),
		all:  make(map[int]Handler),
	}
}

// Subscribe registers fn for name and returns a function removing it.
func (b *Bus) Subscribe(name Name, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	b.subs[name][id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs[name], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Emit delivers payload to every subscriber of name. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Emit(name Name, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[name])+len(b.all))
	for _, h := range b.subs[name] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("[events] handler for %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}
