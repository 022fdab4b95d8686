// Package event provides a lightweight in-process notification system for
// gateway lifecycle changes. Events are notifications; subscribers fetch
// details through the HTTP API after being notified.
package event

import "sync"

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g. "session.opened").
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	listeners    map[string][]Listener
	allListeners []Listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]Listener)}
}

// On subscribes to a specific event type. Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.listeners[eventName] = append(e.listeners[eventName], fn)
	idx := len(e.listeners[eventName]) - 1
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		listeners := e.listeners[eventName]
		if idx < len(listeners) {
			e.listeners[eventName] = append(listeners[:idx], listeners[idx+1:]...)
		}
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.allListeners = append(e.allListeners, fn)
	idx := len(e.allListeners) - 1
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.allListeners) {
			e.allListeners = append(e.allListeners[:idx], e.allListeners[idx+1:]...)
		}
	}
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy listeners to avoid holding the lock during callbacks.
	specific := make([]Listener, len(e.listeners[ev.EventName()]))
	copy(specific, e.listeners[ev.EventName()])
	all := make([]Listener, len(e.allListeners))
	copy(all, e.allListeners)
	e.mu.RUnlock()

	for _, fn := range specific {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}

// ---- Global Emitter ----

var globalEmitter *Emitter
var globalOnce sync.Once

// Global returns the global event emitter.
func Global() *Emitter {
	globalOnce.Do(func() {
		globalEmitter = NewEmitter()
	})
	return globalEmitter
}

// Emit is a shortcut for Global().Emit(ev).
func Emit(ev Event) {
	Global().Emit(ev)
}

// On is a shortcut for Global().On(eventName, fn).
func On(eventName string, fn Listener) func() {
	return Global().On(eventName, fn)
}
