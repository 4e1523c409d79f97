// Package emitter is a synchronous publish/subscribe emitter with a single
// publish entry point that other packages can intercept.
package emitter

import (
	"log/slog"
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

// EmitFunc is the publish entry point of an Emitter.
type EmitFunc func(event string, args ...any) bool

// Handle identifies a registered listener for Off.
type Handle uint64

type listener struct {
	h    Handle
	fn   Listener
	once bool
}

// topic holds the listeners of one event. It is subscribed to the bus once.
type topic struct {
	mu        sync.Mutex
	listeners []listener
}

// delivery is published on the bus; the topic fills in who should receive it.
type delivery struct {
	listeners []listener
}

// collect snapshots the listeners for one emit and drops once-listeners.
func (t *topic) collect(d *delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d.listeners = append(d.listeners, t.listeners...)
	kept := t.listeners[:0]
	for _, l := range t.listeners {
		if !l.once {
			kept = append(kept, l)
		}
	}
	clear(t.listeners[len(kept):])
	t.listeners = kept
}

// Emitter dispatches events to listeners in registration order on the
// goroutine that calls Emit.
type Emitter struct {
	bus evbus.Bus
	log *slog.Logger

	mu      sync.Mutex
	topics  map[string]*topic
	next    Handle
	emit    EmitFunc
	patches map[string]struct{}
	slots   map[string]any
}

type Option func(*Emitter)

// WithLogger sets the logger for subscription failures. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Emitter) {
		if log != nil {
			e.log = log
		}
	}
}

// New returns an empty Emitter.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		bus:     evbus.New(),
		log:     slog.Default(),
		topics:  make(map[string]*topic),
		patches: make(map[string]struct{}),
		slots:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emit = e.publish
	return e
}

// On registers fn for event. It returns 0 if event could not be subscribed
// on the bus, in which case fn is not registered.
func (e *Emitter) On(event string, fn Listener) Handle {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only.
func (e *Emitter) Once(event string, fn Listener) Handle {
	return e.add(event, fn, true)
}

func (e *Emitter) add(event string, fn Listener, once bool) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[event]
	if !ok {
		t = &topic{}
		if err := e.bus.Subscribe(event, t.collect); err != nil {
			e.log.Error("subscribe emitter topic", "event", event, "err", err)
			return 0
		}
		e.topics[event] = t
	}
	e.next++
	h := e.next
	t.mu.Lock()
	t.listeners = append(t.listeners, listener{h: h, fn: fn, once: once})
	t.mu.Unlock()
	return h
}

// Off removes the listener registered under h. It reports whether one was removed.
func (e *Emitter) Off(event string, h Handle) bool {
	t := e.topic(event)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l.h == h {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	t := e.topic(event)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (e *Emitter) topic(event string) *topic {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topics[event]
}

// Emit calls the listeners of event with args and reports whether there were any.
func (e *Emitter) Emit(event string, args ...any) bool {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()
	return emit(event, args...)
}

// publish is the unpatched entry point. The bus holds its lock while running
// handlers, so listeners are called after Publish returns; they may use the
// emitter themselves.
func (e *Emitter) publish(event string, args ...any) bool {
	if !e.bus.HasCallback(event) {
		return false
	}
	d := &delivery{}
	e.bus.Publish(event, d)
	for _, l := range d.listeners {
		l.fn(args...)
	}
	return len(d.listeners) > 0
}

// Patch replaces the publish entry point with wrap applied to the current
// one, unless a patch was already applied under key. It reports whether wrap
// was applied.
func (e *Emitter) Patch(key string, wrap func(EmitFunc) EmitFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.patches[key]; done {
		return false
	}
	e.patches[key] = struct{}{}
	e.emit = wrap(e.emit)
	return true
}

// SetSlot stores v under key on the emitter, replacing any previous value.
func (e *Emitter) SetSlot(key string, v any) {
	e.mu.Lock()
	e.slots[key] = v
	e.mu.Unlock()
}

// Slot returns the value stored under key, or nil.
func (e *Emitter) Slot(key string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots[key]
}
