package events

import (
	"log/slog"
	"sync"
)

// namedHandler pairs a stable consumer name with its handler so dead-letter
// retries can address the consumer by name rather than closure identity.
type namedHandler struct {
	name    string
	handler HandlerFunc
}

// registry holds the static dispatch table built at startup. Reads during
// steady-state dispatch take the read lock so late registration (hot reload,
// tests) cannot race dispatch.
type registry struct {
	mu        sync.RWMutex
	consumers map[EventType][]namedHandler
}

func newRegistry() *registry {
	return &registry{consumers: make(map[EventType][]namedHandler)}
}

func (r *registry) register(c Consumer, logger *slog.Logger) {
	types := c.EventTypes
	if len(types) == 0 {
		types = []EventType{Wildcard}
	}

	r.mu.Lock()
	for _, t := range types {
		r.consumers[t] = append(r.consumers[t], namedHandler{name: c.Name, handler: c.Handler})
	}
	r.mu.Unlock()

	logger.Info("consumer registered", "consumer", c.Name, "event_types", types)
}

// handlersFor returns the ordered fan-out list for an event type:
// type-specific consumers in registration order, then wildcard consumers.
func (r *registry) handlersFor(t EventType) []namedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typed := r.consumers[t]
	global := r.consumers[Wildcard]
	out := make([]namedHandler, 0, len(typed)+len(global))
	out = append(out, typed...)
	out = append(out, global...)
	return out
}

// findByName resolves a consumer by name among those registered for the
// given event type (including wildcard registrations). Used by dead-letter
// retries, which re-invoke exactly the named consumer.
func (r *registry) findByName(t EventType, name string) (HandlerFunc, bool) {
	for _, nh := range r.handlersFor(t) {
		if nh.name == name {
			return nh.handler, true
		}
	}
	return nil, false
}

func (r *registry) count(t EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t == "" {
		n := 0
		for _, hs := range r.consumers {
			n += len(hs)
		}
		return n
	}
	return len(r.consumers[t])
}

// snapshot lists registered consumer names per event type, for introspection.
func (r *registry) snapshot() map[EventType][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[EventType][]string, len(r.consumers))
	for t, hs := range r.consumers {
		names := make([]string, len(hs))
		for i, h := range hs {
			names[i] = h.name
		}
		out[t] = names
	}
	return out
}

// listeners is the passive observation side of a bus. Listener invocation
// happens after dispatch completes and never affects dedup or dead-lettering.
type listeners struct {
	mu  sync.RWMutex
	fns map[EventType][]ListenerFunc
}

func newListeners() *listeners {
	return &listeners{fns: make(map[EventType][]ListenerFunc)}
}

func (l *listeners) add(t EventType, fn ListenerFunc) {
	l.mu.Lock()
	l.fns[t] = append(l.fns[t], fn)
	l.mu.Unlock()
}

func (l *listeners) notify(ev *Envelope) {
	l.mu.RLock()
	typed := l.fns[ev.Type]
	global := l.fns[Wildcard]
	l.mu.RUnlock()

	for _, fn := range typed {
		fn(ev)
	}
	for _, fn := range global {
		fn(ev)
	}
}
