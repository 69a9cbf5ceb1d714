package eventcore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrEventNotRegistered is returned when creating an event for an unknown name.
var ErrEventNotRegistered = errors.New("event not registered")

// Registry maps event type names to factories so stored payloads can be
// decoded back into concrete events.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Event)}
}

// Register adds a factory under name.
//
// Panics:
//   - If fn is nil or returns nil.
//   - If the name is already registered.
func (r *Registry) Register(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	r.factories[name] = fn
}

// RegisterByType registers fn under the EventType() of the event it creates.
func (r *Registry) RegisterByType(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic("factory returned nil event")
	}
	r.Register(ev.EventType(), fn)
}

// New creates a fresh instance of the event registered under name.
func (r *Registry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry backs the package-level registration functions.
var DefaultRegistry = NewRegistry()

var (
	// RegisterEventByType registers a new Event type using its EventType() name.
	//
	// Example Usage:
	//   RegisterEventByType(func() Event { return &ItemAdded{} })
	RegisterEventByType func(fn func() Event) = func(fn func() Event) {
		DefaultRegistry.RegisterByType(fn)
	}

	// RegisterEventByName registers a new Event type under a custom name.
	RegisterEventByName func(name string, fn func() Event) = func(name string, fn func() Event) {
		DefaultRegistry.Register(name, fn)
	}

	// NewEventByName creates a new instance of a registered Event by its name.
	NewEventByName func(name string) (Event, error) = func(name string) (Event, error) {
		return DefaultRegistry.New(name)
	}
)
