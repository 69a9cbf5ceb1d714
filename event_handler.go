package eventcore

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler represents a generic event handler that can handle an Event.
// The envelope of the event is available through the context helpers
// (StreamIDFromContext, GlobalVersionFromContext, ...).
type EventHandler interface {
	// Handle processes the given Event within the provided context.
	Handle(ctx context.Context, event Event) error
}

// NewEventHandlerFunc creates an EventHandler from a plain function.
//
// There is no type-checking or filtering: the handler receives every event it
// is invoked with. Use OnEvent for type-safe handlers.
//
// Example Usage:
//
//	handler := NewEventHandlerFunc(func(ctx context.Context, ev Event) error {
//	    fmt.Println("Received event:", ev.EventType())
//	    return nil
//	})
func NewEventHandlerFunc(fn func(ctx context.Context, event Event) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, event Event) error

func (h eventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return h(ctx, event)
}

// typedEventHandler is a strongly typed event handler for a specific Event type T.
type typedEventHandler[T Event] func(ctx context.Context, ev T) error

// EventName returns the EventType() of T. It is used by EventGroupProcessor
// for routing.
func (h typedEventHandler[T]) EventName() string {
	name, ok := eventTypeOf[T]()
	if !ok {
		panic(fmt.Sprintf("OnEvent needs a concrete event type, got %s", TypeName((*T)(nil))))
	}
	return name
}

// Handle processes the event if it is a T and returns ErrSkippedEvent
// otherwise.
func (h typedEventHandler[T]) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(T)
	if !ok {
		return ErrSkippedEvent{Event: event}
	}
	return h(ctx, ev)
}

// OnEvent creates a strongly-typed EventHandler for the concrete event type T.
//
// Example Usage:
//
//	handler := OnEvent(func(ctx context.Context, ev *ItemAdded) error {
//	    fmt.Println("item added:", ev.SKU)
//	    return nil
//	})
//	group := NewEventGroupProcessor(handler)
func OnEvent[T Event](fn func(ctx context.Context, ev T) error) EventHandler {
	return typedEventHandler[T](fn)
}

// EventGroupProcessor is a collection of typed event handlers.
// It routes incoming events to the correct handler based on event type.
type EventGroupProcessor struct {
	handlers map[string]EventHandler // key = EventName()
}

// NewEventGroupProcessor creates a group of typed event handlers created with
// OnEvent.
//
// Panics when a handler has no EventName() or when two handlers are given for
// the same event type.
//
// Example Usage:
//
//	p := &CartSummary{}
//	group := NewEventGroupProcessor(
//	    OnEvent(p.OnCartCreated),
//	    OnEvent(p.OnItemAdded),
//	)
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {

		u, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Errorf("handler %T does not have a function `EventName()`", h))
		}

		name := u.EventName()
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("duplicate handler for event %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}

	return &EventGroupProcessor{
		handlers: m,
	}
}

// Handle routes the given event to the correct typed handler.
// Returns ErrSkippedEvent if no handler exists for the event type.
func (p *EventGroupProcessor) Handle(ctx context.Context, ev Event) error {
	h, ok := p.handlers[ev.EventType()]
	if !ok {
		return ErrSkippedEvent{Event: ev}
	}
	return h.Handle(ctx, ev)
}

// StreamFilter returns a sorted list of all event names handled by this group.
func (p *EventGroupProcessor) StreamFilter() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filter is a subscription filter that keeps only the event types this group
// handles.
func (p *EventGroupProcessor) Filter() SubscribeOption {
	return WithFilter(func(env *Envelope) bool {
		_, ok := p.handlers[env.Event.EventType()]
		return ok
	})
}
