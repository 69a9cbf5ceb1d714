package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/eventcore"
)

// EventHandlerSpy is a configurable mock EventHandler for testing.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, event es.Event) error

	// Call tracking
	HandleCalls int

	// Captured events and the global positions they were handled at
	ReceivedEvents []es.Event
	Positions      []uint64

	// Error injection
	handleErr error
}

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handleErr = err
	return h
}

// Handle implements EventHandler.Handle.
func (h *EventHandlerSpy) Handle(ctx context.Context, event es.Event) error {
	h.mu.Lock()
	h.HandleCalls++
	handleErr := h.handleErr
	if handleErr == nil {
		h.ReceivedEvents = append(h.ReceivedEvents, event)
		h.Positions = append(h.Positions, es.GlobalVersionFromContext(ctx))
	}
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, event)
	}
	return handleErr
}

// LastEvent returns the most recently received event, or nil if none.
func (h *EventHandlerSpy) LastEvent() es.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ReceivedEvents) == 0 {
		return nil
	}
	return h.ReceivedEvents[len(h.ReceivedEvents)-1]
}

// EventCount returns the number of events received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}

// SeenPositions returns a copy of the global positions handled so far.
func (h *EventHandlerSpy) SeenPositions() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.Positions))
	copy(out, h.Positions)
	return out
}
