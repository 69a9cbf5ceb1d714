package eventcore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

var _ Event = (*cartCreated)(nil)
var _ Event = (*itemAdded)(nil)
var _ Event = (*unhandledEvent)(nil)

type cartCreated struct {
	ID string
}

func (c cartCreated) EventType() string { return "CartCreated" }

type itemAdded struct {
	ID string
}

func (i *itemAdded) EventType() string { return "ItemAdded" }

type unhandledEvent struct{}

func (o *unhandledEvent) EventType() string { return TypeName(o) }

// --- Tests ---

type projector struct{}

func (p projector) OnItemAdded(ctx context.Context, ev *itemAdded) error    { return nil }
func (p projector) OnCartCreated(ctx context.Context, ev cartCreated) error { return nil }
func (p projector) OnEvent(ctx context.Context, ev Event) error             { return nil }

func TestEventNameExtraction(t *testing.T) {
	p := projector{}

	tests := []struct {
		name    string
		handler EventHandler
		want    string
	}{
		{name: "value receiver", handler: OnEvent(p.OnCartCreated), want: "CartCreated"},
		{name: "pointer receiver", handler: OnEvent(p.OnItemAdded), want: "ItemAdded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := tt.handler.(interface{ EventName() string })
			if !ok {
				t.Fatalf("handler %T does not have a function `EventName()`", tt.handler)
			}
			if got := u.EventName(); got != tt.want {
				t.Errorf("EventName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventNameNeedsConcreteType(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for an interface event type")
		}
	}()

	NewEventGroupProcessor(OnEvent(func(ctx context.Context, ev Event) error { return nil }))
}

func TestProjectorExample(t *testing.T) {
	p := projector{}

	handler1 := NewEventGroupProcessor(
		OnEvent(p.OnCartCreated),
		OnEvent(p.OnItemAdded),
	)

	handler2 := NewEventHandlerFunc(p.OnEvent)

	if err := handler1.Handle(t.Context(), cartCreated{ID: "abc"}); err != nil {
		t.Fatalf("group: unexpected error: %v", err)
	}
	if err := handler2.Handle(t.Context(), cartCreated{ID: "abc"}); err != nil {
		t.Fatalf("func: unexpected error: %v", err)
	}
}

func TestTypedEventHandler_Handle_CorrectType(t *testing.T) {
	var called bool
	handler := OnEvent(func(ctx context.Context, ev *itemAdded) error {
		called = true
		return nil
	})

	err := handler.Handle(t.Context(), &itemAdded{ID: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("Handler should have been called")
	}
}

func TestTypedEventHandler_Handle_WrongType(t *testing.T) {
	handler := OnEvent(func(ctx context.Context, ev cartCreated) error {
		t.Fail() // should not be called
		return nil
	})

	var skipped ErrSkippedEvent

	err := handler.Handle(t.Context(), &itemAdded{ID: "xyz"})

	if !errors.As(err, &skipped) {
		t.Fatalf("expected skipped event, got %v", err)
	}
	if skipped.Event.EventType() != "ItemAdded" {
		t.Errorf("skipped %s, want ItemAdded", skipped.Event.EventType())
	}
}

func TestTypedEventHandler_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	handler := OnEvent(func(ctx context.Context, ev cartCreated) error {
		return fmt.Errorf("project %s: %w", ev.ID, boom)
	})

	if err := handler.Handle(t.Context(), cartCreated{ID: "c1"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEventGroupProcessor_RoutesEvents(t *testing.T) {
	calledCart := false
	calledItem := false

	group := NewEventGroupProcessor(
		OnEvent(func(ctx context.Context, ev cartCreated) error {
			calledCart = true
			return nil
		}),
		OnEvent(func(ctx context.Context, ev *itemAdded) error {
			calledItem = true
			return nil
		}),
	)

	// Trigger cartCreated
	err := group.Handle(t.Context(), cartCreated{ID: "c1"})
	if err != nil {
		t.Fatalf("cartCreated: unexpected error: %v", err)
	}
	if !calledCart {
		t.Error("expected calledCart to be true")
	}
	if calledItem {
		t.Error("expected calledItem to be false")
	}

	// Trigger itemAdded
	err = group.Handle(t.Context(), &itemAdded{ID: "i1"})
	if err != nil {
		t.Fatalf("itemAdded: unexpected error: %v", err)
	}
	if !calledItem {
		t.Error("expected calledItem to be true")
	}
}

func TestEventGroupProcessor_SkippedEvent(t *testing.T) {
	group := NewEventGroupProcessor(
		OnEvent(func(ctx context.Context, ev cartCreated) error { return nil }),
	)

	err := group.Handle(t.Context(), &unhandledEvent{})

	var expected ErrSkippedEvent

	if !errors.As(err, &expected) {
		t.Fatalf("expected skipped event, got %v", err)
	}
}

func TestEventGroupProcessor_DuplicateHandlerPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on duplicate handler")
		}
		if err, ok := r.(error); !ok || !errors.Is(err, ErrDuplicateHandler) {
			t.Fatalf("expected ErrDuplicateHandler, got %v", r)
		}
	}()

	NewEventGroupProcessor(
		OnEvent(func(ctx context.Context, ev cartCreated) error { return nil }),
		OnEvent(func(ctx context.Context, ev cartCreated) error { return nil }),
	)
}

func TestEventGroupProcessor_NonTypedHandlerPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for a handler without EventName()")
		}
	}()

	NewEventGroupProcessor(NewEventHandlerFunc(func(ctx context.Context, ev Event) error { return nil }))
}

func TestEventGroupProcessor_StreamFilter_Sorted(t *testing.T) {
	group := NewEventGroupProcessor(
		OnEvent(func(ctx context.Context, ev *itemAdded) error { return nil }),
		OnEvent(func(ctx context.Context, ev cartCreated) error { return nil }),
	)

	names := group.StreamFilter()
	expected := []string{"CartCreated", "ItemAdded"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("StreamFilter() = %v, want %v", names, expected)
	}
}

func TestEventGroupProcessor_Filter(t *testing.T) {
	group := NewEventGroupProcessor(
		OnEvent(func(ctx context.Context, ev cartCreated) error { return nil }),
	)
	cfg := NewSubscribeConfig(group.Filter())

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{name: "handled", event: cartCreated{ID: "c1"}, want: true},
		{name: "not handled", event: &itemAdded{ID: "i1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Filter(&Envelope{Event: tt.event}); got != tt.want {
				t.Errorf("Filter(%s) = %v, want %v", tt.event.EventType(), got, tt.want)
			}
		})
	}
}
