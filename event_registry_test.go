package eventcore

import (
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
)

type registeredEvent struct {
	ID string
}

func (e *registeredEvent) EventType() string { return "RegisteredEvent" }

// Another event for concurrency tests
type otherEvent struct {
	Name string
}

func (e *otherEvent) EventType() string { return "OtherEvent" }

// --- Tests ---

func TestRegistryRegisterByType(t *testing.T) {
	r := NewRegistry()

	t.Run("register and create new instance", func(t *testing.T) {
		r.RegisterByType(func() Event { return &registeredEvent{} })

		ev, err := r.New("RegisteredEvent")
		if err != nil {
			t.Fatal(err)
		}

		if _, ok := ev.(*registeredEvent); !ok {
			t.Fatalf("expected *registeredEvent, got %T", ev)
		}

		// Each call returns a new instance
		ev2, _ := r.New("RegisteredEvent")
		if ev == ev2 {
			t.Fatal("factory returned same instance twice")
		}
	})

	t.Run("panic on duplicate registration", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic on duplicate registration")
			}
		}()
		r.RegisterByType(func() Event { return &registeredEvent{} })
	})
}

func TestRegistryRegisterByName(t *testing.T) {
	r := NewRegistry()

	t.Run("register by custom name", func(t *testing.T) {
		r.Register("Custom", func() Event { return &registeredEvent{} })

		ev, err := r.New("Custom")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := ev.(*registeredEvent); !ok {
			t.Fatalf("expected *registeredEvent, got %T", ev)
		}
	})

	t.Run("panic on nil factory", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic on nil factory")
			}
		}()
		r.Register("NilFactory", nil)
	})

	t.Run("panic when factory returns nil", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic when factory returns nil")
			}
		}()
		r.Register("NilEvent", func() Event { return nil })
	})
}

func TestRegistryNewUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.New("NonExistent")
	if !errors.Is(err, ErrEventNotRegistered) {
		t.Fatalf("expected ErrEventNotRegistered, got %v", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("Name2", func() Event { return &registeredEvent{} })
	r.Register("Name1", func() Event { return &registeredEvent{} })
	r.RegisterByType(func() Event { return &otherEvent{} })

	want := []string{"Name1", "Name2", "OtherEvent"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestRegistryIsolation(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RegisterByType(func() Event { return &otherEvent{} })

	// registering the same name in another registry does not panic
	b.RegisterByType(func() Event { return &otherEvent{} })

	if _, err := NewRegistry().New("OtherEvent"); !errors.Is(err, ErrEventNotRegistered) {
		t.Fatalf("expected a fresh registry to be empty, got %v", err)
	}
}

func TestRegistryConcurrencySafety(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Evt" + strconv.Itoa(i)
			r.Register(name, func() Event { return &otherEvent{Name: name} })
			_, _ = r.New(name)
			_ = r.Names()
		}(i)
	}

	wg.Wait()

	// Verify all events are registered
	for i := 0; i < 100; i++ {
		name := "Evt" + strconv.Itoa(i)
		ev, err := r.New(name)
		if err != nil {
			t.Fatalf("event %s not registered: %v", name, err)
		}
		if ev.(*otherEvent).Name != name {
			t.Fatalf("event %s mismatch", name)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	RegisterEventByName("DefaultRegistryTest", func() Event { return &registeredEvent{ID: "d"} })

	ev, err := NewEventByName("DefaultRegistryTest")
	if err != nil {
		t.Fatal(err)
	}
	if ev.(*registeredEvent).ID != "d" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
