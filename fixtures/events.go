package fixtures

import (
	"errors"
	"fmt"

	es "github.com/terraskye/eventcore"
)

var (
	ErrCartCheckedOut = errors.New("cart already checked out")
	ErrUnknownItem    = errors.New("item not in cart")
	ErrCartExists     = errors.New("cart already exists")
	ErrNoCart         = errors.New("cart does not exist")
	ErrEmptyCart      = errors.New("cart is empty")
	ErrInvalidQty     = errors.New("quantity must be positive")
)

// CartEvent is the closed set of events of the cart aggregate.
type CartEvent interface {
	es.Event
	isCartEvent()
}

type CartCreated struct {
	CartID     string `json:"cart_id"`
	CustomerID string `json:"customer_id"`
}

type ItemAdded struct {
	CartID   string `json:"cart_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ItemRemoved struct {
	CartID string `json:"cart_id"`
	SKU    string `json:"sku"`
}

type CartCheckedOut struct {
	CartID string `json:"cart_id"`
}

func (CartCreated) EventType() string    { return "CartCreated" }
func (ItemAdded) EventType() string      { return "ItemAdded" }
func (ItemRemoved) EventType() string    { return "ItemRemoved" }
func (CartCheckedOut) EventType() string { return "CartCheckedOut" }

func (CartCreated) isCartEvent()    {}
func (ItemAdded) isCartEvent()      {}
func (ItemRemoved) isCartEvent()    {}
func (CartCheckedOut) isCartEvent() {}

// CartState is the folded state of a cart.
type CartState struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customer_id"`
	Items      map[string]int `json:"items"`
	CheckedOut bool           `json:"checked_out"`
}

func NewCartState() CartState {
	return CartState{Items: map[string]int{}}
}

// ApplyCart folds one cart event. Items are copied so earlier states stay
// untouched.
func ApplyCart(state CartState, ev CartEvent) (CartState, error) {
	if state.CheckedOut {
		return state, fmt.Errorf("%s: %w", ev.EventType(), ErrCartCheckedOut)
	}
	next := state
	next.Items = make(map[string]int, len(state.Items))
	for sku, qty := range state.Items {
		next.Items[sku] = qty
	}

	switch e := ev.(type) {
	case CartCreated:
		next.ID = e.CartID
		next.CustomerID = e.CustomerID
	case ItemAdded:
		if e.Quantity <= 0 {
			return state, ErrInvalidQty
		}
		next.Items[e.SKU] += e.Quantity
	case ItemRemoved:
		if _, ok := next.Items[e.SKU]; !ok {
			return state, fmt.Errorf("%s: %w", e.SKU, ErrUnknownItem)
		}
		delete(next.Items, e.SKU)
	case CartCheckedOut:
		next.CheckedOut = true
	default:
		return state, fmt.Errorf("%T: %w", ev, es.ErrUnexpectedEvent)
	}
	return next, nil
}

// CartAggregate is the cart aggregate definition.
var CartAggregate = es.NewAggregate(NewCartState, ApplyCart)

// RegisterCartEvents registers the cart events with r.
func RegisterCartEvents(r *es.Registry) {
	r.RegisterByType(func() es.Event { return &CartCreated{} })
	r.RegisterByType(func() es.Event { return &ItemAdded{} })
	r.RegisterByType(func() es.Event { return &ItemRemoved{} })
	r.RegisterByType(func() es.Event { return &CartCheckedOut{} })
}

// TestEvent is a configurable event outside the cart domain.
type TestEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data string `json:"data"`
}

func (e TestEvent) EventType() string { return e.Type }

// TestEvents creates n TestEvents of type typ with sequential data.
func TestEvents(typ string, n int) []es.Event {
	events := make([]es.Event, n)
	for i := 0; i < n; i++ {
		events[i] = TestEvent{
			ID:   fmt.Sprintf("%s-%d", typ, i+1),
			Type: typ,
			Data: fmt.Sprintf("data-%d", i+1),
		}
	}
	return events
}

// CartEvents converts cart events to plain events for Append.
func CartEvents(events ...CartEvent) []es.Event {
	out := make([]es.Event, len(events))
	for i, ev := range events {
		out[i] = ev
	}
	return out
}
