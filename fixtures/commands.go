package fixtures

import (
	es "github.com/terraskye/eventcore"
)

type CreateCart struct {
	CartID     string
	CustomerID string
}

type AddItem struct {
	CartID   string
	SKU      string
	Quantity int
}

type RemoveItem struct {
	CartID string
	SKU    string
}

type Checkout struct {
	CartID string
}

func (c CreateCart) AggregateID() string { return c.CartID }
func (c AddItem) AggregateID() string    { return c.CartID }
func (c RemoveItem) AggregateID() string { return c.CartID }
func (c Checkout) AggregateID() string   { return c.CartID }

func DecideCreateCart(state CartState, cmd CreateCart) ([]CartEvent, error) {
	if state.ID != "" {
		return nil, ErrCartExists
	}
	return []CartEvent{CartCreated{CartID: cmd.CartID, CustomerID: cmd.CustomerID}}, nil
}

func DecideAddItem(state CartState, cmd AddItem) ([]CartEvent, error) {
	if state.ID == "" {
		return nil, ErrNoCart
	}
	if state.CheckedOut {
		return nil, ErrCartCheckedOut
	}
	if cmd.Quantity <= 0 {
		return nil, ErrInvalidQty
	}
	return []CartEvent{ItemAdded{CartID: cmd.CartID, SKU: cmd.SKU, Quantity: cmd.Quantity}}, nil
}

// DecideRemoveItem is idempotent: removing an absent item decides nothing.
func DecideRemoveItem(state CartState, cmd RemoveItem) ([]CartEvent, error) {
	if state.CheckedOut {
		return nil, ErrCartCheckedOut
	}
	if _, ok := state.Items[cmd.SKU]; !ok {
		return nil, nil
	}
	return []CartEvent{ItemRemoved{CartID: cmd.CartID, SKU: cmd.SKU}}, nil
}

func DecideCheckout(state CartState, cmd Checkout) ([]CartEvent, error) {
	if state.ID == "" {
		return nil, ErrNoCart
	}
	if state.CheckedOut {
		return nil, ErrCartCheckedOut
	}
	if len(state.Items) == 0 {
		return nil, ErrEmptyCart
	}
	return []CartEvent{CartCheckedOut{CartID: cmd.CartID}}, nil
}

var (
	_ es.Decider[CartState, CartEvent, AddItem] = DecideAddItem
	_ es.Decider[CartState, CartEvent, Checkout] = DecideCheckout
)
