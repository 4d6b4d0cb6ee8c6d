package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells the symbol.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side an order of side s trades against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order is a resting or completed instruction to buy or sell Amount of
// Symbol at Price.
type Order struct {
	ID        int64
	AccountID int64
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reserved returns what the order holds back from its owner while open:
// fiat price × amount for a buy, Amount of the asset for a sell.
func (o *Order) Reserved() decimal.Decimal {
	if o.Side == OrderSideBuy {
		return Notional(o.Price, o.Amount)
	}
	return o.Amount
}

// Crosses reports whether o, arriving, is price-compatible with resting.
// Sides are assumed opposite.
func (o *Order) Crosses(resting *Order) bool {
	if o.Side == OrderSideBuy {
		return resting.Price.LessThanOrEqual(o.Price)
	}
	return resting.Price.GreaterThanOrEqual(o.Price)
}

// Transition moves the order from one status to another. It fails with
// ErrInvalidTransition when the current status is not from, or when the
// pair is not open → filled / open → cancelled.
func (o *Order) Transition(from, to OrderStatus) error {
	if o.Status != from {
		return fmt.Errorf("%w: order %d is %s, expected %s", ErrInvalidTransition, o.ID, o.Status, from)
	}
	if from != OrderStatusOpen || !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	o.Status = to
	return nil
}
