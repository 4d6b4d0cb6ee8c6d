package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a participant holding a fiat balance. Fiat reserved by open
// buy orders has already left Balance; it lives on the order rows.
type Account struct {
	ID        int64
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Holding is an account's position in a single symbol. LockedAmount is
// committed to open sell orders.
type Holding struct {
	AccountID    int64
	Symbol       string
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
	UpdatedAt    time.Time
}

// Total returns free plus locked amount.
func (h *Holding) Total() decimal.Decimal {
	return h.Amount.Add(h.LockedAmount)
}
