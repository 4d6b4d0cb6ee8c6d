package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the immutable record of a full match between a buy and a sell
// order.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	Symbol      string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Commission  decimal.Decimal
	CreatedAt   time.Time
}

// Volume returns price × amount.
func (t *Trade) Volume() decimal.Decimal {
	return Notional(t.Price, t.Amount)
}
