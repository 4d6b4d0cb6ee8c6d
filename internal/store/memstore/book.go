package memstore

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/spotexchange/internal/domain"
)

// bookEntry is an open order resting on one side of a symbol's book.
type bookEntry struct {
	CreatedAt time.Time
	OrderID   int64
	Price     decimal.Decimal
}

// entryLess orders a side by created_at ascending, then order id
// ascending, so Ascend visits resting orders oldest first.
func entryLess(a, b bookEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// orderBook indexes the committed open orders of a single symbol. It is
// guarded by the owning Store's mutex.
type orderBook struct {
	symbol string
	buys   *btree.BTreeG[bookEntry]
	sells  *btree.BTreeG[bookEntry]
	index  map[int64]bookEntry // order id → entry
}

func newOrderBook(symbol string) *orderBook {
	const degree = 32
	return &orderBook{
		symbol: symbol,
		buys:   btree.NewG[bookEntry](degree, entryLess),
		sells:  btree.NewG[bookEntry](degree, entryLess),
		index:  make(map[int64]bookEntry),
	}
}

func (ob *orderBook) side(s domain.OrderSide) *btree.BTreeG[bookEntry] {
	if s == domain.OrderSideBuy {
		return ob.buys
	}
	return ob.sells
}

// insert adds an entry to the given side of the book.
func (ob *orderBook) insert(s domain.OrderSide, e bookEntry) {
	ob.side(s).ReplaceOrInsert(e)
	ob.index[e.OrderID] = e
}

// remove deletes an order from the book by id. Delete is a no-op on the
// side that does not hold it.
func (ob *orderBook) remove(orderID int64) {
	e, ok := ob.index[orderID]
	if !ok {
		return
	}
	delete(ob.index, orderID)
	ob.buys.Delete(e)
	ob.sells.Delete(e)
}

// walk visits one side oldest first until fn returns false.
func (ob *orderBook) walk(s domain.OrderSide, fn func(bookEntry) bool) {
	ob.side(s).Ascend(fn)
}

func (ob *orderBook) count(s domain.OrderSide) int {
	return ob.side(s).Len()
}

// books maps symbol → orderBook.
type books map[string]*orderBook

func (b books) getOrCreate(symbol string) *orderBook {
	if ob, ok := b[symbol]; ok {
		return ob
	}
	ob := newOrderBook(symbol)
	b[symbol] = ob
	return ob
}
