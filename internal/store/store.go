// Package store defines the transactional repository the exchange core runs
// against. The order book is a query over persisted orders; backends live in
// the memstore and sqlstore subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/efreitasn/spotexchange/internal/domain"
)

// ErrContention marks a failure caused by concurrent access (lock wait
// timeout, deadlock, serialization conflict). The enclosing transaction was
// rolled back and may be retried as a whole.
var ErrContention = errors.New("store contention")

// ErrNotificationNotFound is returned when marking an unknown outbox entry.
var ErrNotificationNotFound = errors.New("notification not found")

// Tx is one atomic unit of work. Every Lock* call acquires an exclusive row
// lock held until the transaction ends, and returns a private copy of the
// row; changes become visible to others only through the Save*/Create*
// calls once the transaction commits.
type Tx interface {
	// LockAccount returns domain.ErrAccountNotFound for unknown ids.
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)
	SaveAccount(ctx context.Context, a *domain.Account) error

	// LockHolding returns domain.ErrHoldingNotFound when the account holds
	// no row for symbol.
	LockHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error)
	// LockOrCreateHolding creates a zero holding when none exists.
	LockOrCreateHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error)
	SaveHolding(ctx context.Context, h *domain.Holding) error

	// LockBook takes an exclusive lock on symbol's order book, held until
	// the transaction ends. A transaction that creates an order and looks up
	// its counter holds it across both, so two crossing placements are
	// serialized instead of each missing the other's uncommitted row.
	LockBook(ctx context.Context, symbol string) error

	// CreateOrder persists o, assigning ID and CreatedAt. The new row is
	// locked by the creating transaction.
	CreateOrder(ctx context.Context, o *domain.Order) error
	// LockOrder returns domain.ErrOrderNotFound for unknown ids.
	LockOrder(ctx context.Context, id int64) (*domain.Order, error)
	// LockEligibleCounter locks and returns the earliest-created open order
	// on the opposite side of o's symbol whose price crosses o, or nil when
	// there is none. o itself is never returned.
	LockEligibleCounter(ctx context.Context, o *domain.Order) (*domain.Order, error)
	// TransitionOrder moves a locked order from one status to another and
	// persists it. It fails with domain.ErrInvalidTransition if the stored
	// status is not from.
	TransitionOrder(ctx context.Context, o *domain.Order, from, to domain.OrderStatus) error

	// CreateTrade persists t, assigning ID and CreatedAt.
	CreateTrade(ctx context.Context, t *domain.Trade) error
	// EnqueueNotification records a trade notification to be delivered
	// after commit.
	EnqueueNotification(ctx context.Context, n *Notification) error
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistent state of the exchange.
type Store interface {
	// Atomic runs fn in a single transaction: committed if fn returns nil,
	// rolled back otherwise. It makes exactly one attempt.
	Atomic(ctx context.Context, fn TxFunc) error

	CreateAccount(ctx context.Context, a *domain.Account, holdings []domain.Holding) error
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	ListHoldings(ctx context.Context, accountID int64) ([]domain.Holding, error)

	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, int, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)

	PendingNotifications(ctx context.Context, limit int) ([]*Notification, error)
	MarkNotificationDelivered(ctx context.Context, id int64) error
	// MarkNotificationFailed records a failed attempt; with giveUp the
	// notification is no longer returned as pending.
	MarkNotificationFailed(ctx context.Context, id int64, reason string, giveUp bool) error

	Close() error
}

// OrderFilter narrows ListOrders. Zero values mean "any". Page is 1-based.
type OrderFilter struct {
	AccountID int64
	Symbol    string
	Status    *domain.OrderStatus
	Page      int
	Limit     int
}

// Notification is an outbox entry for a settled trade.
type Notification struct {
	ID          int64
	Trade       domain.Trade
	BuyerID     int64
	SellerID    int64
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
	FailedAt    *time.Time
}

// Paginate returns the [start, end) bounds of page within total items.
func Paginate(total, page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		return 0, total
	}
	start := (page - 1) * limit
	if start >= total {
		return total, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}
