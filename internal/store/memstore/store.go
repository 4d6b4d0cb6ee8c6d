// Package memstore is an in-memory store.Store. Transactions take
// exclusive row locks and buffer their writes, which become visible to
// readers atomically on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

const defaultLockWait = 2 * time.Second

// Store holds committed state. mu guards the maps and the book index; row
// locks are handed out by locks and are independent of mu.
type Store struct {
	mu            sync.RWMutex
	accounts      map[int64]*domain.Account
	holdings      map[rowKey]*domain.Holding
	orders        map[int64]*domain.Order
	accountOrders map[int64][]int64
	trades        []*domain.Trade
	notifications []*store.Notification
	books         books

	nextAccountID      atomic.Int64
	nextOrderID        atomic.Int64
	nextTradeID        atomic.Int64
	nextNotificationID atomic.Int64

	locks *lockTable
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockWait sets how long a transaction waits for a row lock before
// failing with store.ErrContention.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.locks.wait = d
		}
	}
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:      make(map[int64]*domain.Account),
		holdings:      make(map[rowKey]*domain.Holding),
		orders:        make(map[int64]*domain.Order),
		accountOrders: make(map[int64][]int64),
		books:         books{},
		locks:         newLockTable(defaultLockWait),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Atomic runs fn in a transaction. Writes are applied only if fn returns
// nil; all row locks are released either way, including on panic.
func (s *Store) Atomic(ctx context.Context, fn store.TxFunc) error {
	t := s.begin()
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

// CreateAccount persists a, assigning its ID, and seeds the given holdings.
func (s *Store) CreateAccount(_ context.Context, a *domain.Account, holdings []domain.Holding) error {
	now := s.now()
	a.ID = s.nextAccountID.Add(1)
	a.CreatedAt = now
	a.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := *a
	s.accounts[a.ID] = &acc
	for _, h := range holdings {
		h.AccountID = a.ID
		h.UpdatedAt = now
		hc := h
		s.holdings[holdingKey(a.ID, h.Symbol)] = &hc
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

// ListHoldings returns the account's holdings ordered by symbol.
func (s *Store) ListHoldings(_ context.Context, accountID int64) ([]domain.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	result := []domain.Holding{}
	for k, h := range s.holdings {
		if k.id == accountID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

// ListOrders returns one page of orders matching f, newest first, along
// with the total number of matches.
func (s *Store) ListOrders(_ context.Context, f store.OrderFilter) ([]*domain.Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*domain.Order
	if f.AccountID != 0 {
		for _, id := range s.accountOrders[f.AccountID] {
			candidates = append(candidates, s.orders[id])
		}
	} else {
		candidates = make([]*domain.Order, 0, len(s.orders))
		for _, o := range s.orders {
			candidates = append(candidates, o)
		}
	}

	var matched []*domain.Order
	for _, o := range candidates {
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := len(matched)
	start, end := store.Paginate(total, f.Page, f.Limit)
	page := make([]*domain.Order, 0, end-start)
	for _, o := range matched[start:end] {
		cp := *o
		page = append(page, &cp)
	}
	return page, total, nil
}

// ListTrades returns trades newest first. An empty symbol matches all; a
// non-positive limit returns everything.
func (s *Store) ListTrades(_ context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*domain.Trade{}
	for i := len(s.trades) - 1; i >= 0; i-- {
		tr := s.trades[i]
		if symbol != "" && tr.Symbol != symbol {
			continue
		}
		cp := *tr
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// PendingNotifications returns undelivered, not-abandoned outbox entries
// oldest first.
func (s *Store) PendingNotifications(_ context.Context, limit int) ([]*store.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*store.Notification{}
	for _, n := range s.notifications {
		if n.DeliveredAt != nil || n.FailedAt != nil {
			continue
		}
		result = append(result, cloneNotification(n))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) MarkNotificationDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findNotification(id)
	if n == nil {
		return fmt.Errorf("%w: %d", store.ErrNotificationNotFound, id)
	}
	now := s.now()
	n.Attempts++
	n.DeliveredAt = &now
	return nil
}

func (s *Store) MarkNotificationFailed(_ context.Context, id int64, reason string, giveUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findNotification(id)
	if n == nil {
		return fmt.Errorf("%w: %d", store.ErrNotificationNotFound, id)
	}
	n.Attempts++
	n.LastError = reason
	if giveUp {
		now := s.now()
		n.FailedAt = &now
	}
	return nil
}

func (s *Store) Close() error { return nil }

// findNotification requires s.mu. Entries are appended in id order.
func (s *Store) findNotification(id int64) *store.Notification {
	i := sort.Search(len(s.notifications), func(i int) bool { return s.notifications[i].ID >= id })
	if i < len(s.notifications) && s.notifications[i].ID == id {
		return s.notifications[i]
	}
	return nil
}

func cloneNotification(n *store.Notification) *store.Notification {
	cp := *n
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		cp.DeliveredAt = &t
	}
	if n.FailedAt != nil {
		t := *n.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}
