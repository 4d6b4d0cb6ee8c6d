package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

var errTxDone = errors.New("memstore: transaction already finished")

// tx buffers writes against locked rows. Reads through a tx see its own
// writes first, then committed state.
type tx struct {
	s    *Store
	held map[rowKey]struct{}
	done bool

	accounts      map[int64]*domain.Account
	holdings      map[rowKey]*domain.Holding
	orders        map[int64]*domain.Order
	trades        []*domain.Trade
	notifications []*store.Notification
}

var _ store.Tx = (*tx)(nil)

func (s *Store) begin() *tx {
	return &tx{
		s:        s,
		held:     make(map[rowKey]struct{}),
		accounts: make(map[int64]*domain.Account),
		holdings: make(map[rowKey]*domain.Holding),
		orders:   make(map[int64]*domain.Order),
	}
}

func (t *tx) lock(ctx context.Context, k rowKey) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.held[k]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, k); err != nil {
		return err
	}
	t.held[k] = struct{}{}
	return nil
}

func (t *tx) mustHold(k rowKey) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.held[k]; !ok {
		return fmt.Errorf("memstore: write to %s without holding its lock", k)
	}
	return nil
}

// release drops every row lock. Calling it twice is a no-op.
func (t *tx) release() {
	if t.done {
		return
	}
	t.done = true
	for k := range t.held {
		t.s.locks.release(k)
	}
	t.held = nil
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for k, h := range t.holdings {
		s.holdings[k] = h
	}
	for id, o := range t.orders {
		if _, existed := s.orders[id]; !existed {
			s.accountOrders[o.AccountID] = append(s.accountOrders[o.AccountID], id)
		}
		s.orders[id] = o
		ob := s.books.getOrCreate(o.Symbol)
		if o.Status == domain.OrderStatusOpen {
			ob.insert(o.Side, bookEntry{CreatedAt: o.CreatedAt, OrderID: o.ID, Price: o.Price})
		} else {
			ob.remove(id)
		}
	}
	if len(t.trades) > 0 {
		s.trades = append(s.trades, t.trades...)
		sort.SliceStable(s.trades, func(i, j int) bool { return s.trades[i].ID < s.trades[j].ID })
	}
	if len(t.notifications) > 0 {
		s.notifications = append(s.notifications, t.notifications...)
		sort.SliceStable(s.notifications, func(i, j int) bool { return s.notifications[i].ID < s.notifications[j].ID })
	}
	s.mu.Unlock()
}

func (t *tx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if err := t.lock(ctx, accountKey(id)); err != nil {
		return nil, err
	}
	if a, ok := t.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	return t.s.GetAccount(ctx, id)
}

func (t *tx) SaveAccount(_ context.Context, a *domain.Account) error {
	if err := t.mustHold(accountKey(a.ID)); err != nil {
		return err
	}
	cp := *a
	cp.UpdatedAt = t.s.now()
	a.UpdatedAt = cp.UpdatedAt
	t.accounts[a.ID] = &cp
	return nil
}

func (t *tx) readHolding(k rowKey) (*domain.Holding, bool) {
	if h, ok := t.holdings[k]; ok {
		cp := *h
		return &cp, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if h, ok := t.s.holdings[k]; ok {
		cp := *h
		return &cp, true
	}
	return nil, false
}

func (t *tx) LockHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error) {
	k := holdingKey(accountID, symbol)
	if err := t.lock(ctx, k); err != nil {
		return nil, err
	}
	h, ok := t.readHolding(k)
	if !ok {
		return nil, fmt.Errorf("%w: account %d symbol %s", domain.ErrHoldingNotFound, accountID, symbol)
	}
	return h, nil
}

func (t *tx) LockOrCreateHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error) {
	k := holdingKey(accountID, symbol)
	if err := t.lock(ctx, k); err != nil {
		return nil, err
	}
	if h, ok := t.readHolding(k); ok {
		return h, nil
	}
	h := &domain.Holding{AccountID: accountID, Symbol: symbol, UpdatedAt: t.s.now()}
	cp := *h
	t.holdings[k] = &cp
	return h, nil
}

func (t *tx) SaveHolding(_ context.Context, h *domain.Holding) error {
	k := holdingKey(h.AccountID, h.Symbol)
	if err := t.mustHold(k); err != nil {
		return err
	}
	cp := *h
	cp.UpdatedAt = t.s.now()
	h.UpdatedAt = cp.UpdatedAt
	t.holdings[k] = &cp
	return nil
}

// LockBook locks the symbol's book. CreateOrder and LockEligibleCounter
// take it implicitly; callers lock it first to keep lock order stable.
func (t *tx) LockBook(ctx context.Context, symbol string) error {
	return t.lock(ctx, bookKey(symbol))
}

func (t *tx) CreateOrder(ctx context.Context, o *domain.Order) error {
	if t.done {
		return errTxDone
	}
	// The book only indexes committed orders; holding its lock until the
	// end keeps scanners out while this row is invisible to them.
	if err := t.LockBook(ctx, o.Symbol); err != nil {
		return err
	}
	id := t.s.nextOrderID.Add(1)
	if err := t.lock(ctx, orderKey(id)); err != nil {
		return err
	}
	now := t.s.now()
	o.ID = id
	o.CreatedAt = now
	o.UpdatedAt = now
	cp := *o
	t.orders[id] = &cp
	return nil
}

func (t *tx) readOrder(id int64) (*domain.Order, bool) {
	if o, ok := t.orders[id]; ok {
		cp := *o
		return &cp, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if o, ok := t.s.orders[id]; ok {
		cp := *o
		return &cp, true
	}
	return nil, false
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	if err := t.lock(ctx, orderKey(id)); err != nil {
		return nil, err
	}
	o, ok := t.readOrder(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	return o, nil
}

// nextCandidate returns the oldest committed resting order opposite o that
// crosses o's price and is not in skip.
func (t *tx) nextCandidate(o *domain.Order, skip map[int64]struct{}) (int64, bool) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	ob, ok := t.s.books[o.Symbol]
	if !ok {
		return 0, false
	}
	var found int64
	ob.walk(o.Side.Opposite(), func(e bookEntry) bool {
		if _, skipped := skip[e.OrderID]; skipped {
			return true
		}
		if !o.Crosses(&domain.Order{Price: e.Price}) {
			return true
		}
		found = e.OrderID
		return false
	})
	return found, found != 0
}

// LockEligibleCounter locks the best candidate and re-reads it; a
// candidate that changed while we waited for its lock is skipped and the
// book rescanned. Locks on skipped rows stay held until the tx ends.
func (t *tx) LockEligibleCounter(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	if err := t.LockBook(ctx, o.Symbol); err != nil {
		return nil, err
	}
	skip := map[int64]struct{}{o.ID: {}}
	opposite := o.Side.Opposite()
	for {
		id, ok := t.nextCandidate(o, skip)
		if !ok {
			return nil, nil
		}
		if err := t.lock(ctx, orderKey(id)); err != nil {
			return nil, err
		}
		cur, ok := t.readOrder(id)
		if ok && cur.Status == domain.OrderStatusOpen && cur.Symbol == o.Symbol &&
			cur.Side == opposite && o.Crosses(cur) {
			return cur, nil
		}
		skip[id] = struct{}{}
	}
}

func (t *tx) TransitionOrder(_ context.Context, o *domain.Order, from, to domain.OrderStatus) error {
	if err := t.mustHold(orderKey(o.ID)); err != nil {
		return err
	}
	cur, ok := t.readOrder(o.ID)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrOrderNotFound, o.ID)
	}
	if err := cur.Transition(from, to); err != nil {
		return err
	}
	cur.UpdatedAt = t.s.now()
	t.orders[o.ID] = cur
	o.Status = cur.Status
	o.UpdatedAt = cur.UpdatedAt
	return nil
}

func (t *tx) CreateTrade(_ context.Context, tr *domain.Trade) error {
	if t.done {
		return errTxDone
	}
	tr.ID = t.s.nextTradeID.Add(1)
	tr.CreatedAt = t.s.now()
	cp := *tr
	t.trades = append(t.trades, &cp)
	return nil
}

func (t *tx) EnqueueNotification(_ context.Context, n *store.Notification) error {
	if t.done {
		return errTxDone
	}
	n.ID = t.s.nextNotificationID.Add(1)
	n.CreatedAt = t.s.now()
	t.notifications = append(t.notifications, cloneNotification(n))
	return nil
}
