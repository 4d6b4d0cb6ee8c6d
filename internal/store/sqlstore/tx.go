package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

type tx struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Tx = (*tx)(nil)

func (t *tx) forUpdate(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *tx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow
	err := t.forUpdate(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return row.toDomain(), nil
}

func (t *tx) SaveAccount(ctx context.Context, a *domain.Account) error {
	a.UpdatedAt = t.now()
	err := t.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{"balance": a.Balance, "updated_at": a.UpdatedAt}).Error
	return classify(err)
}

func (t *tx) lockHoldingRow(ctx context.Context, accountID int64, symbol string) (*holdingRow, error) {
	var rows []holdingRow
	err := t.forUpdate(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *tx) LockHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error) {
	row, err := t.lockHoldingRow(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: account %d symbol %s", domain.ErrHoldingNotFound, accountID, symbol)
	}
	return row.toDomain(), nil
}

// LockOrCreateHolding inserts a zero row when none exists. A concurrent
// insert of the same (account, symbol) surfaces as a duplicate key, which
// is contention: the retry will find the row.
func (t *tx) LockOrCreateHolding(ctx context.Context, accountID int64, symbol string) (*domain.Holding, error) {
	row, err := t.lockHoldingRow(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row.toDomain(), nil
	}
	row = &holdingRow{AccountID: accountID, Symbol: symbol, UpdatedAt: t.now()}
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			return nil, contention(err)
		}
		return nil, classify(err)
	}
	return row.toDomain(), nil
}

func (t *tx) SaveHolding(ctx context.Context, h *domain.Holding) error {
	h.UpdatedAt = t.now()
	err := t.db.WithContext(ctx).Model(&holdingRow{}).
		Where("account_id = ? AND symbol = ?", h.AccountID, h.Symbol).
		Updates(map[string]any{
			"amount":        h.Amount,
			"locked_amount": h.LockedAmount,
			"updated_at":    h.UpdatedAt,
		}).Error
	return classify(err)
}

// LockBook upserts the symbol's book row and locks it. A placement racing
// on the first insert waits on the row like any later one.
func (t *tx) LockBook(ctx context.Context, symbol string) error {
	row := bookRow{Symbol: symbol}
	if err := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return classify(err)
	}
	return classify(t.forUpdate(ctx).Where("symbol = ?", symbol).First(&row).Error)
}

func (t *tx) CreateOrder(ctx context.Context, o *domain.Order) error {
	now := t.now()
	row := orderRow{
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Status:    string(o.Status),
		Price:     o.Price,
		Amount:    o.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return classify(err)
	}
	o.ID, o.CreatedAt, o.UpdatedAt = row.ID, now, now
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var row orderRow
	err := t.forUpdate(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return row.toDomain(), nil
}

// LockEligibleCounter runs a locking read for the oldest crossing order.
// InnoDB evaluates the predicate against the latest committed version once
// the lock is granted; the re-check guards the rare case where it still
// hands back a row that no longer qualifies.
func (t *tx) LockEligibleCounter(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	opposite := o.Side.Opposite()
	skip := []int64{o.ID}
	for {
		q := t.forUpdate(ctx).
			Where("symbol = ? AND side = ? AND status = ?", o.Symbol, string(opposite), string(domain.OrderStatusOpen)).
			Where("id NOT IN ?", skip)
		if o.Side == domain.OrderSideBuy {
			q = q.Where("price <= ?", o.Price)
		} else {
			q = q.Where("price >= ?", o.Price)
		}
		var rows []orderRow
		if err := q.Order("created_at ASC").Order("id ASC").Limit(1).Find(&rows).Error; err != nil {
			return nil, classify(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		cand := rows[0].toDomain()
		if cand.Status == domain.OrderStatusOpen && o.Crosses(cand) {
			return cand, nil
		}
		skip = append(skip, cand.ID)
	}
}

func (t *tx) TransitionOrder(ctx context.Context, o *domain.Order, from, to domain.OrderStatus) error {
	next := *o
	if err := next.Transition(from, to); err != nil {
		return err
	}
	next.UpdatedAt = t.now()
	res := t.db.WithContext(ctx).Model(&orderRow{}).
		Where("id = ? AND status = ?", o.ID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": next.UpdatedAt})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %d is no longer %s", domain.ErrInvalidTransition, o.ID, from)
	}
	*o = next
	return nil
}

func (t *tx) CreateTrade(ctx context.Context, tr *domain.Trade) error {
	tr.CreatedAt = t.now()
	row := tradeRow{
		BuyOrderID:  tr.BuyOrderID,
		SellOrderID: tr.SellOrderID,
		Symbol:      tr.Symbol,
		Price:       tr.Price,
		Amount:      tr.Amount,
		Commission:  tr.Commission,
		CreatedAt:   tr.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return classify(err)
	}
	tr.ID = row.ID
	return nil
}

func (t *tx) EnqueueNotification(ctx context.Context, n *store.Notification) error {
	n.CreatedAt = t.now()
	row := newNotificationRow(n)
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return classify(err)
	}
	n.ID = row.ID
	return nil
}
