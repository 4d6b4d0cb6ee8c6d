package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

type accountRow struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(36,8);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;type:datetime(6)"`
	UpdatedAt time.Time       `gorm:"column:updated_at;type:datetime(6)"`
}

func (accountRow) TableName() string { return "accounts" }

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{ID: r.ID, Balance: r.Balance, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

type holdingRow struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID    int64           `gorm:"column:account_id;not null;uniqueIndex:idx_holdings_account_symbol,priority:1"`
	Symbol       string          `gorm:"column:symbol;size:16;not null;uniqueIndex:idx_holdings_account_symbol,priority:2"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(36,8);not null"`
	LockedAmount decimal.Decimal `gorm:"column:locked_amount;type:decimal(36,8);not null"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;type:datetime(6)"`
}

func (holdingRow) TableName() string { return "holdings" }

func (r *holdingRow) toDomain() *domain.Holding {
	return &domain.Holding{
		AccountID:    r.AccountID,
		Symbol:       r.Symbol,
		Amount:       r.Amount,
		LockedAmount: r.LockedAmount,
		UpdatedAt:    r.UpdatedAt,
	}
}

// bookRow is the per-symbol lock row that serializes placements on one book.
type bookRow struct {
	Symbol string `gorm:"column:symbol;size:16;primaryKey"`
}

func (bookRow) TableName() string { return "order_books" }

// orderRow carries the book index: counter lookups filter on symbol, side
// and status and range over price.
type orderRow struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID int64           `gorm:"column:account_id;not null;index:idx_orders_account"`
	Symbol    string          `gorm:"column:symbol;size:16;not null;index:idx_orders_book,priority:1"`
	Side      string          `gorm:"column:side;size:4;not null;index:idx_orders_book,priority:2"`
	Status    string          `gorm:"column:status;size:16;not null;index:idx_orders_book,priority:3"`
	Price     decimal.Decimal `gorm:"column:price;type:decimal(36,8);not null;index:idx_orders_book,priority:4"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,8);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;type:datetime(6);index:idx_orders_account"`
	UpdatedAt time.Time       `gorm:"column:updated_at;type:datetime(6)"`
}

func (orderRow) TableName() string { return "orders" }

func (r *orderRow) toDomain() *domain.Order {
	return &domain.Order{
		ID:        r.ID,
		AccountID: r.AccountID,
		Symbol:    r.Symbol,
		Side:      domain.OrderSide(r.Side),
		Price:     r.Price,
		Amount:    r.Amount,
		Status:    domain.OrderStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type tradeRow struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	BuyOrderID  int64           `gorm:"column:buy_order_id;not null;index"`
	SellOrderID int64           `gorm:"column:sell_order_id;not null;index"`
	Symbol      string          `gorm:"column:symbol;size:16;not null;index"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(36,8);not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(36,8);not null"`
	Commission  decimal.Decimal `gorm:"column:commission;type:decimal(36,8);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:datetime(6)"`
}

func (tradeRow) TableName() string { return "trades" }

func (r *tradeRow) toDomain() *domain.Trade {
	return &domain.Trade{
		ID:          r.ID,
		BuyOrderID:  r.BuyOrderID,
		SellOrderID: r.SellOrderID,
		Symbol:      r.Symbol,
		Price:       r.Price,
		Amount:      r.Amount,
		Commission:  r.Commission,
		CreatedAt:   r.CreatedAt,
	}
}

// notificationRow is the outbox. The trade is denormalised so the relay
// never joins.
type notificationRow struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement"`
	TradeID        int64           `gorm:"column:trade_id;not null;index"`
	BuyOrderID     int64           `gorm:"column:buy_order_id;not null"`
	SellOrderID    int64           `gorm:"column:sell_order_id;not null"`
	Symbol         string          `gorm:"column:symbol;size:16;not null"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(36,8);not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,8);not null"`
	Commission     decimal.Decimal `gorm:"column:commission;type:decimal(36,8);not null"`
	TradeCreatedAt time.Time       `gorm:"column:trade_created_at;type:datetime(6)"`
	BuyerID        int64           `gorm:"column:buyer_id;not null"`
	SellerID       int64           `gorm:"column:seller_id;not null"`
	Attempts       int             `gorm:"column:attempts;not null;default:0"`
	LastError      string          `gorm:"column:last_error;size:512"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:datetime(6)"`
	DeliveredAt    *time.Time      `gorm:"column:delivered_at;type:datetime(6);index:idx_notifications_pending,priority:1"`
	FailedAt       *time.Time      `gorm:"column:failed_at;type:datetime(6);index:idx_notifications_pending,priority:2"`
}

func (notificationRow) TableName() string { return "trade_notifications" }

func newNotificationRow(n *store.Notification) *notificationRow {
	tr := n.Trade
	return &notificationRow{
		TradeID:        tr.ID,
		BuyOrderID:     tr.BuyOrderID,
		SellOrderID:    tr.SellOrderID,
		Symbol:         tr.Symbol,
		Price:          tr.Price,
		Amount:         tr.Amount,
		Commission:     tr.Commission,
		TradeCreatedAt: tr.CreatedAt,
		BuyerID:        n.BuyerID,
		SellerID:       n.SellerID,
		Attempts:       n.Attempts,
		LastError:      n.LastError,
		CreatedAt:      n.CreatedAt,
	}
}

func (r *notificationRow) toDomain() *store.Notification {
	return &store.Notification{
		ID: r.ID,
		Trade: domain.Trade{
			ID:          r.TradeID,
			BuyOrderID:  r.BuyOrderID,
			SellOrderID: r.SellOrderID,
			Symbol:      r.Symbol,
			Price:       r.Price,
			Amount:      r.Amount,
			Commission:  r.Commission,
			CreatedAt:   r.TradeCreatedAt,
		},
		BuyerID:     r.BuyerID,
		SellerID:    r.SellerID,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		DeliveredAt: r.DeliveredAt,
		FailedAt:    r.FailedAt,
	}
}
