package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/ledger"
	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/store"
)

// DefaultCommissionRate is charged on trade notional at settlement.
var DefaultCommissionRate = decimal.RequireFromString("0.015")

// Settler transfers assets and fiat for a matched pair of orders.
type Settler struct {
	rate         decimal.Decimal
	feeAccountID int64
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewSettler creates a Settler. With feeAccountID 0 commission leaves
// circulation; otherwise both deductions are credited to that account.
func NewSettler(rate decimal.Decimal, feeAccountID int64, logger *zap.Logger, m *metrics.Metrics) *Settler {
	return &Settler{
		rate:         rate,
		feeAccountID: feeAccountID,
		logger:       logger.Named("settlement"),
		metrics:      m,
	}
}

// Settle executes a full match between buy and sell inside tx. Both orders
// must already be locked by tx, open, on the same symbol and of equal
// amount.
//
// Accounts are locked in ascending id order, then holdings in ascending
// account id order, then the fee account. A buyer who is also the seller
// is locked once.
func (s *Settler) Settle(ctx context.Context, tx store.Tx, buy, sell *domain.Order) (*domain.Trade, error) {
	if buy.Symbol != sell.Symbol || !buy.Amount.Equal(sell.Amount) {
		return nil, &domain.InternalError{
			Op:  "settle",
			Err: fmt.Errorf("orders %d and %d are not a full match", buy.ID, sell.ID),
		}
	}
	symbol := buy.Symbol
	amount := buy.Amount

	// Step 1: Trade volume and commission.
	volume := domain.Notional(buy.Price, amount)
	commission := domain.Mul(volume, s.rate)

	// Step 2: Lock accounts, holdings, fee account.
	ids := []int64{buy.AccountID}
	if sell.AccountID != buy.AccountID {
		ids = append(ids, sell.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	accounts := make(map[int64]*domain.Account, 3)
	for _, id := range ids {
		a, err := tx.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = a
	}

	holdings := make(map[int64]*domain.Holding, 2)
	for _, id := range ids {
		var (
			h   *domain.Holding
			err error
		)
		if id == sell.AccountID {
			h, err = tx.LockHolding(ctx, id, symbol)
			if errors.Is(err, domain.ErrHoldingNotFound) {
				return nil, s.inconsistent(buy, sell, fmt.Errorf("%w: seller %d has no %s holding",
					domain.ErrInsufficientLockedAsset, id, symbol))
			}
		} else {
			h, err = tx.LockOrCreateHolding(ctx, id, symbol)
		}
		if err != nil {
			return nil, err
		}
		holdings[id] = h
	}

	var fee *domain.Account
	if s.feeAccountID != 0 {
		fee = accounts[s.feeAccountID]
		if fee == nil {
			a, err := tx.LockAccount(ctx, s.feeAccountID)
			if err != nil {
				return nil, fmt.Errorf("lock fee account: %w", err)
			}
			fee = a
			accounts[a.ID] = a
		}
	}

	buyer, seller := accounts[buy.AccountID], accounts[sell.AccountID]

	// Step 3: Asset moves from seller's locked to buyer's free.
	if err := ledger.ReleaseAndTransfer(holdings[sell.AccountID], holdings[buy.AccountID], amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientLockedAsset) {
			return nil, s.inconsistent(buy, sell, err)
		}
		return nil, err
	}

	// Step 4: Buyer pays commission on top of the reserved principal.
	if err := ledger.DebitBalance(buyer, commission); err != nil {
		return nil, err
	}

	// Step 5: Seller receives volume net of commission.
	if err := ledger.CreditBalance(seller, volume.Sub(commission)); err != nil {
		return nil, err
	}
	if fee != nil {
		if err := ledger.CreditBalance(fee, commission.Add(commission)); err != nil {
			return nil, err
		}
	}

	for _, id := range sortedKeys(accounts) {
		if err := tx.SaveAccount(ctx, accounts[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range sortedKeys(holdings) {
		if err := tx.SaveHolding(ctx, holdings[id]); err != nil {
			return nil, err
		}
	}

	// Step 6: Both orders filled.
	if err := tx.TransitionOrder(ctx, buy, domain.OrderStatusOpen, domain.OrderStatusFilled); err != nil {
		return nil, err
	}
	if err := tx.TransitionOrder(ctx, sell, domain.OrderStatusOpen, domain.OrderStatusFilled); err != nil {
		return nil, err
	}

	// Step 7: Trade record.
	trade := &domain.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Symbol:      symbol,
		Price:       buy.Price,
		Amount:      amount,
		Commission:  commission,
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return nil, err
	}

	// Step 8: Notification goes to the outbox and is delivered after commit.
	if err := tx.EnqueueNotification(ctx, &store.Notification{
		Trade:    *trade,
		BuyerID:  buy.AccountID,
		SellerID: sell.AccountID,
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("trade settled",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("buy_order_id", buy.ID),
		zap.Int64("sell_order_id", sell.ID),
		zap.String("symbol", symbol),
		zap.String("price", domain.FormatQuantity(trade.Price)),
		zap.String("amount", domain.FormatQuantity(amount)),
		zap.String("commission", domain.FormatQuantity(commission)))
	return trade, nil
}

func (s *Settler) inconsistent(buy, sell *domain.Order, err error) error {
	s.metrics.InternalError()
	s.logger.Error("seller reservation short at settlement",
		zap.Int64("buy_order_id", buy.ID),
		zap.Int64("sell_order_id", sell.ID),
		zap.Int64("seller_id", sell.AccountID),
		zap.Error(err))
	return &domain.InternalError{Op: "settle", Err: err}
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
