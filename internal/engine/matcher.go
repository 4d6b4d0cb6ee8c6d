// Package engine holds the matching and settlement engines. Both run
// inside a caller-supplied store transaction and never commit on their
// own.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

// Matcher pairs an incoming order with at most one resting counter order.
type Matcher struct {
	settler *Settler
	logger  *zap.Logger
}

// NewMatcher creates a Matcher that hands full matches to settler.
func NewMatcher(settler *Settler, logger *zap.Logger) *Matcher {
	return &Matcher{settler: settler, logger: logger.Named("matcher")}
}

// AttemptMatch locks the order and looks up the single earliest-created
// crossing counter order. Only a counter of identical amount is settled;
// anything else leaves both orders resting. It returns nil without error
// when no trade happens.
func (m *Matcher) AttemptMatch(ctx context.Context, tx store.Tx, orderID int64) (*domain.Trade, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusOpen {
		m.logger.Debug("order not open", zap.Int64("order_id", order.ID), zap.String("status", string(order.Status)))
		return nil, nil
	}

	m.logger.Debug("searching counter order",
		zap.Int64("order_id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("counter_side", string(order.Side.Opposite())),
		zap.String("price", domain.FormatQuantity(order.Price)))

	counter, err := tx.LockEligibleCounter(ctx, order)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		m.logger.Debug("no counter order found", zap.Int64("order_id", order.ID))
		return nil, nil
	}
	m.logger.Debug("counter order found",
		zap.Int64("order_id", order.ID),
		zap.Int64("counter_id", counter.ID),
		zap.String("counter_price", domain.FormatQuantity(counter.Price)))

	// Full match only: no partial fills and no search past the head.
	if !order.Amount.Equal(counter.Amount) {
		m.logger.Debug("amount mismatch",
			zap.Int64("order_id", order.ID),
			zap.Int64("counter_id", counter.ID),
			zap.String("amount", domain.FormatQuantity(order.Amount)),
			zap.String("counter_amount", domain.FormatQuantity(counter.Amount)))
		return nil, nil
	}

	m.logger.Debug("orders matched", zap.Int64("order_id", order.ID), zap.Int64("counter_id", counter.ID))

	buy, sell := order, counter
	if order.Side == domain.OrderSideSell {
		buy, sell = counter, order
	}
	trade, err := m.settler.Settle(ctx, tx, buy, sell)
	if err != nil && order.Side == domain.OrderSideSell && errors.Is(err, domain.ErrInsufficientFunds) {
		// The shortfall is the resting buyer's commission, not the caller's.
		m.logger.Warn("counter buyer cannot pay commission",
			zap.Int64("order_id", order.ID),
			zap.Int64("counter_id", counter.ID),
			zap.Int64("counter_account_id", counter.AccountID))
		return nil, fmt.Errorf("%w: buy order %d", domain.ErrCounterpartyFunds, counter.ID)
	}
	return trade, err
}
