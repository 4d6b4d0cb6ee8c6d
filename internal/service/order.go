package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/engine"
	"github.com/efreitasn/spotexchange/internal/ledger"
	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/store"
	"github.com/efreitasn/spotexchange/internal/txn"
)

// ValidOrderStatuses lists all valid order status values for validation.
var ValidOrderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusOpen:      true,
	domain.OrderStatusFilled:    true,
	domain.OrderStatusCancelled: true,
}

// Notifier is woken after a commit that produced trade notifications.
type Notifier interface {
	Kick()
}

// PlaceOrderRequest represents the input for order placement. Numeric
// fields are decimal strings.
type PlaceOrderRequest struct {
	AccountID int64
	Symbol    string
	Side      string
	Price     string
	Amount    string
}

// ListOrdersRequest narrows an order listing. AccountID 0 lists every
// account's orders.
type ListOrdersRequest struct {
	AccountID int64
	Symbol    string
	Status    string
	Page      int
	Limit     int
}

// OrderService handles order placement, cancellation and queries.
type OrderService struct {
	ctrl     *txn.Controller
	store    store.Store
	matcher  *engine.Matcher
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewOrderService creates a new OrderService with the given dependencies.
// notifier and m may be nil.
func NewOrderService(
	ctrl *txn.Controller,
	s store.Store,
	matcher *engine.Matcher,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		ctrl:     ctrl,
		store:    s,
		matcher:  matcher,
		notifier: notifier,
		metrics:  m,
		logger:   logger.Named("orders"),
	}
}

// PlaceOrder validates the request, reserves funds or asset, persists the
// order and attempts a match, all in one transaction. The returned order
// is open or filled.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	order, err := s.validatePlacement(req)
	if err != nil {
		s.metrics.OrderRejected("validation")
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		s.metrics.OrderRejected(rejectReason(err))
		return nil, err
	}

	var (
		placed *domain.Order
		trade  *domain.Trade
	)
	err = s.ctrl.Run(ctx, "place_order", func(ctx context.Context, tx store.Tx) error {
		o := *order
		o.Status = domain.OrderStatusOpen

		// The book lock comes before any account or holding lock.
		if err := tx.LockBook(ctx, o.Symbol); err != nil {
			return err
		}

		// Step 1: Reserve.
		if err := reserve(ctx, tx, &o); err != nil {
			return err
		}

		// Step 2: Persist open.
		if err := tx.CreateOrder(ctx, &o); err != nil {
			return err
		}

		// Step 3: Single match attempt.
		t, err := s.matcher.AttemptMatch(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		final, err := tx.LockOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		placed, trade = final, t
		return nil
	})
	if err != nil {
		s.metrics.OrderRejected(rejectReason(err))
		s.logFailure("place order failed", err,
			zap.Int64("account_id", req.AccountID),
			zap.String("symbol", order.Symbol),
			zap.String("side", string(order.Side)))
		return nil, err
	}

	s.metrics.OrderPlaced(string(placed.Side), string(placed.Status))
	s.logger.Info("order placed",
		zap.Int64("order_id", placed.ID),
		zap.Int64("account_id", placed.AccountID),
		zap.String("symbol", placed.Symbol),
		zap.String("side", string(placed.Side)),
		zap.String("price", domain.FormatQuantity(placed.Price)),
		zap.String("amount", domain.FormatQuantity(placed.Amount)),
		zap.String("status", string(placed.Status)))

	if trade != nil {
		s.metrics.TradeSettled(trade.Symbol)
		s.logger.Info("trade executed",
			zap.Int64("trade_id", trade.ID),
			zap.Int64("buy_order_id", trade.BuyOrderID),
			zap.Int64("sell_order_id", trade.SellOrderID))
		if s.notifier != nil {
			s.notifier.Kick()
		}
	}
	return placed, nil
}

func (s *OrderService) validatePlacement(req PlaceOrderRequest) (*domain.Order, error) {
	if req.AccountID <= 0 {
		return nil, &domain.ValidationError{Message: "account id is required"}
	}
	symbol := normaliseSymbol(req.Symbol)
	if !symbolRegex.MatchString(symbol) {
		return nil, &domain.ValidationError{Message: "symbol must match ^[A-Z]{1,10}$"}
	}
	side := domain.OrderSide(strings.ToLower(strings.TrimSpace(req.Side)))
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return nil, &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	price, err := parsePositive("price", req.Price)
	if err != nil {
		return nil, err
	}
	amount, err := parsePositive("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if !domain.WithinRange(domain.Notional(price, amount)) {
		return nil, &domain.ValidationError{
			Message: "price * amount must be at most " + domain.MaxQuantity.String(),
		}
	}
	return &domain.Order{
		AccountID: req.AccountID,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
	}, nil
}

// reserve debits a buy's notional from the balance or locks a sell's
// amount of the asset.
func reserve(ctx context.Context, tx store.Tx, o *domain.Order) error {
	if o.Side == domain.OrderSideBuy {
		a, err := tx.LockAccount(ctx, o.AccountID)
		if err != nil {
			return err
		}
		if err := ledger.DebitBalance(a, o.Reserved()); err != nil {
			return err
		}
		return tx.SaveAccount(ctx, a)
	}

	h, err := tx.LockHolding(ctx, o.AccountID, o.Symbol)
	if errors.Is(err, domain.ErrHoldingNotFound) {
		return fmt.Errorf("%w: account %d holds no %s", domain.ErrInsufficientAsset, o.AccountID, o.Symbol)
	}
	if err != nil {
		return err
	}
	if err := ledger.LockAsset(h, o.Amount); err != nil {
		return err
	}
	return tx.SaveHolding(ctx, h)
}

// CancelOrder reverses the order's reservation and marks it cancelled.
// Ownership is checked before status.
func (s *OrderService) CancelOrder(ctx context.Context, accountID, orderID int64) (*domain.Order, error) {
	var cancelled *domain.Order
	err := s.ctrl.Run(ctx, "cancel_order", func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.AccountID != accountID {
			return fmt.Errorf("%w: order %d", domain.ErrOrderNotOwned, orderID)
		}
		if o.Status != domain.OrderStatusOpen {
			return fmt.Errorf("%w: order %d is %s", domain.ErrOrderNotOpen, orderID, o.Status)
		}

		if err := release(ctx, tx, o); err != nil {
			return err
		}
		if err := tx.TransitionOrder(ctx, o, domain.OrderStatusOpen, domain.OrderStatusCancelled); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		var internal *domain.InternalError
		if errors.As(err, &internal) {
			s.metrics.InternalError()
		}
		s.logFailure("cancel order failed", err, zap.Int64("account_id", accountID), zap.Int64("order_id", orderID))
		return nil, err
	}

	s.metrics.OrderCancelled(string(cancelled.Side))
	s.logger.Info("order cancelled",
		zap.Int64("order_id", cancelled.ID),
		zap.Int64("account_id", cancelled.AccountID),
		zap.String("side", string(cancelled.Side)))
	return cancelled, nil
}

// release refunds exactly what the open order reserved.
func release(ctx context.Context, tx store.Tx, o *domain.Order) error {
	if o.Side == domain.OrderSideBuy {
		a, err := tx.LockAccount(ctx, o.AccountID)
		if err != nil {
			return err
		}
		if err := ledger.CreditBalance(a, o.Reserved()); err != nil {
			return err
		}
		return tx.SaveAccount(ctx, a)
	}

	h, err := tx.LockHolding(ctx, o.AccountID, o.Symbol)
	if errors.Is(err, domain.ErrHoldingNotFound) {
		return &domain.InternalError{Op: "cancel", Err: fmt.Errorf("%w: order %d has no holding", domain.ErrInsufficientLockedAsset, o.ID)}
	}
	if err != nil {
		return err
	}
	if err := ledger.UnlockAsset(h, o.Amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientLockedAsset) {
			return &domain.InternalError{Op: "cancel", Err: err}
		}
		return err
	}
	return tx.SaveHolding(ctx, h)
}

// GetOrder retrieves an order by ID.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// ListOrders returns a page of orders, newest first, and the total count.
func (s *OrderService) ListOrders(ctx context.Context, req ListOrdersRequest) ([]*domain.Order, int, error) {
	filter := store.OrderFilter{AccountID: req.AccountID, Page: req.Page, Limit: req.Limit}

	if req.Symbol != "" {
		filter.Symbol = normaliseSymbol(req.Symbol)
		if !symbolRegex.MatchString(filter.Symbol) {
			return nil, 0, &domain.ValidationError{Message: "symbol must match ^[A-Z]{1,10}$"}
		}
	}
	if req.Status != "" {
		status := domain.OrderStatus(strings.ToLower(req.Status))
		if !ValidOrderStatuses[status] {
			return nil, 0, &domain.ValidationError{
				Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: open, filled, cancelled", req.Status),
			}
		}
		filter.Status = &status
	}
	if req.Page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if req.Limit < 1 || req.Limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}
	if req.AccountID != 0 {
		if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
			return nil, 0, err
		}
	}
	return s.store.ListOrders(ctx, filter)
}

// ListTrades returns up to limit trades, newest first, optionally for one
// symbol.
func (s *OrderService) ListTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	if symbol != "" {
		symbol = normaliseSymbol(symbol)
		if !symbolRegex.MatchString(symbol) {
			return nil, &domain.ValidationError{Message: "symbol must match ^[A-Z]{1,10}$"}
		}
	}
	if limit < 1 || limit > 100 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}
	return s.store.ListTrades(ctx, symbol, limit)
}

func (s *OrderService) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	var internal *domain.InternalError
	switch {
	case errors.As(err, &internal):
		s.logger.Error(msg, fields...)
	case errors.Is(err, txn.ErrRetriesExhausted):
		s.logger.Warn(msg, fields...)
	default:
		s.logger.Debug(msg, fields...)
	}
}

// rejectReason maps an error to a low-cardinality metric label.
func rejectReason(err error) string {
	var (
		validation *domain.ValidationError
		internal   *domain.InternalError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &internal):
		return "internal"
	case errors.Is(err, txn.ErrRetriesExhausted):
		return "contention"
	}
	for _, sentinel := range []error{
		domain.ErrAccountNotFound,
		domain.ErrInsufficientFunds,
		domain.ErrInsufficientAsset,
		domain.ErrCounterpartyFunds,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "other"
}
