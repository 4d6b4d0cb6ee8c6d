package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/engine"
	"github.com/efreitasn/spotexchange/internal/store/memstore"
	"github.com/efreitasn/spotexchange/internal/txn"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingNotifier struct{ kicks atomic.Int64 }

func (n *countingNotifier) Kick() { n.kicks.Add(1) }

// testOrderEnv bundles all dependencies needed for OrderService tests.
type testOrderEnv struct {
	store      *memstore.Store
	svc        *OrderService
	accountSvc *AccountService
	notifier   *countingNotifier
}

func newTestOrderEnv(opts ...memstore.Option) *testOrderEnv {
	logger := zap.NewNop()
	s := memstore.New(opts...)
	ctrl := txn.NewController(s, logger,
		txn.WithMaxAttempts(20),
		txn.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	settler := engine.NewSettler(engine.DefaultCommissionRate, 0, logger, nil)
	n := &countingNotifier{}
	return &testOrderEnv{
		store:      s,
		svc:        NewOrderService(ctrl, s, engine.NewMatcher(settler, logger), n, nil, logger),
		accountSvc: NewAccountService(s, logger),
		notifier:   n,
	}
}

// openAccount is a helper that opens an account with a balance and
// optional holdings given as symbol/amount pairs.
func (env *testOrderEnv) openAccount(t *testing.T, balance string, holdings ...string) int64 {
	t.Helper()
	req := OpenAccountRequest{Balance: balance}
	for i := 0; i+1 < len(holdings); i += 2 {
		req.Holdings = append(req.Holdings, HoldingInput{Symbol: holdings[i], Amount: holdings[i+1]})
	}
	p, err := env.accountSvc.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
	return p.AccountID
}

func (env *testOrderEnv) place(t *testing.T, accountID int64, side, price, amount string) *domain.Order {
	t.Helper()
	o, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: accountID,
		Symbol:    "BTC",
		Side:      side,
		Price:     price,
		Amount:    amount,
	})
	if err != nil {
		t.Fatalf("place %s %s@%s: %v", side, amount, price, err)
	}
	return o
}

func (env *testOrderEnv) profile(t *testing.T, id int64) *Profile {
	t.Helper()
	p, err := env.accountSvc.Profile(context.Background(), id)
	if err != nil {
		t.Fatalf("profile %d: %v", id, err)
	}
	return p
}

func holdingOf(p *Profile, symbol string) domain.Holding {
	for _, h := range p.Holdings {
		if h.Symbol == symbol {
			return h
		}
	}
	return domain.Holding{Symbol: symbol}
}

func expectDec(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", what, got, want)
	}
}

// --- PlaceOrder ---

func TestPlaceOrder_BuyThenSellSettles(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "1000")
	seller := env.openAccount(t, "0", "BTC", "1")

	buy := env.place(t, buyer, "buy", "100", "1")
	if buy.Status != domain.OrderStatusOpen {
		t.Fatalf("buy status = %s, want open", buy.Status)
	}
	expectDec(t, "buyer balance after reserve", env.profile(t, buyer).Balance, "900")

	sell := env.place(t, seller, "sell", "100", "1")
	if sell.Status != domain.OrderStatusFilled {
		t.Fatalf("sell status = %s, want filled", sell.Status)
	}

	bp := env.profile(t, buyer)
	expectDec(t, "buyer balance", bp.Balance, "898.5")
	expectDec(t, "buyer BTC", holdingOf(bp, "BTC").Amount, "1")

	sp := env.profile(t, seller)
	expectDec(t, "seller balance", sp.Balance, "98.5")
	expectDec(t, "seller BTC free", holdingOf(sp, "BTC").Amount, "0")
	expectDec(t, "seller BTC locked", holdingOf(sp, "BTC").LockedAmount, "0")

	got, err := env.svc.GetOrder(context.Background(), buy.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Errorf("buy status = %s, want filled", got.Status)
	}

	trades, err := env.svc.ListTrades(context.Background(), "btc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	expectDec(t, "commission", trades[0].Commission, "1.5")
	if env.notifier.kicks.Load() != 1 {
		t.Errorf("kicks = %d, want 1", env.notifier.kicks.Load())
	}
}

func TestPlaceOrder_AmountMismatchLeavesBothOpen(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "1000")
	seller := env.openAccount(t, "0", "BTC", "1")

	sell := env.place(t, seller, "sell", "100", "0.5")
	buy := env.place(t, buyer, "buy", "100", "1")

	if buy.Status != domain.OrderStatusOpen {
		t.Errorf("buy status = %s, want open", buy.Status)
	}
	got, _ := env.svc.GetOrder(context.Background(), sell.ID)
	if got.Status != domain.OrderStatusOpen {
		t.Errorf("sell status = %s, want open", got.Status)
	}
	expectDec(t, "buyer balance", env.profile(t, buyer).Balance, "900")
	sp := env.profile(t, seller)
	expectDec(t, "seller locked", holdingOf(sp, "BTC").LockedAmount, "0.5")
	if env.notifier.kicks.Load() != 0 {
		t.Errorf("kicks = %d, want 0", env.notifier.kicks.Load())
	}
}

func TestPlaceOrder_Normalisation(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "1000")

	o, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: buyer,
		Symbol:    " eth ",
		Side:      "BUY",
		Price:     "10",
		Amount:    "2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Symbol != "ETH" || o.Side != domain.OrderSideBuy {
		t.Errorf("order = %s %s, want ETH buy", o.Symbol, o.Side)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "99.99")

	_, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: buyer, Symbol: "BTC", Side: "buy", Price: "100", Amount: "1",
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	expectDec(t, "balance", env.profile(t, buyer).Balance, "99.99")
	orders, total, err := env.svc.ListOrders(context.Background(), ListOrdersRequest{AccountID: buyer, Page: 1, Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(orders) != 0 {
		t.Errorf("orders = %d (total %d), want none", len(orders), total)
	}
}

func TestPlaceOrder_InsufficientAsset(t *testing.T) {
	env := newTestOrderEnv()
	noHolding := env.openAccount(t, "0")
	small := env.openAccount(t, "0", "BTC", "0.5")

	tests := []struct {
		name    string
		account int64
	}{
		{"no holding", noHolding},
		{"short holding", small},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				AccountID: tt.account, Symbol: "BTC", Side: "sell", Price: "100", Amount: "1",
			})
			if !errors.Is(err, domain.ErrInsufficientAsset) {
				t.Fatalf("err = %v, want ErrInsufficientAsset", err)
			}
		})
	}
	expectDec(t, "free", holdingOf(env.profile(t, small), "BTC").Amount, "0.5")
}

func TestPlaceOrder_UnknownAccount(t *testing.T) {
	env := newTestOrderEnv()
	_, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: 42, Symbol: "BTC", Side: "sell", Price: "100", Amount: "1",
	})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestOrderEnv()
	acct := env.openAccount(t, "1000", "BTC", "1")

	tests := []struct {
		name string
		req  PlaceOrderRequest
		msg  string
	}{
		{"missing account", PlaceOrderRequest{Symbol: "BTC", Side: "buy", Price: "1", Amount: "1"}, "account id is required"},
		{"empty symbol", PlaceOrderRequest{AccountID: acct, Side: "buy", Price: "1", Amount: "1"}, "symbol must match ^[A-Z]{1,10}$"},
		{"long symbol", PlaceOrderRequest{AccountID: acct, Symbol: "ABCDEFGHIJK", Side: "buy", Price: "1", Amount: "1"}, "symbol must match ^[A-Z]{1,10}$"},
		{"digit symbol", PlaceOrderRequest{AccountID: acct, Symbol: "BTC1", Side: "buy", Price: "1", Amount: "1"}, "symbol must match ^[A-Z]{1,10}$"},
		{"bad side", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "hold", Price: "1", Amount: "1"}, "side must be 'buy' or 'sell'"},
		{"zero price", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "buy", Price: "0", Amount: "1"}, "price must be at least 0.00000001"},
		{"negative amount", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "buy", Price: "1", Amount: "-1"}, "amount must be at least 0.00000001"},
		{"price too large", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "buy", Price: "1e30", Amount: "1"}, "price: values must have at most 28 integer digits"},
		{"price exponent", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "buy", Price: "1e5000000", Amount: "1"}, "price: values must have at most 28 integer digits"},
		{"amount too large", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "sell", Price: "1", Amount: "10000000000000000000000000000"}, "amount: values must have at most 28 integer digits"},
		{"notional too large", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "buy", Price: "1e20", Amount: "1e10"}, "price * amount must be at most 9999999999999999999999999999.99999999"},
		{"sell notional too large", PlaceOrderRequest{AccountID: acct, Symbol: "BTC", Side: "sell", Price: "1e27", Amount: "100"}, "price * amount must be at most 9999999999999999999999999999.99999999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.PlaceOrder(context.Background(), tt.req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Message != tt.msg {
				t.Errorf("message = %q, want %q", ve.Message, tt.msg)
			}
		})
	}

	for _, raw := range []string{"abc", "1.123456789", ""} {
		_, err := env.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
			AccountID: acct, Symbol: "BTC", Side: "buy", Price: raw, Amount: "1",
		})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("price %q: err = %v, want ValidationError", raw, err)
		}
	}
}

// --- CancelOrder ---

func TestCancelOrder_BuyRefundsReservation(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "1000")
	o := env.place(t, buyer, "buy", "123.45", "2")
	expectDec(t, "balance after reserve", env.profile(t, buyer).Balance, "753.1")

	cancelled, err := env.svc.CancelOrder(context.Background(), buyer, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	expectDec(t, "balance", env.profile(t, buyer).Balance, "1000")
}

func TestCancelOrder_SellUnlocksAsset(t *testing.T) {
	env := newTestOrderEnv()
	seller := env.openAccount(t, "0", "BTC", "3")
	o := env.place(t, seller, "sell", "100", "2")

	if _, err := env.svc.CancelOrder(context.Background(), seller, o.ID); err != nil {
		t.Fatal(err)
	}
	h := holdingOf(env.profile(t, seller), "BTC")
	expectDec(t, "free", h.Amount, "3")
	expectDec(t, "locked", h.LockedAmount, "0")
}

func TestCancelOrder_NotOpen(t *testing.T) {
	env := newTestOrderEnv()
	buyer := env.openAccount(t, "1000")
	seller := env.openAccount(t, "0", "BTC", "1")
	buy := env.place(t, buyer, "buy", "100", "1")
	env.place(t, seller, "sell", "100", "1")

	before := env.profile(t, buyer).Balance
	_, err := env.svc.CancelOrder(context.Background(), buyer, buy.ID)
	if !errors.Is(err, domain.ErrOrderNotOpen) {
		t.Fatalf("cancel filled: err = %v, want ErrOrderNotOpen", err)
	}
	expectDec(t, "balance", env.profile(t, buyer).Balance, before.String())

	other := env.place(t, buyer, "buy", "10", "1")
	if _, err := env.svc.CancelOrder(context.Background(), buyer, other.ID); err != nil {
		t.Fatal(err)
	}
	before = env.profile(t, buyer).Balance
	_, err = env.svc.CancelOrder(context.Background(), buyer, other.ID)
	if !errors.Is(err, domain.ErrOrderNotOpen) {
		t.Fatalf("cancel twice: err = %v, want ErrOrderNotOpen", err)
	}
	expectDec(t, "balance", env.profile(t, buyer).Balance, before.String())
}

func TestCancelOrder_NotOwned(t *testing.T) {
	env := newTestOrderEnv()
	owner := env.openAccount(t, "1000")
	stranger := env.openAccount(t, "1000")
	o := env.place(t, owner, "buy", "100", "1")

	_, err := env.svc.CancelOrder(context.Background(), stranger, o.ID)
	if !errors.Is(err, domain.ErrOrderNotOwned) {
		t.Fatalf("err = %v, want ErrOrderNotOwned", err)
	}
	got, _ := env.svc.GetOrder(context.Background(), o.ID)
	if got.Status != domain.OrderStatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	env := newTestOrderEnv()
	acct := env.openAccount(t, "1")
	_, err := env.svc.CancelOrder(context.Background(), acct, 999)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

// --- Queries ---

func TestListOrders_FiltersAndValidation(t *testing.T) {
	env := newTestOrderEnv()
	a := env.openAccount(t, "1000", "ETH", "5")
	b := env.openAccount(t, "1000")
	env.place(t, a, "buy", "1", "1")
	o2 := env.place(t, a, "buy", "2", "1")
	env.place(t, b, "buy", "3", "1")
	if _, err := env.svc.CancelOrder(context.Background(), a, o2.ID); err != nil {
		t.Fatal(err)
	}

	orders, total, err := env.svc.ListOrders(context.Background(), ListOrdersRequest{Page: 1, Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(orders) != 3 {
		t.Fatalf("all: %d (total %d), want 3", len(orders), total)
	}
	if orders[0].AccountID != b {
		t.Errorf("newest order belongs to %d, want %d", orders[0].AccountID, b)
	}

	orders, total, err = env.svc.ListOrders(context.Background(), ListOrdersRequest{AccountID: a, Status: "OPEN", Symbol: "btc", Page: 1, Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || orders[0].Status != domain.OrderStatusOpen {
		t.Fatalf("open for a: %v (total %d)", orders, total)
	}

	invalid := []ListOrdersRequest{
		{Status: "pending", Page: 1, Limit: 10},
		{Symbol: "b7c", Page: 1, Limit: 10},
		{Page: 0, Limit: 10},
		{Page: 1, Limit: 0},
		{Page: 1, Limit: 101},
	}
	for _, req := range invalid {
		_, _, err := env.svc.ListOrders(context.Background(), req)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%+v: err = %v, want ValidationError", req, err)
		}
	}

	_, _, err = env.svc.ListOrders(context.Background(), ListOrdersRequest{AccountID: 777, Page: 1, Limit: 10})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown account: err = %v, want ErrAccountNotFound", err)
	}
}

func TestListTrades_Validation(t *testing.T) {
	env := newTestOrderEnv()
	if _, err := env.svc.ListTrades(context.Background(), "", 0); err == nil {
		t.Error("limit 0 accepted")
	}
	if _, err := env.svc.ListTrades(context.Background(), "BTC!", 10); err == nil {
		t.Error("bad symbol accepted")
	}
	trades, err := env.svc.ListTrades(context.Background(), "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0", len(trades))
	}
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&domain.ValidationError{Message: "x"}, "validation"},
		{&domain.InternalError{Op: "settle", Err: domain.ErrInsufficientLockedAsset}, "internal"},
		{txn.ErrRetriesExhausted, "contention"},
		{domain.ErrInsufficientFunds, "insufficient_funds"},
		{fmt.Errorf("%w: buy order 3", domain.ErrCounterpartyFunds), "counterparty_insufficient_funds"},
		{errors.Join(errors.New("ctx"), domain.ErrAccountNotFound), "account_not_found"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := rejectReason(tt.err); got != tt.want {
			t.Errorf("rejectReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
