package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
	"github.com/efreitasn/spotexchange/internal/store/memstore"
	"github.com/efreitasn/spotexchange/internal/txn"
)

// Concurrent placements and cancellations across accounts that trade with
// each other in both roles must neither create nor destroy fiat or asset.
func TestConcurrentPlaceAndCancel_Conservation(t *testing.T) {
	env := newTestOrderEnv(memstore.WithLockWait(10 * time.Millisecond))
	ctx := context.Background()

	const (
		workers   = 8
		perWorker = 40
	)
	accounts := make([]int64, 4)
	for i := range accounts {
		accounts[i] = env.openAccount(t, "10000", "BTC", "20")
	}
	initialFiat := decimal.NewFromInt(40000)
	initialAsset := decimal.NewFromInt(80)

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				acct := accounts[(w+i)%len(accounts)]
				side := "buy"
				if (w+i)%2 == 0 {
					side = "sell"
				}
				o, err := env.svc.PlaceOrder(ctx, PlaceOrderRequest{
					AccountID: acct,
					Symbol:    "BTC",
					Side:      side,
					Price:     fmt.Sprint(95 + (w*7+i)%10),
					Amount:    []string{"1", "0.5"}[i%2],
				})
				if err != nil {
					errs <- err
					continue
				}
				if i%5 == 0 && o.Status == domain.OrderStatusOpen {
					if _, err := env.svc.CancelOrder(ctx, acct, o.ID); err != nil {
						errs <- err
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		switch {
		case errors.Is(err, txn.ErrRetriesExhausted),
			errors.Is(err, domain.ErrInsufficientFunds),
			errors.Is(err, domain.ErrInsufficientAsset),
			errors.Is(err, domain.ErrOrderNotOpen):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	fiat := decimal.Zero
	asset := decimal.Zero
	open := domain.OrderStatusOpen
	for _, id := range accounts {
		p := env.profile(t, id)
		fiat = fiat.Add(p.Balance)
		h := holdingOf(p, "BTC")
		if h.Amount.IsNegative() || h.LockedAmount.IsNegative() {
			t.Fatalf("account %d holding went negative: %+v", id, h)
		}
		asset = asset.Add(h.Total())

		orders, _, err := env.store.ListOrders(ctx, store.OrderFilter{AccountID: id, Status: &open})
		if err != nil {
			t.Fatal(err)
		}
		locked := decimal.Zero
		for _, o := range orders {
			if o.Side == domain.OrderSideBuy {
				fiat = fiat.Add(o.Reserved())
			} else {
				locked = locked.Add(o.Amount)
			}
		}
		if !locked.Equal(h.LockedAmount) {
			t.Errorf("account %d: locked %s, open sells %s", id, h.LockedAmount, locked)
		}
	}

	trades, err := env.store.ListTrades(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range trades {
		fiat = fiat.Add(tr.Commission).Add(tr.Commission)
	}
	if !fiat.Equal(initialFiat) {
		t.Errorf("fiat = %s, want %s (%d trades)", fiat, initialFiat, len(trades))
	}
	if !asset.Equal(initialAsset) {
		t.Errorf("asset = %s, want %s", asset, initialAsset)
	}
}
