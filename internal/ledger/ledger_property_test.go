package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/efreitasn/spotexchange/internal/domain"
)

// Feature: spot-exchange, Property: holdings never go negative
// Any sequence of lock/unlock/transfer keeps free and locked >= 0 and
// preserves the combined total across both holdings.

func TestProperty_HoldingOperationsPreserveTotals(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := decimal.New(rapid.Int64Range(0, 1_000_000_000).Draw(t, "start"), -domain.Scale)
		a := &domain.Holding{AccountID: 1, Symbol: "BTC", Amount: start}
		b := &domain.Holding{AccountID: 2, Symbol: "BTC"}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			amt := decimal.New(rapid.Int64Range(0, 1_000_000_000).Draw(t, "amt"), -domain.Scale)
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_ = LockAsset(a, amt)
			case 1:
				_ = UnlockAsset(a, amt)
			case 2:
				_ = ReleaseAndTransfer(a, b, amt)
			}

			for _, h := range []*domain.Holding{a, b} {
				if h.Amount.IsNegative() || h.LockedAmount.IsNegative() {
					t.Fatalf("holding %d went negative: free=%s locked=%s", h.AccountID, h.Amount, h.LockedAmount)
				}
			}
			if total := a.Total().Add(b.Total()); !total.Equal(start) {
				t.Fatalf("total drifted: %s != %s", total, start)
			}
		}
	})
}
