// Package ledger applies validated fixed-point arithmetic to account
// balances and asset holdings.
//
// Every function expects its rows to be held under the exclusive lock of
// the enclosing store transaction; nothing here locks or persists.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/spotexchange/internal/domain"
)

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", domain.ErrNegativeAmount, amount)
	}
	return nil
}

// DebitBalance subtracts amount from the account balance. It fails with
// domain.ErrInsufficientFunds if the result would be negative.
func DebitBalance(a *domain.Account, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("%w: account %d has %s, needs %s",
			domain.ErrInsufficientFunds, a.ID, domain.FormatQuantity(a.Balance), domain.FormatQuantity(amount))
	}
	a.Balance = a.Balance.Sub(amount).Truncate(domain.Scale)
	return nil
}

// CreditBalance adds amount to the account balance.
func CreditBalance(a *domain.Account, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	a.Balance = a.Balance.Add(amount).Truncate(domain.Scale)
	return nil
}

// LockAsset moves amount from free to locked. It fails with
// domain.ErrInsufficientAsset if the free amount is short.
func LockAsset(h *domain.Holding, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if h.Amount.LessThan(amount) {
		return fmt.Errorf("%w: account %d has %s %s free, needs %s",
			domain.ErrInsufficientAsset, h.AccountID, domain.FormatQuantity(h.Amount), h.Symbol, domain.FormatQuantity(amount))
	}
	h.Amount = h.Amount.Sub(amount)
	h.LockedAmount = h.LockedAmount.Add(amount)
	return nil
}

// UnlockAsset moves amount from locked back to free. It fails with
// domain.ErrInsufficientLockedAsset if less than amount is locked.
func UnlockAsset(h *domain.Holding, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if h.LockedAmount.LessThan(amount) {
		return lockedShort(h, amount)
	}
	h.LockedAmount = h.LockedAmount.Sub(amount)
	h.Amount = h.Amount.Add(amount)
	return nil
}

// ReleaseAndTransfer removes amount from the locked part of from and adds
// it to the free part of to. from and to must hold the same symbol.
func ReleaseAndTransfer(from, to *domain.Holding, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if from.Symbol != to.Symbol {
		return fmt.Errorf("transfer between %s and %s holdings", from.Symbol, to.Symbol)
	}
	if from.LockedAmount.LessThan(amount) {
		return lockedShort(from, amount)
	}
	from.LockedAmount = from.LockedAmount.Sub(amount)
	to.Amount = to.Amount.Add(amount)
	return nil
}

func lockedShort(h *domain.Holding, amount decimal.Decimal) error {
	return fmt.Errorf("%w: account %d has %s %s locked, needs %s",
		domain.ErrInsufficientLockedAsset, h.AccountID, domain.FormatQuantity(h.LockedAmount), h.Symbol, domain.FormatQuantity(amount))
}
