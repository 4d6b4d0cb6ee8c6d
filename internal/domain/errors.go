package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrAccountNotFound         = errors.New("account_not_found")
	ErrHoldingNotFound         = errors.New("holding_not_found")
	ErrOrderNotFound           = errors.New("order_not_found")
	ErrInsufficientFunds       = errors.New("insufficient_funds")
	ErrInsufficientAsset       = errors.New("insufficient_asset")
	ErrInsufficientLockedAsset = errors.New("insufficient_locked_asset")
	ErrOrderNotOwned           = errors.New("order_not_owned")
	ErrOrderNotOpen            = errors.New("order_not_open")
	ErrInvalidTransition       = errors.New("invalid_transition")
	ErrNegativeAmount          = errors.New("negative_amount")
	// ErrCounterpartyFunds rejects a sell whose resting counter buy cannot
	// pay the commission.
	ErrCounterpartyFunds       = errors.New("counterparty_insufficient_funds")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InternalError marks a broken invariant that needs operator attention.
// It is never a user-correctable rejection.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return "internal consistency error in " + e.Op + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
