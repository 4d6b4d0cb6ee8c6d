package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

var symbolRegex = regexp.MustCompile(`^[A-Z]{1,10}$`)

// OpenAccountRequest represents the input for opening an account.
type OpenAccountRequest struct {
	Balance  string
	Holdings []HoldingInput
}

// HoldingInput represents a single initial holding.
type HoldingInput struct {
	Symbol string
	Amount string
}

// Profile is an account's balance and holdings.
type Profile struct {
	AccountID int64
	Balance   decimal.Decimal
	Holdings  []domain.Holding
}

// AccountService handles account creation and profile queries.
type AccountService struct {
	store  store.Store
	logger *zap.Logger
}

// NewAccountService creates a new AccountService.
func NewAccountService(s store.Store, logger *zap.Logger) *AccountService {
	return &AccountService{store: s, logger: logger.Named("accounts")}
}

// Open validates the request and creates an account with the given fiat
// balance and free holdings.
func (s *AccountService) Open(ctx context.Context, req OpenAccountRequest) (*Profile, error) {
	balance := decimal.Zero
	if strings.TrimSpace(req.Balance) != "" {
		b, err := parseNonNegative("balance", req.Balance)
		if err != nil {
			return nil, err
		}
		balance = b
	}

	seen := make(map[string]bool, len(req.Holdings))
	holdings := make([]domain.Holding, 0, len(req.Holdings))
	for _, h := range req.Holdings {
		symbol := normaliseSymbol(h.Symbol)
		if !symbolRegex.MatchString(symbol) {
			return nil, &domain.ValidationError{
				Message: fmt.Sprintf("holding symbol must match ^[A-Z]{1,10}$, got %q", h.Symbol),
			}
		}
		if seen[symbol] {
			return nil, &domain.ValidationError{
				Message: fmt.Sprintf("duplicate symbol in holdings: %s", symbol),
			}
		}
		seen[symbol] = true
		amount, err := parseNonNegative("holding amount", h.Amount)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, domain.Holding{Symbol: symbol, Amount: amount})
	}

	account := &domain.Account{Balance: balance}
	if err := s.store.CreateAccount(ctx, account, holdings); err != nil {
		return nil, err
	}
	s.logger.Info("account opened",
		zap.Int64("account_id", account.ID),
		zap.String("balance", domain.FormatQuantity(balance)),
		zap.Int("holdings", len(holdings)))
	return s.Profile(ctx, account.ID)
}

// Profile returns the account's balance and holdings.
func (s *AccountService) Profile(ctx context.Context, accountID int64) (*Profile, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Profile{AccountID: account.ID, Balance: account.Balance, Holdings: holdings}, nil
}

func normaliseSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func parseNonNegative(field, raw string) (decimal.Decimal, error) {
	d, err := domain.ParseQuantity(raw)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Message: fmt.Sprintf("%s: %v", field, err)}
	}
	if d.IsNegative() {
		return decimal.Zero, &domain.ValidationError{Message: field + " must be >= 0"}
	}
	return d, nil
}

// parsePositive accepts values of at least one unit at Scale.
func parsePositive(field, raw string) (decimal.Decimal, error) {
	d, err := domain.ParseQuantity(raw)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Message: fmt.Sprintf("%s: %v", field, err)}
	}
	if d.LessThan(domain.MinQuantity) {
		return decimal.Zero, &domain.ValidationError{
			Message: fmt.Sprintf("%s must be at least %s", field, domain.MinQuantity.String()),
		}
	}
	return d, nil
}
