package handler

import (
	"net/http"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/service"
)

// AccountHandler handles HTTP requests for account endpoints.
type AccountHandler struct {
	accountSvc *service.AccountService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountSvc *service.AccountService) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc}
}

// openAccountRequest is the JSON request body for POST /accounts.
// Numbers may be sent as JSON numbers or strings.
type openAccountRequest struct {
	Balance  jsonDecimal    `json:"balance"`
	Holdings []holdingInput `json:"holdings"`
}

// holdingInput is a single holding in the open request.
type holdingInput struct {
	Symbol string      `json:"symbol"`
	Amount jsonDecimal `json:"amount"`
}

// profileResponse is the JSON response for GET /profile and POST /accounts.
type profileResponse struct {
	AccountID int64             `json:"account_id"`
	Balance   string            `json:"balance"`
	Assets    []holdingResponse `json:"assets"`
}

// holdingResponse is a single asset holding.
type holdingResponse struct {
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	LockedAmount string `json:"locked_amount"`
}

// Open handles POST /accounts.
func (h *AccountHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	holdings := make([]service.HoldingInput, len(req.Holdings))
	for i, hi := range req.Holdings {
		holdings[i] = service.HoldingInput{Symbol: hi.Symbol, Amount: string(hi.Amount)}
	}

	profile, err := h.accountSvc.Open(r.Context(), service.OpenAccountRequest{
		Balance:  string(req.Balance),
		Holdings: holdings,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildProfileResponse(profile))
}

// Profile handles GET /profile for the calling account.
func (h *AccountHandler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}

	profile, err := h.accountSvc.Profile(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildProfileResponse(profile))
}

func buildProfileResponse(p *service.Profile) profileResponse {
	assets := make([]holdingResponse, len(p.Holdings))
	for i, h := range p.Holdings {
		assets[i] = holdingResponse{
			Symbol:       h.Symbol,
			Amount:       domain.FormatQuantity(h.Amount),
			LockedAmount: domain.FormatQuantity(h.LockedAmount),
		}
	}
	return profileResponse{
		AccountID: p.AccountID,
		Balance:   domain.FormatQuantity(p.Balance),
		Assets:    assets,
	}
}
