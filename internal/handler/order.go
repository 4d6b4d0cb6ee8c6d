package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/service"
)

const timeFormat = "2006-01-02T15:04:05Z"

// jsonDecimal accepts a decimal as either a JSON number or a JSON string
// and keeps its exact text for the service to parse.
type jsonDecimal string

func (d *jsonDecimal) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*d = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = jsonDecimal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = jsonDecimal(n.String())
	return nil
}

// OrderHandler handles HTTP requests for order and trade endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// placeOrderRequest is the JSON request body for POST /orders.
type placeOrderRequest struct {
	Symbol string      `json:"symbol"`
	Side   string      `json:"side"`
	Price  jsonDecimal `json:"price"`
	Amount jsonDecimal `json:"amount"`
}

type orderResponse struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

type tradeResponse struct {
	ID          int64  `json:"id"`
	BuyOrderID  int64  `json:"buy_order_id"`
	SellOrderID int64  `json:"sell_order_id"`
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Commission  string `json:"commission"`
	CreatedAt   string `json:"created_at"`
}

type tradeListResponse struct {
	Trades []tradeResponse `json:"trades"`
}

// PlaceOrder handles POST /orders for the calling account.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}
	var req placeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.orderSvc.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		AccountID: id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     string(req.Price),
		Amount:    string(req.Amount),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildOrderResponse(order))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orderSvc.GetOrder(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles POST /orders/{order_id}/cancel for the calling account.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(r)
	if !ok {
		writeUnauthenticated(w)
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orderSvc.CancelOrder(r.Context(), id, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// ListOrders handles GET /orders. Query parameters: symbol, status,
// account, page (default 1) and limit (default 50).
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var accountID int64
	if raw := q.Get("account"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, http.StatusBadRequest, "validation_error", "account must be a positive integer")
			return
		}
		accountID = id
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	orders, total, err := h.orderSvc.ListOrders(r.Context(), service.ListOrdersRequest{
		AccountID: accountID,
		Symbol:    q.Get("symbol"),
		Status:    q.Get("status"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := orderListResponse{
		Orders: make([]orderResponse, len(orders)),
		Total:  total,
		Page:   page,
		Limit:  limit,
	}
	for i, o := range orders {
		resp.Orders[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListTrades handles GET /trades. Query parameters: symbol, limit
// (default 50).
func (h *OrderHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	trades, err := h.orderSvc.ListTrades(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := tradeListResponse{Trades: make([]tradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = tradeResponse{
			ID:          t.ID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Symbol:      t.Symbol,
			Price:       domain.FormatQuantity(t.Price),
			Amount:      domain.FormatQuantity(t.Amount),
			Commission:  domain.FormatQuantity(t.Commission),
			CreatedAt:   formatTime(t.CreatedAt),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "order_id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusNotFound, "order_not_found", "Order not found")
		return 0, false
	}
	return id, true
}

func buildOrderResponse(o *domain.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Price:     domain.FormatQuantity(o.Price),
		Amount:    domain.FormatQuantity(o.Amount),
		Status:    string(o.Status),
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
