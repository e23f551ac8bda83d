package http

import (
	"encoding/json"
	"net/http"
	"time"

	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/models"
	"EPaymentGateway/internal/services"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	Orders *services.OrderService
	Logger *zap.Logger
}

type createOrderRequest struct {
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	ExpiresInMinutes *int   `json:"expiresInMinutes"`
}

type orderResponse struct {
	OrderID               string `json:"orderId"`
	MerchantID            string `json:"merchantId"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	DepositAddress        string `json:"depositAddress"`
	Status                string `json:"status"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"requiredConfirmations,omitempty"`
	AwaitingConfirmation  bool   `json:"awaitingConfirmation"`
	Received              string `json:"received,omitempty"`
	Surplus               string `json:"surplus,omitempty"`
	TxHash                string `json:"txHash,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
	ExpiresAt             string `json:"expiresAt"`
	PaidAt                string `json:"paidAt,omitempty"`
	CreatedAt             string `json:"createdAt"`
}

type listOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
}

func NewHandler(orders *services.OrderService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orders: orders, Logger: logger}
}

// toResponse renders order. Received and Surplus are in display units and
// omitted while nothing has been credited.
func (h *Handler) toResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:        order.OrderID,
		MerchantID:     order.MerchantID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		DepositAddress: order.DepositAddress,
		Status:         string(order.Status),
		Confirmations:  order.Confirmations,
		ExpiresAt:      order.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:      order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.UTC().Format(time.RFC3339)
	}
	if order.TxHash != nil {
		resp.TxHash = *order.TxHash
	}
	if order.FailureReason != nil {
		resp.FailureReason = *order.FailureReason
	}
	if cur, err := h.Orders.Currencies.Lookup(order.Currency); err == nil {
		resp.Received = creditedAmount(cur, order.ReceivedBase)
		resp.Surplus = creditedAmount(cur, order.SurplusBase)
	}
	return resp
}

func creditedAmount(cur currency.Currency, base string) string {
	v, ok := currency.ParseBase(base)
	if !ok || v.Sign() == 0 {
		return ""
	}
	return cur.FromBase(v)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("invalid json body"))
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), MerchantID(r.Context()), req.Amount, req.Currency, req.ExpiresInMinutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := h.toResponse(order)
	if cur, err := h.Orders.Currencies.Lookup(order.Currency); err == nil {
		resp.RequiredConfirmations = cur.Confirmations
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		h.writeError(w, r, apperr.Validation("missing order id"))
		return
	}

	details, err := h.Orders.GetOrderDetails(r.Context(), MerchantID(r.Context()), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := h.toResponse(details.Order)
	resp.AwaitingConfirmation = details.AwaitingConfirmation
	resp.RequiredConfirmations = details.RequiredConfirmations
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.ListOrders(r.Context(), MerchantID(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := listOrdersResponse{Orders: make([]orderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, h.toResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}
