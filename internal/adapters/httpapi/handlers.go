// Package httpapi exposes order placement over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order *saga.Order) bool
}

type OrderReader interface {
	Get(ctx context.Context, orderID string) (saga.Order, error)
}

// PlaceOrderResponse is the body of POST /api/orders.
type PlaceOrderResponse struct {
	OrderID    string      `json:"order_id"`
	Successful bool        `json:"successful"`
	Status     saga.Status `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Fields any    `json:"fields,omitempty"`
}

// OrderHandlers contains the order HTTP handlers.
type OrderHandlers struct {
	placer OrderPlacer
	reader OrderReader
	log    logr.Logger
}

// NewOrderHandlers constructs the order endpoints. Use RegisterRoutes or
// NewRouter to mount them.
func NewOrderHandlers(placer OrderPlacer, reader OrderReader, log logr.Logger) *OrderHandlers {
	return &OrderHandlers{placer: placer, reader: reader, log: log}
}

// PlaceOrder runs one saga. The saga outcome is reported in the body; only
// malformed requests are rejected.
func (h *OrderHandlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: err})
		return
	}

	order := req.Order()
	ok := h.placer.PlaceOrder(r.Context(), order)
	h.log.V(1).Info("order placed", "orderID", order.OrderID, "successful", ok, "status", order.Status.String())

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{
		OrderID:    order.OrderID,
		Successful: ok,
		Status:     order.Status,
	})
}

// GetOrder returns the persisted order.
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, err := h.reader.Get(r.Context(), orderID)
	switch {
	case errors.Is(err, saga.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.log.Error(err, "read order", "orderID", orderID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// RegisterRoutes registers order routes.
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/{id}", h.GetOrder)
	})
}

// NewRouter builds the public router. events, when non-nil, serves the
// websocket feed at /ws/events.
func NewRouter(h *OrderHandlers, events http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	h.RegisterRoutes(r)
	if events != nil {
		r.Method(http.MethodGet, "/ws/events", events)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
