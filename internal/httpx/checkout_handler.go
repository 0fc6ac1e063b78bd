package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/storefront-checkout/internal/checkout"
	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, in checkout.PlaceOrderInput) (*checkout.PlaceOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	OrderStatus(ctx context.Context, orderID string) (orders.StatusSnapshot, error)
	TransitionStatus(ctx context.Context, orderID string, to orders.Status, note string) (*orders.Order, error)
}

type CheckoutHandler struct {
	Service OrderService
	Log     *zap.Logger
}

type CheckoutReq struct {
	Shipping orders.ShippingInfo `json:"shipping"`
	Contact  orders.ContactInfo  `json:"contact"`
	Note     string              `json:"note,omitempty"`
}

type TransitionReq struct {
	Status orders.Status `json:"status"`
	Note   string        `json:"note,omitempty"`
}

type OrderItemResp struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
}

type HistoryResp struct {
	Status    orders.Status `json:"status"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type OrderResp struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Status    orders.Status       `json:"status"`
	Total     string              `json:"total"`
	Shipping  orders.ShippingInfo `json:"shipping"`
	Contact   orders.ContactInfo  `json:"contact"`
	Items     []OrderItemResp     `json:"items"`
	History   []HistoryResp       `json:"history"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Replayed  bool                `json:"replayed,omitempty"`
}

type errorResp struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Field     string `json:"field,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/status", h.transition)
}

func (h *CheckoutHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *CheckoutHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_json", Message: "request body is not valid JSON"})
		return
	}

	res, err := h.Service.PlaceOrder(r.Context(), checkout.PlaceOrderInput{
		UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Shipping:       req.Shipping,
		Contact:        req.Contact,
		Note:           req.Note,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := toOrderResp(res.Order)
	body.Replayed = res.Replayed
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", "/orders/"+res.Order.ID)
	writeJSON(w, code, body)
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !visibleTo(r, o.UserID) {
		h.writeError(w, r, orders.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *CheckoutHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.OrderStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !visibleTo(r, snap.UserID) {
		h.writeError(w, r, orders.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *CheckoutHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_json", Message: "request body is not valid JSON"})
		return
	}
	o, err := h.Service.TransitionStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *CheckoutHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *orders.ValidationError
		oos *orders.OutOfStockError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "validation", Message: ve.Error(), Field: ve.Field})
	case errors.Is(err, orders.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "validation", Message: err.Error()})
	case errors.Is(err, orders.ErrEmptyCart):
		writeJSON(w, http.StatusConflict, errorResp{Error: "empty_cart", Message: "cart is empty"})
	case errors.As(err, &oos):
		writeJSON(w, http.StatusConflict, errorResp{Error: "out_of_stock", Message: "insufficient stock", ProductID: oos.ProductID})
	case errors.Is(err, orders.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "conflict", Message: "please retry"})
	case errors.Is(err, orders.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not_found", Message: "order not found"})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResp{Error: "invalid_transition", Message: err.Error()})
	default:
		h.logger().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal", Message: "could not complete the request"})
	}
}

// visibleTo hides an order from identified callers other than its owner.
func visibleTo(r *http.Request, ownerID string) bool {
	uid := strings.TrimSpace(r.Header.Get(HeaderUserID))
	return uid == "" || uid == ownerID
}

func toOrderResp(o *orders.Order) OrderResp {
	items := make([]OrderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResp{
			ProductID: it.ProductID,
			Name:      it.Name,
			Image:     it.Image,
			Price:     it.Price.StringFixed(2),
			Quantity:  it.Quantity,
		})
	}
	history := make([]HistoryResp, 0, len(o.History))
	for _, h := range o.History {
		history = append(history, HistoryResp{Status: h.Status, Note: h.Note, CreatedAt: h.CreatedAt})
	}
	return OrderResp{
		ID:        o.ID,
		UserID:    o.UserID,
		Status:    o.Status,
		Total:     o.Total.StringFixed(2),
		Shipping:  o.Shipping,
		Contact:   o.Contact,
		Items:     items,
		History:   history,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}
