package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/order"
	"github.com/vasiliy-maslov/grocery-service/internal/pricing"
)

type OrderItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress string             `json:"shipping_address" validate:"required,max=500"`
	PaymentMethod   string             `json:"payment_method" validate:"required,oneof=cod online"`
	Notes           string             `json:"notes" validate:"max=1000"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed packed shipped delivered cancelled"`
	Reason string `json:"reason" validate:"max=500"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type AssignRiderRequest struct {
	RiderID uuid.UUID `json:"rider_id" validate:"required"`
}

type UpdateDeliveryRequest struct {
	DeliveryStatus string `json:"delivery_status" validate:"required,oneof=pending assigned out_for_delivery delivered"`
}

type OrderLineResponse struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type OrderResponse struct {
	ID                 uuid.UUID             `json:"id"`
	UserID             uuid.UUID             `json:"user_id"`
	Items              []OrderLineResponse   `json:"items"`
	TotalAmount        decimal.Decimal       `json:"total_amount"`
	ShippingAddress    string                `json:"shipping_address"`
	Notes              string                `json:"notes,omitempty"`
	Status             string                `json:"status"`
	PaymentMethod      string                `json:"payment_method"`
	PaymentStatus      string                `json:"payment_status"`
	AssignedRider      *uuid.UUID            `json:"assigned_rider,omitempty"`
	DeliveryStatus     string                `json:"delivery_status"`
	StatusHistory      []order.StatusEntry   `json:"status_history"`
	DeliveryHistory    []order.DeliveryEntry `json:"delivery_history"`
	DeliveredAt        *time.Time            `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time            `json:"cancelled_at,omitempty"`
	CancellationReason string                `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func toOrderResponse(o *order.Order) OrderResponse {
	items := make([]OrderLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, OrderLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Unit:      l.Unit,
			Category:  l.Category,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  l.Subtotal,
		})
	}
	statusHistory := o.StatusHistory
	if statusHistory == nil {
		statusHistory = []order.StatusEntry{}
	}
	deliveryHistory := o.DeliveryHistory
	if deliveryHistory == nil {
		deliveryHistory = []order.DeliveryEntry{}
	}

	return OrderResponse{
		ID:                 o.ID,
		UserID:             o.UserID,
		Items:              items,
		TotalAmount:        o.TotalAmount,
		ShippingAddress:    o.ShippingAddress,
		Notes:              o.Notes,
		Status:             o.Status.String(),
		PaymentMethod:      string(o.PaymentMethod),
		PaymentStatus:      string(o.PaymentStatus),
		AssignedRider:      o.RiderID,
		DeliveryStatus:     o.DeliveryStatus.String(),
		StatusHistory:      statusHistory,
		DeliveryHistory:    deliveryHistory,
		DeliveredAt:        o.DeliveredAt,
		CancelledAt:        o.CancelledAt,
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(RequireActor)
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleListOrders)
		r.Get("/orders/{id}", h.handleGetOrderByID)
		r.Post("/orders/{id}/cancel", h.handleCancelOrder)
		r.Patch("/orders/{id}/status", h.handleUpdateStatus)
		r.Post("/orders/{id}/rider", h.handleAssignRider)
		r.Patch("/orders/{id}/delivery", h.handleUpdateDelivery)
	})
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("order_id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return uuid.Nil, false
	}
	return id, true
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != account.RoleCustomer {
		respondWithError(w, http.StatusForbidden, "Only customers can place orders")
		return
	}

	var req CreateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &req, false) {
		return
	}

	items := make([]pricing.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, pricing.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	created, err := h.service.CreateOrder(r.Context(), order.CreateInput{
		UserID:          actor.ID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   order.PaymentMethod(req.PaymentMethod),
		Notes:           req.Notes,
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, toOrderResponse(created))
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())

	orders, err := h.service.GetOrdersByUserID(r.Context(), actor.ID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	resp := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetOrderByID(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOrderResponse(found))
}

func (h *OrderHandler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var req CancelOrderRequest
	if !decodeAndValidate(w, r, h.validate, &req, true) {
		return
	}

	updated, err := h.service.CancelOrder(r.Context(), id, req.Reason, actorFrom(r.Context()))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOrderResponse(updated))
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req, false) {
		return
	}

	updated, err := h.service.UpdateOrderStatus(r.Context(), id, order.Status(req.Status), req.Reason, actorFrom(r.Context()))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOrderResponse(updated))
}

func (h *OrderHandler) handleAssignRider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var req AssignRiderRequest
	if !decodeAndValidate(w, r, h.validate, &req, false) {
		return
	}

	updated, err := h.service.AssignRider(r.Context(), id, req.RiderID, actorFrom(r.Context()))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOrderResponse(updated))
}

func (h *OrderHandler) handleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	var req UpdateDeliveryRequest
	if !decodeAndValidate(w, r, h.validate, &req, false) {
		return
	}

	updated, err := h.service.UpdateDeliveryStatus(r.Context(), id, order.DeliveryStatus(req.DeliveryStatus), actorFrom(r.Context()))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toOrderResponse(updated))
}
