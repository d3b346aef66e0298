// Package events publishes domain events after the state change that caused them commits.
package events

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	OrderCreated          Type = "order.created"
	OrderStatusChanged    Type = "order.statusChanged"
	OrderCancelled        Type = "order.cancelled"
	RiderAssigned         Type = "rider.assigned"
	DeliveryStatusChanged Type = "delivery.statusChanged"
	StockChanged          Type = "stock.changed"
)

func (t Type) String() string {
	return string(t)
}

// Event is one published fact. Audience lists the accounts a notification layer should reach.
type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       Type        `json:"type"`
	OrderID    uuid.UUID   `json:"order_id"`
	ProductID  uuid.UUID   `json:"product_id"`
	Audience   []uuid.UUID `json:"audience,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    any         `json:"payload"`
}

// Key groups events that must stay ordered: an order's events share its id.
func (e Event) Key() string {
	if e.OrderID != uuid.Nil {
		return e.OrderID.String()
	}
	return e.ProductID.String()
}

type OrderCreatedPayload struct {
	OrderID     uuid.UUID       `json:"orderId"`
	UserID      uuid.UUID       `json:"userId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

type OrderStatusChangedPayload struct {
	OrderID   uuid.UUID `json:"orderId"`
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
}

type OrderCancelledPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

type RiderAssignedPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	RiderID uuid.UUID `json:"riderId"`
}

type DeliveryStatusChangedPayload struct {
	OrderID        uuid.UUID `json:"orderId"`
	DeliveryStatus string    `json:"deliveryStatus"`
}

type StockChangedPayload struct {
	ProductID uuid.UUID `json:"productId"`
	OldStock  int       `json:"oldStock"`
	NewStock  int       `json:"newStock"`
}

// New stamps an event with a fresh id and time.
func New(t Type, orderID uuid.UUID, payload any, audience ...uuid.UUID) Event {
	return Event{
		ID:         uuid.Must(uuid.NewV4()),
		Type:       t,
		OrderID:    orderID,
		Audience:   audience,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func NewStockChanged(productID uuid.UUID, oldStock, newStock int) Event {
	e := New(StockChanged, uuid.Nil, StockChangedPayload{
		ProductID: productID,
		OldStock:  oldStock,
		NewStock:  newStock,
	})
	e.ProductID = productID
	return e
}

// Publisher is the only thing the core knows about event delivery.
// Publish never blocks on transport and never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink is a transport the Emitter forwards events to.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
