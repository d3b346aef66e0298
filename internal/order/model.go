package order

import (
	"slices"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPacked    Status = "packed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliveryAssigned       DeliveryStatus = "assigned"
	DeliveryOutForDelivery DeliveryStatus = "out_for_delivery"
	DeliveryDelivered      DeliveryStatus = "delivered"
)

func (s DeliveryStatus) String() string {
	return string(s)
}

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCOD || m == PaymentOnline
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Line is an order line with the catalog snapshot taken at checkout.
type Line struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	ProductID uuid.UUID       `json:"product_id" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	Unit      string          `json:"unit" db:"unit"`
	Category  string          `json:"category" db:"category"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal" db:"subtotal"`
}

type StatusEntry struct {
	Status    Status    `json:"status" db:"status"`
	ActorID   uuid.UUID `json:"actor_id" db:"actor_id"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}

type DeliveryEntry struct {
	Status    DeliveryStatus `json:"status" db:"status"`
	ActorID   uuid.UUID      `json:"actor_id" db:"actor_id"`
	ChangedAt time.Time      `json:"changed_at" db:"changed_at"`
}

type Order struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	Lines           []Line          `json:"items" db:"-"`
	TotalAmount     decimal.Decimal `json:"total_amount" db:"total_amount"`
	ShippingAddress string          `json:"shipping_address" db:"shipping_address"`
	Notes           string          `json:"notes,omitempty" db:"notes"`

	Status        Status        `json:"status" db:"status"`
	PaymentMethod PaymentMethod `json:"payment_method" db:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`

	RiderID        *uuid.UUID     `json:"assigned_rider,omitempty" db:"rider_id"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" db:"delivery_status"`

	StatusHistory   []StatusEntry   `json:"status_history" db:"-"`
	DeliveryHistory []DeliveryEntry `json:"delivery_history" db:"-"`

	DeliveredAt        *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason string     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy, so decision functions never share state with their input.
func (o Order) Clone() Order {
	c := o
	c.Lines = slices.Clone(o.Lines)
	c.StatusHistory = slices.Clone(o.StatusHistory)
	c.DeliveryHistory = slices.Clone(o.DeliveryHistory)
	if o.RiderID != nil {
		id := *o.RiderID
		c.RiderID = &id
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return c
}

func (o Order) AssignedTo(riderID uuid.UUID) bool {
	return o.RiderID != nil && *o.RiderID == riderID
}
