package order

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
	"github.com/vasiliy-maslov/grocery-service/internal/events"
)

const (
	machineOrder    = "order"
	machineDelivery = "delivery"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusPacked:    true,
		StatusCancelled: true,
	},
	StatusPacked: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

var allowedDeliveryTransitions = map[DeliveryStatus]map[DeliveryStatus]bool{
	DeliveryPending: {
		DeliveryAssigned: true,
	},
	DeliveryAssigned: {
		DeliveryOutForDelivery: true,
	},
	DeliveryOutForDelivery: {
		DeliveryDelivered: true,
	},
	DeliveryDelivered: {},
}

// rank orders primary statuses along the happy path.
var rank = map[Status]int{
	StatusPending:   0,
	StatusConfirmed: 1,
	StatusPacked:    2,
	StatusShipped:   3,
	StatusDelivered: 4,
}

func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

func CanTransitionDelivery(from, to DeliveryStatus) bool {
	return allowedDeliveryTransitions[from][to]
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(allowedTransitions[s]) == 0
}

func (s DeliveryStatus) Valid() bool {
	_, ok := allowedDeliveryTransitions[s]
	return ok
}

// Release asks the ledger to give stock back.
type Release struct {
	ProductID uuid.UUID
	Quantity  int
}

// Effects are applied by the caller in the same unit of work that persists the new order.
type Effects struct {
	Releases []Release
	Events   []events.Event
}

func (e *Effects) merge(other Effects) {
	e.Releases = append(e.Releases, other.Releases...)
	e.Events = append(e.Events, other.Events...)
}

// Transition decides a primary status change requested by actor.
func Transition(o Order, to Status, actorID uuid.UUID, reason string, now time.Time) (Order, Effects, error) {
	if !CanTransition(o.Status, to) {
		return o, Effects{}, apperror.InvalidTransition("order.Transition", machineOrder, string(o.Status), string(to))
	}
	next := o.Clone()
	eff := enterStatus(&next, to, actorID, reason, now)
	return next, eff, nil
}

// enterStatus moves next into status to without consulting the table and
// applies the side effects of arriving there.
func enterStatus(next *Order, to Status, actorID uuid.UUID, reason string, now time.Time) Effects {
	from := next.Status
	next.Status = to
	next.StatusHistory = append(next.StatusHistory, StatusEntry{Status: to, ActorID: actorID, ChangedAt: now})
	next.UpdatedAt = now

	eff := Effects{
		Events: []events.Event{
			events.New(events.OrderStatusChanged, next.ID, events.OrderStatusChangedPayload{
				OrderID:   next.ID,
				OldStatus: string(from),
				NewStatus: string(to),
			}, next.audience()...),
		},
	}

	switch to {
	case StatusDelivered:
		t := now
		next.DeliveredAt = &t
		if next.PaymentMethod == PaymentCOD {
			next.PaymentStatus = PaymentPaid
		}
	case StatusCancelled:
		t := now
		next.CancelledAt = &t
		next.CancellationReason = reason
		if next.PaymentStatus == PaymentPaid {
			next.PaymentStatus = PaymentRefunded
		}
		for _, l := range next.Lines {
			eff.Releases = append(eff.Releases, Release{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		eff.Events = append(eff.Events, events.New(events.OrderCancelled, next.ID, events.OrderCancelledPayload{
			OrderID: next.ID,
			Reason:  reason,
		}, next.audience()...))
	}

	return eff
}

// AssignRider decides a rider assignment. It never touches the primary status.
func AssignRider(o Order, riderID, actorID uuid.UUID, now time.Time) (Order, Effects, error) {
	const op = "order.AssignRider"

	if o.Status == StatusCancelled || o.Status == StatusDelivered {
		e := apperror.InvalidTransition(op, machineOrder, string(o.Status), string(DeliveryAssigned))
		e.Message = fmt.Sprintf("cannot assign a rider to a %s order", o.Status)
		return o, Effects{}, e
	}
	if !CanTransitionDelivery(o.DeliveryStatus, DeliveryAssigned) {
		return o, Effects{}, apperror.InvalidTransition(op, machineDelivery, string(o.DeliveryStatus), string(DeliveryAssigned))
	}

	next := o.Clone()
	rider := riderID
	next.RiderID = &rider
	next.DeliveryStatus = DeliveryAssigned
	next.DeliveryHistory = append(next.DeliveryHistory, DeliveryEntry{Status: DeliveryAssigned, ActorID: actorID, ChangedAt: now})
	next.UpdatedAt = now

	eff := Effects{
		Events: []events.Event{
			events.New(events.RiderAssigned, next.ID, events.RiderAssignedPayload{
				OrderID: next.ID,
				RiderID: riderID,
			}, riderID, next.UserID),
		},
	}
	return next, eff, nil
}

// UpdateDeliveryStatus decides a rider's delivery progress and applies the
// coupling to the primary status.
func UpdateDeliveryStatus(o Order, to DeliveryStatus, riderID uuid.UUID, now time.Time) (Order, Effects, error) {
	const op = "order.UpdateDeliveryStatus"

	if !o.AssignedTo(riderID) {
		return o, Effects{}, apperror.Unauthorized(op, "rider is not assigned to this order")
	}
	if o.Status == StatusCancelled {
		e := apperror.InvalidTransition(op, machineOrder, string(o.Status), string(to))
		e.Message = "order is cancelled"
		return o, Effects{}, e
	}
	if !CanTransitionDelivery(o.DeliveryStatus, to) {
		return o, Effects{}, apperror.InvalidTransition(op, machineDelivery, string(o.DeliveryStatus), string(to))
	}

	next := o.Clone()
	next.DeliveryStatus = to
	next.DeliveryHistory = append(next.DeliveryHistory, DeliveryEntry{Status: to, ActorID: riderID, ChangedAt: now})
	next.UpdatedAt = now

	eff := Effects{
		Events: []events.Event{
			events.New(events.DeliveryStatusChanged, next.ID, events.DeliveryStatusChangedPayload{
				OrderID:        next.ID,
				DeliveryStatus: string(to),
			}, next.UserID, riderID),
		},
	}

	if forced, ok := coupledStatus(next.Status, to); ok {
		eff.merge(enterStatus(&next, forced, riderID, "", now))
	}
	return next, eff, nil
}

// coupledStatus is the one rule linking the two machines: leaving for
// delivery means the order has shipped, and a delivered handoff means the
// order is delivered.
func coupledStatus(current Status, delivery DeliveryStatus) (Status, bool) {
	switch delivery {
	case DeliveryOutForDelivery:
		if rank[current] < rank[StatusShipped] {
			return StatusShipped, true
		}
	case DeliveryDelivered:
		if current != StatusDelivered {
			return StatusDelivered, true
		}
	}
	return "", false
}

func (o Order) audience() []uuid.UUID {
	if o.RiderID != nil {
		return []uuid.UUID{o.UserID, *o.RiderID}
	}
	return []uuid.UUID{o.UserID}
}
