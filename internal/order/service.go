package order

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
	"github.com/vasiliy-maslov/grocery-service/internal/db"
	"github.com/vasiliy-maslov/grocery-service/internal/events"
	"github.com/vasiliy-maslov/grocery-service/internal/inventory"
	"github.com/vasiliy-maslov/grocery-service/internal/pricing"
)

// Actor is the authenticated caller as asserted by the upstream gateway.
type Actor struct {
	ID   uuid.UUID
	Role account.Role
}

type CreateInput struct {
	UserID          uuid.UUID
	Items           []pricing.Item
	ShippingAddress string
	PaymentMethod   PaymentMethod
	Notes           string
}

type Service interface {
	CreateOrder(ctx context.Context, in CreateInput) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID, actor Actor) (*Order, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, target Status, reason string, actor Actor) (*Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID, reason string, actor Actor) (*Order, error)
	AssignRider(ctx context.Context, id, riderID uuid.UUID, actor Actor) (*Order, error)
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, target DeliveryStatus, actor Actor) (*Order, error)
}

// RiderResolver checks that a reference is an active rider account.
type RiderResolver interface {
	ResolveRider(ctx context.Context, id uuid.UUID) (*account.Account, error)
}

type Metrics interface {
	OrderCreated()
	Transitioned(machine, status string)
}

type Deps struct {
	Repo       Repository
	Pricing    pricing.Service
	Ledger     inventory.Ledger
	Riders     RiderResolver
	Transactor db.Transactor
	Publisher  events.Publisher
	Metrics    Metrics
	Now        func() time.Time
}

type service struct {
	repo      Repository
	pricing   pricing.Service
	ledger    inventory.Ledger
	riders    RiderResolver
	tx        db.Transactor
	publisher events.Publisher
	metrics   Metrics
	now       func() time.Time
	locks     *keyedMutex
}

func NewService(deps Deps) Service {
	s := &service{
		repo:      deps.Repo,
		pricing:   deps.Pricing,
		ledger:    deps.Ledger,
		riders:    deps.Riders,
		tx:        deps.Transactor,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		now:       deps.Now,
		locks:     newKeyedMutex(),
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

type nopMetrics struct{}

func (nopMetrics) OrderCreated()                {}
func (nopMetrics) Transitioned(string, string) {}

func (s *service) CreateOrder(ctx context.Context, in CreateInput) (*Order, error) {
	const op = "order.CreateOrder"

	if problems := validateCreateInput(in); len(problems) > 0 {
		log.Warn().Stringer("user_id", in.UserID).Msg("service: attempt to create order with invalid input")
		return nil, apperror.Validation(op, problems...)
	}

	validation, err := s.pricing.Validate(ctx, in.Items)
	if err != nil {
		return nil, err
	}
	if !validation.OK() {
		log.Warn().Stringer("user_id", in.UserID).Int("problems", len(validation.Problems)).Msg("service: order lines rejected")
		return nil, apperror.InvalidLines(op, validation.Problems)
	}

	priced, err := s.pricing.PriceOrder(in.Items, validation.Products)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		UserID:          in.UserID,
		TotalAmount:     priced.Total,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		Notes:           strings.TrimSpace(in.Notes),
		Status:          StatusPending,
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   PaymentPending,
		DeliveryStatus:  DeliveryPending,
		StatusHistory:   []StatusEntry{{Status: StatusPending, ActorID: in.UserID, ChangedAt: now}},
		DeliveryHistory: []DeliveryEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	lines := make([]inventory.Line, 0, len(priced.Lines))
	for _, l := range priced.Lines {
		o.Lines = append(o.Lines, Line{
			ProductID: l.ProductID,
			Name:      l.Name,
			Unit:      l.Unit,
			Category:  l.Category,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  l.Subtotal,
		})
		lines = append(lines, inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.ledger.ReserveBatch(ctx, lines); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, o); err != nil {
			if errors.Is(err, ErrAmountOutOfRange) {
				return apperror.Validation(op, apperror.FieldProblem{Field: "items", Message: "order total is too large"})
			}
			log.Error().Err(err).Msg("service: failed to create order in repository")
			return apperror.Internal(op, err)
		}

		created := events.New(events.OrderCreated, o.ID, events.OrderCreatedPayload{
			OrderID:     o.ID,
			UserID:      o.UserID,
			TotalAmount: o.TotalAmount,
		}, o.UserID)
		db.AfterCommit(ctx, func() { s.publisher.Publish(context.WithoutCancel(ctx), created) })
		return nil
	})
	if err != nil {
		return nil, apperror.Internal(op, err)
	}

	s.metrics.OrderCreated()
	log.Info().Stringer("order_id", o.ID).Stringer("user_id", o.UserID).Str("total_amount", o.TotalAmount.String()).Msg("service: order created successfully")
	return o, nil
}

func validateCreateInput(in CreateInput) []apperror.FieldProblem {
	var problems []apperror.FieldProblem
	if in.UserID == uuid.Nil {
		problems = append(problems, apperror.FieldProblem{Field: "user_id", Message: "is required"})
	}
	if len(in.Items) == 0 {
		problems = append(problems, apperror.FieldProblem{Field: "items", Message: "at least one item is required"})
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		problems = append(problems, apperror.FieldProblem{Field: "shipping_address", Message: "is required"})
	}
	if !in.PaymentMethod.Valid() {
		problems = append(problems, apperror.FieldProblem{Field: "payment_method", Message: "must be one of: cod, online"})
	}
	return problems
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID, actor Actor) (*Order, error) {
	const op = "order.GetOrderByID"

	o, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.Role == account.RoleStaff:
	case actor.Role == account.RoleCustomer && o.UserID == actor.ID:
	case actor.Role == account.RoleRider && o.AssignedTo(actor.ID):
	default:
		log.Warn().Stringer("order_id", id).Stringer("actor_id", actor.ID).Msg("service: order read denied")
		return nil, apperror.Unauthorized(op, "not allowed to view this order")
	}
	return o, nil
}

func (s *service) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, apperror.Internal("order.GetOrdersByUserID", err)
	}
	return orders, nil
}

func (s *service) UpdateOrderStatus(ctx context.Context, id uuid.UUID, target Status, reason string, actor Actor) (*Order, error) {
	const op = "order.UpdateOrderStatus"

	if actor.Role != account.RoleStaff {
		return nil, apperror.Unauthorized(op, "only staff may change order status")
	}
	if !target.Valid() {
		return nil, apperror.Validation(op, apperror.FieldProblem{Field: "status", Message: "unknown status"})
	}

	return s.mutate(ctx, op, id, func(o Order) (Order, Effects, error) {
		return Transition(o, target, actor.ID, strings.TrimSpace(reason), s.now())
	})
}

// CancelOrder is the customer path: own orders only, and only before packing.
func (s *service) CancelOrder(ctx context.Context, id uuid.UUID, reason string, actor Actor) (*Order, error) {
	const op = "order.CancelOrder"

	if actor.Role == account.RoleStaff {
		return s.UpdateOrderStatus(ctx, id, StatusCancelled, reason, actor)
	}

	return s.mutate(ctx, op, id, func(o Order) (Order, Effects, error) {
		if actor.Role != account.RoleCustomer || o.UserID != actor.ID {
			return o, Effects{}, apperror.Unauthorized(op, "only the order owner may cancel it")
		}
		if o.Status.Terminal() {
			return o, Effects{}, apperror.InvalidTransition(op, machineOrder, string(o.Status), string(StatusCancelled))
		}
		if o.Status != StatusPending && o.Status != StatusConfirmed {
			return o, Effects{}, apperror.Unauthorized(op, "orders can only be cancelled before they are packed")
		}
		return Transition(o, StatusCancelled, actor.ID, strings.TrimSpace(reason), s.now())
	})
}

func (s *service) AssignRider(ctx context.Context, id, riderID uuid.UUID, actor Actor) (*Order, error) {
	const op = "order.AssignRider"

	if actor.Role != account.RoleStaff {
		return nil, apperror.Unauthorized(op, "only staff may assign riders")
	}
	if _, err := s.riders.ResolveRider(ctx, riderID); err != nil {
		return nil, err
	}

	return s.mutate(ctx, op, id, func(o Order) (Order, Effects, error) {
		return AssignRider(o, riderID, actor.ID, s.now())
	})
}

func (s *service) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, target DeliveryStatus, actor Actor) (*Order, error) {
	const op = "order.UpdateDeliveryStatus"

	if actor.Role != account.RoleRider {
		return nil, apperror.Unauthorized(op, "only riders may update delivery status")
	}
	if !target.Valid() {
		return nil, apperror.Validation(op, apperror.FieldProblem{Field: "delivery_status", Message: "unknown delivery status"})
	}

	return s.mutate(ctx, op, id, func(o Order) (Order, Effects, error) {
		return UpdateDeliveryStatus(o, target, actor.ID, s.now())
	})
}

func (s *service) load(ctx context.Context, op string, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, apperror.NotFound(op, "order", id)
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, apperror.Internal(op, err)
	}
	return o, nil
}

// mutate reads the current order, lets decide compute the next one, and
// persists it with its stock releases in one unit of work. Events go out
// after commit while the per-order lock is still held, keeping them in
// commit order.
func (s *service) mutate(ctx context.Context, op string, id uuid.UUID, decide func(Order) (Order, Effects, error)) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		prev   Order
		result Order
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.load(ctx, op, id)
		if err != nil {
			return err
		}
		prev = *current

		next, eff, err := decide(current.Clone())
		if err != nil {
			return err
		}

		if err := s.repo.Update(ctx, current, &next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return apperror.Conflict(op, "order was modified concurrently, reload and retry")
			}
			log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to update order in repository")
			return apperror.Internal(op, err)
		}

		db.AfterCommit(ctx, func() {
			pubCtx := context.WithoutCancel(ctx)
			for _, e := range eff.Events {
				s.publisher.Publish(pubCtx, e)
			}
		})

		// Same product ID order as ReserveBatch, so a cancel and a checkout lock rows alike.
		slices.SortStableFunc(eff.Releases, func(a, b Release) int {
			return bytes.Compare(a.ProductID[:], b.ProductID[:])
		})
		for _, r := range eff.Releases {
			if _, err := s.ledger.Release(ctx, r.ProductID, r.Quantity); err != nil {
				log.Error().Err(err).Stringer("order_id", id).Stringer("product_id", r.ProductID).Msg("service: failed to restore stock, aborting")
				return err
			}
		}

		result = next
		return nil
	})
	if err != nil {
		if e, ok := apperror.As(err); ok && e.Kind != apperror.KindInternal {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order change rejected")
		}
		return nil, apperror.Internal(op, err)
	}

	s.observe(prev, result)
	log.Info().
		Stringer("order_id", id).
		Stringer("old_status", prev.Status).
		Stringer("new_status", result.Status).
		Stringer("delivery_status", result.DeliveryStatus).
		Msg("service: order updated successfully")
	return &result, nil
}

func (s *service) observe(prev, next Order) {
	for _, h := range tailStatus(prev.StatusHistory, next.StatusHistory) {
		s.metrics.Transitioned(machineOrder, string(h.Status))
	}
	for _, h := range tailDelivery(prev.DeliveryHistory, next.DeliveryHistory) {
		s.metrics.Transitioned(machineDelivery, string(h.Status))
	}
}
