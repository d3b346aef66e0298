package order_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
	"github.com/vasiliy-maslov/grocery-service/internal/db"
	"github.com/vasiliy-maslov/grocery-service/internal/events"
	"github.com/vasiliy-maslov/grocery-service/internal/inventory"
	"github.com/vasiliy-maslov/grocery-service/internal/order"
	"github.com/vasiliy-maslov/grocery-service/internal/pricing"
)

// flakyStock fails increments on demand so cancellation rollback can be observed.
type flakyStock struct {
	*catalog.MemoryRepository
	failIncrement atomic.Bool
}

func (f *flakyStock) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (catalog.StockChange, error) {
	if f.failIncrement.Load() {
		return catalog.StockChange{}, errors.New("disk full")
	}
	return f.MemoryRepository.IncrementStock(ctx, id, quantity)
}

// stealingRepo lets another writer win the race between read and write once.
type stealingRepo struct {
	*order.MemoryRepository
	steal    atomic.Bool
	overflow atomic.Bool
}

func (r *stealingRepo) Create(ctx context.Context, o *order.Order) error {
	if r.overflow.Load() {
		return order.ErrAmountOutOfRange
	}
	return r.MemoryRepository.Create(ctx, o)
}

func (r *stealingRepo) Update(ctx context.Context, prev, next *order.Order) error {
	if r.steal.CompareAndSwap(true, false) {
		winner := prev.Clone()
		if err := r.MemoryRepository.Update(context.Background(), prev, &winner); err != nil {
			return err
		}
	}
	return r.MemoryRepository.Update(ctx, prev, next)
}

type env struct {
	catalog  *flakyStock
	accounts *account.MemoryRepository
	orders   *stealingRepo
	recorder *events.Recorder
	svc      order.Service

	customer order.Actor
	staff    order.Actor
	rider    order.Actor
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		catalog:  &flakyStock{MemoryRepository: catalog.NewMemoryRepository()},
		accounts: account.NewMemoryRepository(),
		orders:   &stealingRepo{MemoryRepository: order.NewMemoryRepository()},
		recorder: events.NewRecorder(),
	}
	tx := db.NewMemoryTransactor()

	ledger := inventory.NewLedger(inventory.Deps{Store: e.catalog, Transactor: tx, Publisher: e.recorder})
	e.svc = order.NewService(order.Deps{
		Repo:       e.orders,
		Pricing:    pricing.NewService(e.catalog),
		Ledger:     ledger,
		Riders:     account.NewService(e.accounts),
		Transactor: tx,
		Publisher:  e.recorder,
	})

	e.customer = order.Actor{ID: e.account(t, "Chloe", account.RoleCustomer, true), Role: account.RoleCustomer}
	e.staff = order.Actor{ID: e.account(t, "Sam", account.RoleStaff, true), Role: account.RoleStaff}
	e.rider = order.Actor{ID: e.account(t, "Ravi", account.RoleRider, true), Role: account.RoleRider}
	return e
}

func (e *env) account(t *testing.T, name string, role account.Role, active bool) uuid.UUID {
	t.Helper()
	a := &account.Account{Name: name, Role: role, IsActive: active}
	require.NoError(t, e.accounts.Create(context.Background(), a))
	return a.ID
}

func (e *env) product(t *testing.T, name, price string, stock int) uuid.UUID {
	t.Helper()
	p := &catalog.Product{Name: name, Unit: "kg", Category: "produce", Price: decimal.RequireFromString(price), Stock: stock, IsActive: true}
	require.NoError(t, e.catalog.Create(context.Background(), p))
	return p.ID
}

func (e *env) stock(t *testing.T, id uuid.UUID) int {
	t.Helper()
	p, err := e.catalog.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (e *env) checkout(t *testing.T, method order.PaymentMethod, items ...pricing.Item) *order.Order {
	t.Helper()
	o, err := e.svc.CreateOrder(context.Background(), order.CreateInput{
		UserID:          e.customer.ID,
		Items:           items,
		ShippingAddress: "12 Orchard Lane",
		PaymentMethod:   method,
	})
	require.NoError(t, err)
	return o
}

func (e *env) advance(t *testing.T, id uuid.UUID, statuses ...order.Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := e.svc.UpdateOrderStatus(context.Background(), id, s, "", e.staff)
		require.NoError(t, err, "transition to %s", s)
	}
}

func TestOrderService_EndToEndDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "50", 10)

	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 4})
	assert.Equal(t, "200", o.TotalAmount.String())
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.DeliveryPending, o.DeliveryStatus)
	assert.Len(t, o.StatusHistory, 1)
	assert.Equal(t, 6, e.stock(t, apple))

	e.advance(t, o.ID, order.StatusConfirmed, order.StatusPacked, order.StatusShipped)

	_, err := e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.staff)
	require.NoError(t, err)

	_, err = e.svc.UpdateDeliveryStatus(ctx, o.ID, order.DeliveryOutForDelivery, e.rider)
	require.NoError(t, err)
	final, err := e.svc.UpdateDeliveryStatus(ctx, o.ID, order.DeliveryDelivered, e.rider)
	require.NoError(t, err)

	assert.Equal(t, order.StatusDelivered, final.Status)
	assert.Equal(t, order.DeliveryDelivered, final.DeliveryStatus)
	assert.Equal(t, order.PaymentPaid, final.PaymentStatus)
	require.NotNil(t, final.DeliveredAt)
	assert.Equal(t, 6, e.stock(t, apple))

	stored, err := e.svc.GetOrderByID(ctx, o.ID, e.customer)
	require.NoError(t, err)
	assert.Equal(t, final.Version, stored.Version)
	assert.Len(t, stored.StatusHistory, 5)
	assert.Len(t, stored.DeliveryHistory, 3)

	assert.Equal(t, []events.Type{
		events.StockChanged,
		events.OrderCreated,
		events.OrderStatusChanged,
		events.OrderStatusChanged,
		events.OrderStatusChanged,
		events.RiderAssigned,
		events.DeliveryStatusChanged,
		events.DeliveryStatusChanged,
		events.OrderStatusChanged,
	}, e.recorder.Types())
}

func TestOrderService_EndToEndCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "50", 10)

	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 4})
	e.advance(t, o.ID, order.StatusConfirmed)

	cancelled, err := e.svc.CancelOrder(ctx, o.ID, "changed mind", e.customer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed mind", cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 10, e.stock(t, apple))

	_, err = e.svc.CancelOrder(ctx, o.ID, "again", e.customer)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)
	_, err = e.svc.UpdateOrderStatus(ctx, o.ID, order.StatusPacked, "", e.staff)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)
	_, err = e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.staff)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.Equal(t, 10, e.stock(t, apple))
}

func TestOrderService_CancellationRestoresExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p1 := e.product(t, "P1", "3.50", 10)
	p2 := e.product(t, "P2", "1.25", 10)

	o := e.checkout(t, order.PaymentOnline,
		pricing.Item{ProductID: p1, Quantity: 3},
		pricing.Item{ProductID: p2, Quantity: 2},
	)
	assert.Equal(t, 7, e.stock(t, p1))
	assert.Equal(t, 8, e.stock(t, p2))

	_, err := e.svc.UpdateOrderStatus(ctx, o.ID, order.StatusCancelled, "out of area", e.staff)
	require.NoError(t, err)
	assert.Equal(t, 10, e.stock(t, p1))
	assert.Equal(t, 10, e.stock(t, p2))

	_, err = e.svc.UpdateOrderStatus(ctx, o.ID, order.StatusCancelled, "", e.staff)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.Equal(t, 10, e.stock(t, p1))
	assert.Equal(t, 10, e.stock(t, p2))
}

func TestOrderService_CancellationFailsWhenStockCannotBeRestored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p1 := e.product(t, "P1", "2", 10)
	p2 := e.product(t, "P2", "2", 10)

	o := e.checkout(t, order.PaymentCOD,
		pricing.Item{ProductID: p1, Quantity: 3},
		pricing.Item{ProductID: p2, Quantity: 2},
	)
	e.recorder.Reset()

	e.catalog.failIncrement.Store(true)
	_, err := e.svc.CancelOrder(ctx, o.ID, "", e.customer)
	require.ErrorIs(t, err, apperror.ErrInternal)
	e.catalog.failIncrement.Store(false)

	stored, err := e.svc.GetOrderByID(ctx, o.ID, e.staff)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.Status)
	assert.Len(t, stored.StatusHistory, 1)
	assert.Equal(t, 7, e.stock(t, p1))
	assert.Equal(t, 8, e.stock(t, p2))
	assert.Empty(t, e.recorder.Events())
}

func TestOrderService_PriceImmutability(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "50", 10)

	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 4})
	require.NoError(t, e.catalog.UpdatePrice(ctx, apple, decimal.NewFromInt(75)))

	stored, err := e.svc.GetOrderByID(ctx, o.ID, e.customer)
	require.NoError(t, err)
	assert.Equal(t, "50", stored.Lines[0].UnitPrice.String())
	assert.Equal(t, "200", stored.Lines[0].Subtotal.String())
	assert.Equal(t, "200", stored.TotalAmount.String())
}

func TestOrderService_CreateAmountOutOfRangeIsValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "50", 10)
	e.orders.overflow.Store(true)

	_, err := e.svc.CreateOrder(ctx, order.CreateInput{
		UserID:          e.customer.ID,
		Items:           []pricing.Item{{ProductID: apple, Quantity: 4}},
		ShippingAddress: "12 Orchard Lane",
		PaymentMethod:   order.PaymentCOD,
	})
	require.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, 10, e.stock(t, apple))
	assert.Empty(t, e.recorder.Events())
}

func TestOrderService_CreateRejectsInvalidLinesWithoutTouchingStock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "50", 10)
	milk := e.product(t, "Milk", "2", 1)

	_, err := e.svc.CreateOrder(ctx, order.CreateInput{
		UserID: e.customer.ID,
		Items: []pricing.Item{
			{ProductID: apple, Quantity: 4},
			{ProductID: milk, Quantity: 5},
			{ProductID: uuid.Must(uuid.NewV4()), Quantity: 1},
		},
		ShippingAddress: "12 Orchard Lane",
		PaymentMethod:   order.PaymentCOD,
	})
	require.ErrorIs(t, err, apperror.ErrValidation)
	appErr, _ := apperror.As(err)
	require.Len(t, appErr.Lines, 2)
	assert.Equal(t, pricing.ReasonInsufficientStock, appErr.Lines[0].Reason)
	assert.Equal(t, pricing.ReasonNotFound, appErr.Lines[1].Reason)

	assert.Equal(t, 10, e.stock(t, apple))
	assert.Equal(t, 1, e.stock(t, milk))
	assert.Empty(t, e.recorder.Events())

	orders, err := e.svc.GetOrdersByUserID(ctx, e.customer.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = e.svc.CreateOrder(ctx, order.CreateInput{UserID: e.customer.ID, Items: []pricing.Item{{ProductID: apple, Quantity: 1}}, PaymentMethod: "cheque"})
	require.ErrorIs(t, err, apperror.ErrValidation)
	appErr, _ = apperror.As(err)
	assert.Len(t, appErr.Fields, 2)
}

func TestOrderService_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	e := newEnv(t)
	apple := e.product(t, "Apple", "1", 10)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.CreateOrder(context.Background(), order.CreateInput{
				UserID:          e.customer.ID,
				Items:           []pricing.Item{{ProductID: apple, Quantity: 1}},
				ShippingAddress: "12 Orchard Lane",
				PaymentMethod:   order.PaymentOnline,
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			kind := apperror.KindOf(err)
			assert.True(t, kind == apperror.KindInsufficientStock || kind == apperror.KindValidation, "unexpected error kind %s", kind)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, succeeded.Load())
	assert.Equal(t, 0, e.stock(t, apple))

	orders, err := e.svc.GetOrdersByUserID(context.Background(), e.customer.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 10)
}

func TestOrderService_ConcurrentTransitionsOnOneOrder(t *testing.T) {
	e := newEnv(t)
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})

	targets := []order.Status{order.StatusConfirmed, order.StatusCancelled, order.StatusConfirmed, order.StatusCancelled}
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target order.Status) {
			defer wg.Done()
			_, err := e.svc.UpdateOrderStatus(context.Background(), o.ID, target, "", e.staff)
			if err == nil {
				wins.Add(1)
			}
		}(target)
	}
	wg.Wait()

	stored, err := e.svc.GetOrderByID(context.Background(), o.ID, e.staff)
	require.NoError(t, err)
	assert.Equal(t, int64(len(stored.StatusHistory)-1), wins.Load())
	if stored.Status == order.StatusCancelled {
		assert.Equal(t, 10, e.stock(t, apple))
	} else {
		assert.Equal(t, 9, e.stock(t, apple))
	}
}

func TestOrderService_LostRaceIsConflict(t *testing.T) {
	e := newEnv(t)
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 2})

	e.orders.steal.Store(true)
	_, err := e.svc.UpdateOrderStatus(context.Background(), o.ID, order.StatusCancelled, "", e.staff)
	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, 8, e.stock(t, apple))
}

func TestOrderService_Authorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})

	stranger := order.Actor{ID: uuid.Must(uuid.NewV4()), Role: account.RoleCustomer}

	_, err := e.svc.GetOrderByID(ctx, o.ID, stranger)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = e.svc.GetOrderByID(ctx, o.ID, e.rider)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = e.svc.GetOrderByID(ctx, uuid.Must(uuid.NewV4()), e.staff)
	require.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = e.svc.CancelOrder(ctx, o.ID, "", stranger)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = e.svc.UpdateOrderStatus(ctx, o.ID, order.StatusConfirmed, "", e.customer)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)
	_, err = e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.customer)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)

	e.advance(t, o.ID, order.StatusConfirmed, order.StatusPacked)
	_, err = e.svc.CancelOrder(ctx, o.ID, "too late", e.customer)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = e.svc.CancelOrder(ctx, o.ID, "staff override", e.staff)
	require.NoError(t, err)
	assert.Equal(t, 10, e.stock(t, apple))
}

func TestOrderService_CustomerCancelAfterPacking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "1", 10)

	shipped := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})
	e.advance(t, shipped.ID, order.StatusConfirmed, order.StatusPacked, order.StatusShipped)
	_, err := e.svc.CancelOrder(ctx, shipped.ID, "too late", e.customer)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)

	cancelled := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})
	e.advance(t, cancelled.ID, order.StatusCancelled)
	_, err = e.svc.CancelOrder(ctx, cancelled.ID, "", e.customer)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)

	got, err := e.svc.GetOrderByID(ctx, shipped.ID, e.customer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.Equal(t, 9, e.stock(t, apple))
}

func TestOrderService_AssignRider(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})

	inactive := e.account(t, "Idle", account.RoleRider, false)
	_, err := e.svc.AssignRider(ctx, o.ID, inactive, e.staff)
	require.ErrorIs(t, err, apperror.ErrValidation)

	_, err = e.svc.AssignRider(ctx, o.ID, e.staff.ID, e.staff)
	require.ErrorIs(t, err, apperror.ErrValidation)

	_, err = e.svc.AssignRider(ctx, o.ID, uuid.Must(uuid.NewV4()), e.staff)
	require.ErrorIs(t, err, apperror.ErrNotFound)

	e.recorder.Reset()
	assigned, err := e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.staff)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, assigned.Status)
	assert.Equal(t, order.DeliveryAssigned, assigned.DeliveryStatus)

	evs := e.recorder.Events()
	require.Len(t, evs, 1)
	assert.ElementsMatch(t, []uuid.UUID{e.rider.ID, e.customer.ID}, evs[0].Audience)

	seen, err := e.svc.GetOrderByID(ctx, o.ID, e.rider)
	require.NoError(t, err)
	assert.True(t, seen.AssignedTo(e.rider.ID))
}

func TestOrderService_DeliveryCoupling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})
	e.advance(t, o.ID, order.StatusConfirmed, order.StatusPacked)
	_, err := e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.staff)
	require.NoError(t, err)

	before, err := e.svc.GetOrderByID(ctx, o.ID, e.staff)
	require.NoError(t, err)
	require.Equal(t, order.StatusPacked, before.Status)
	require.Equal(t, order.DeliveryAssigned, before.DeliveryStatus)

	after, err := e.svc.UpdateDeliveryStatus(ctx, o.ID, order.DeliveryOutForDelivery, e.rider)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, after.Status)
	assert.Equal(t, order.DeliveryOutForDelivery, after.DeliveryStatus)
	assert.Len(t, after.StatusHistory, len(before.StatusHistory)+1)
	assert.Len(t, after.DeliveryHistory, len(before.DeliveryHistory)+1)
}

func TestOrderService_IllegalDeliveryUpdateLeavesOrderUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	apple := e.product(t, "Apple", "1", 10)
	o := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})
	_, err := e.svc.AssignRider(ctx, o.ID, e.rider.ID, e.staff)
	require.NoError(t, err)

	before, err := e.svc.GetOrderByID(ctx, o.ID, e.staff)
	require.NoError(t, err)
	e.recorder.Reset()

	_, err = e.svc.UpdateDeliveryStatus(ctx, o.ID, order.DeliveryDelivered, e.rider)
	require.ErrorIs(t, err, apperror.ErrInvalidTransition)

	otherRider := order.Actor{ID: e.account(t, "Other", account.RoleRider, true), Role: account.RoleRider}
	_, err = e.svc.UpdateDeliveryStatus(ctx, o.ID, order.DeliveryOutForDelivery, otherRider)
	require.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = e.svc.UpdateDeliveryStatus(ctx, o.ID, "teleported", e.rider)
	require.ErrorIs(t, err, apperror.ErrValidation)

	after, err := e.svc.GetOrderByID(ctx, o.ID, e.staff)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, e.recorder.Events())
}

func TestOrderService_GetOrdersByUserID_NewestFirst(t *testing.T) {
	e := newEnv(t)
	apple := e.product(t, "Apple", "1", 10)

	first := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})
	time.Sleep(2 * time.Millisecond)
	second := e.checkout(t, order.PaymentCOD, pricing.Item{ProductID: apple, Quantity: 1})

	orders, err := e.svc.GetOrdersByUserID(context.Background(), e.customer.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
}
