// Package inventory guards per-product stock. All decrements go through one
// conditional write, so concurrent checkouts cannot oversell.
package inventory

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
	"github.com/vasiliy-maslov/grocery-service/internal/db"
	"github.com/vasiliy-maslov/grocery-service/internal/events"
)

const ReasonInsufficientStock = "insufficient_stock"

type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// Reservation records a successful decrement on behalf of one order line.
type Reservation struct {
	ProductID uuid.UUID
	Quantity  int
	OldStock  int
	NewStock  int
}

type Ledger interface {
	TryReserve(ctx context.Context, productID uuid.UUID, quantity int) (Reservation, error)
	Release(ctx context.Context, productID uuid.UUID, quantity int) (catalog.StockChange, error)
	ReserveBatch(ctx context.Context, lines []Line) ([]Reservation, error)
}

// Metrics is the subset of the service metrics the ledger reports to.
type Metrics interface {
	ReservationFailed()
}

type Deps struct {
	Store      catalog.StockStore
	Transactor db.Transactor
	Publisher  events.Publisher
	Metrics    Metrics
}

type ledger struct {
	store     catalog.StockStore
	tx        db.Transactor
	publisher events.Publisher
	metrics   Metrics
}

func NewLedger(deps Deps) Ledger {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &ledger{
		store:     deps.Store,
		tx:        deps.Transactor,
		publisher: publisher,
		metrics:   deps.Metrics,
	}
}

func (l *ledger) TryReserve(ctx context.Context, productID uuid.UUID, quantity int) (Reservation, error) {
	const op = "inventory.TryReserve"

	if quantity < 1 {
		return Reservation{}, apperror.Validation(op, apperror.FieldProblem{Field: "quantity", Message: "must be at least 1"})
	}

	change, err := l.store.DecrementStock(ctx, productID, quantity)
	if err != nil {
		if errors.Is(err, catalog.ErrStockContention) {
			return Reservation{}, l.contention(op, productID, err)
		}
		if !errors.Is(err, catalog.ErrStockConditionFailed) {
			log.Error().Err(err).Stringer("product_id", productID).Msg("inventory: decrement failed")
			return Reservation{}, apperror.Internal(op, err)
		}
		return Reservation{}, l.insufficient(ctx, op, productID, quantity)
	}

	l.publishChange(ctx, change)
	return Reservation{
		ProductID: productID,
		Quantity:  quantity,
		OldStock:  change.OldStock,
		NewStock:  change.NewStock,
	}, nil
}

// insufficient re-reads stock once after a lost conditional write and reports
// what is available now. It never retries the decrement.
func (l *ledger) insufficient(ctx context.Context, op string, productID uuid.UUID, quantity int) error {
	if l.metrics != nil {
		l.metrics.ReservationFailed()
	}

	product, err := l.store.GetByID(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			return apperror.NotFound(op, "product", productID)
		}
		return apperror.Internal(op, err)
	}

	log.Warn().
		Stringer("product_id", productID).
		Int("requested", quantity).
		Int("available", product.Stock).
		Msg("inventory: insufficient stock")

	return apperror.InsufficientStock(op, apperror.LineProblem{
		ProductID: productID,
		Reason:    ReasonInsufficientStock,
		Requested: quantity,
		Available: product.Stock,
	})
}

func (l *ledger) Release(ctx context.Context, productID uuid.UUID, quantity int) (catalog.StockChange, error) {
	const op = "inventory.Release"

	if quantity < 1 {
		return catalog.StockChange{}, apperror.Validation(op, apperror.FieldProblem{Field: "quantity", Message: "must be at least 1"})
	}

	change, err := l.store.IncrementStock(ctx, productID, quantity)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			return catalog.StockChange{}, apperror.NotFound(op, "product", productID)
		}
		if errors.Is(err, catalog.ErrStockContention) {
			return catalog.StockChange{}, l.contention(op, productID, err)
		}
		log.Error().Err(err).Stringer("product_id", productID).Msg("inventory: increment failed")
		return catalog.StockChange{}, apperror.Internal(op, err)
	}

	l.publishChange(ctx, change)
	return change, nil
}

// contention reports a stock write the database aborted against a concurrent
// transaction. The unit of work is already lost, so the caller gets a conflict.
func (l *ledger) contention(op string, productID uuid.UUID, err error) error {
	log.Warn().Err(err).Stringer("product_id", productID).Msg("inventory: stock write lost to a concurrent transaction")
	return apperror.Conflict(op, "stock was modified concurrently, retry")
}

// ReserveBatch reserves lines inside one unit of work, taking product rows in
// ID order so concurrent batches lock them in the same sequence. On the first
// failure every earlier line is released before the error is returned.
// Reservations come back in the order of lines.
func (l *ledger) ReserveBatch(ctx context.Context, lines []Line) ([]Reservation, error) {
	const op = "inventory.ReserveBatch"

	seq := make([]int, len(lines))
	for i := range seq {
		seq[i] = i
	}
	slices.SortStableFunc(seq, func(a, b int) int {
		return bytes.Compare(lines[a].ProductID[:], lines[b].ProductID[:])
	})

	var out []Reservation
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		reserved := make([]Reservation, 0, len(lines))
		out = make([]Reservation, len(lines))
		for _, i := range seq {
			r, err := l.TryReserve(ctx, lines[i].ProductID, lines[i].Quantity)
			if err != nil {
				if apperror.KindOf(err) == apperror.KindConflict {
					// The database already aborted the transaction; compensating writes would fail.
					return err
				}
				if relErr := l.releaseAll(ctx, reserved); relErr != nil {
					return apperror.Internal(op, errors.Join(err, relErr))
				}
				return err
			}
			reserved = append(reserved, r)
			out[i] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ledger) releaseAll(ctx context.Context, reserved []Reservation) error {
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		if _, err := l.Release(ctx, r.ProductID, r.Quantity); err != nil {
			log.Error().Err(err).Stringer("product_id", r.ProductID).Msg("inventory: failed to roll back reservation")
			return err
		}
	}
	return nil
}

func (l *ledger) publishChange(ctx context.Context, change catalog.StockChange) {
	db.AfterCommit(ctx, func() {
		l.publisher.Publish(context.WithoutCancel(ctx), events.NewStockChanged(change.ProductID, change.OldStock, change.NewStock))
	})
}
