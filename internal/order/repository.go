package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/db"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict means the order changed since it was read.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrAmountOutOfRange means a total or subtotal does not fit the money columns.
	ErrAmountOutOfRange = errors.New("order amount out of range")
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	// Update persists next over prev if prev.Version is still current and
	// appends the history entries next has beyond prev.
	Update(ctx context.Context, prev, next *Order) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const selectOrderColumns = `
	SELECT id, user_id, total_amount::text, shipping_address, notes, status, payment_method, payment_status,
		rider_id, delivery_status, delivered_at, cancelled_at, cancellation_reason, version, created_at, updated_at
	FROM orders
`

func (r *postgresRepository) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			log.Error().Err(err).Msg("repository: failed to generate order ID")
			return fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
		o.ID = id
	}

	q := db.Conn(ctx, r.pool)

	queryOrder := `
		INSERT INTO orders (id, user_id, total_amount, shipping_address, notes, status, payment_method, payment_status,
			rider_id, delivery_status, delivered_at, cancelled_at, cancellation_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := q.Exec(ctx, queryOrder,
		o.ID,
		o.UserID,
		o.TotalAmount.String(),
		o.ShippingAddress,
		o.Notes,
		string(o.Status),
		string(o.PaymentMethod),
		string(o.PaymentStatus),
		nullUUID(o.RiderID),
		string(o.DeliveryStatus),
		o.DeliveredAt,
		o.CancelledAt,
		o.CancellationReason,
		o.Version,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		if db.IsNumericOverflow(err) {
			return ErrAmountOutOfRange
		}
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	queryLine := `
		INSERT INTO order_lines (id, order_id, position, product_id, name, unit, category, unit_price, quantity, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10::numeric)
	`
	for i := range o.Lines {
		line := &o.Lines[i]
		if line.ID == uuid.Nil {
			lineID, genErr := uuid.NewV4()
			if genErr != nil {
				return fmt.Errorf("repository: failed to generate order line ID: %w", genErr)
			}
			line.ID = lineID
		}

		_, err = q.Exec(ctx, queryLine,
			line.ID,
			o.ID,
			i,
			line.ProductID,
			line.Name,
			line.Unit,
			line.Category,
			line.UnitPrice.String(),
			line.Quantity,
			line.Subtotal.String(),
		)
		if err != nil {
			if db.IsNumericOverflow(err) {
				return ErrAmountOutOfRange
			}
			return fmt.Errorf("repository: failed to insert order line for order %s: %w", o.ID, err)
		}
	}

	return appendHistory(ctx, q, o.ID, o.StatusHistory, o.DeliveryHistory)
}

func appendHistory(ctx context.Context, q db.Querier, orderID uuid.UUID, status []StatusEntry, delivery []DeliveryEntry) error {
	for _, h := range status {
		_, err := q.Exec(ctx,
			`INSERT INTO order_status_history (order_id, status, actor_id, changed_at) VALUES ($1, $2, $3, $4)`,
			orderID, string(h.Status), h.ActorID, h.ChangedAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to append status history for order %s: %w", orderID, err)
		}
	}
	for _, h := range delivery {
		_, err := q.Exec(ctx,
			`INSERT INTO order_delivery_history (order_id, status, actor_id, changed_at) VALUES ($1, $2, $3, $4)`,
			orderID, string(h.Status), h.ActorID, h.ChangedAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to append delivery history for order %s: %w", orderID, err)
		}
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	q := db.Conn(ctx, r.pool)

	o, err := scanOrder(q.QueryRow(ctx, selectOrderColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	byID := map[uuid.UUID]*Order{o.ID: o}
	if err := loadDetails(ctx, q, []uuid.UUID{o.ID}, byID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *postgresRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	q := db.Conn(ctx, r.pool)

	rows, err := q.Query(ctx, selectOrderColumns+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user id %s: %w", userID, err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Order)
	var ids []uuid.UUID
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed scan order for user id %s: %w", userID, err)
		}
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders for user id %s: %w", userID, err)
	}
	rows.Close()

	if len(ids) == 0 {
		return []Order{}, nil
	}
	if err := loadDetails(ctx, q, ids, byID); err != nil {
		return nil, err
	}

	result := make([]Order, 0, len(ids))
	for _, id := range ids {
		result = append(result, *byID[id])
	}
	return result, nil
}

func (r *postgresRepository) Update(ctx context.Context, prev, next *Order) error {
	q := db.Conn(ctx, r.pool)

	query := `
		UPDATE orders
		SET status = $3, payment_status = $4, rider_id = $5, delivery_status = $6,
			delivered_at = $7, cancelled_at = $8, cancellation_reason = $9,
			version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2
	`
	cmdTag, err := q.Exec(ctx, query,
		prev.ID,
		prev.Version,
		string(next.Status),
		string(next.PaymentStatus),
		nullUUID(next.RiderID),
		string(next.DeliveryStatus),
		next.DeliveredAt,
		next.CancelledAt,
		next.CancellationReason,
		next.UpdatedAt,
	)
	if err != nil {
		if db.IsSerializationFailure(err) {
			return ErrVersionConflict
		}
		log.Error().Err(err).Stringer("order_id", prev.ID).Msg("repository: failed to update order")
		return fmt.Errorf("repository: failed to update order %s: %w", prev.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		log.Warn().Stringer("order_id", prev.ID).Int("version", prev.Version).Msg("repository: order changed concurrently or is missing")
		return ErrVersionConflict
	}

	if err := appendHistory(ctx, q, prev.ID,
		tailStatus(prev.StatusHistory, next.StatusHistory),
		tailDelivery(prev.DeliveryHistory, next.DeliveryHistory),
	); err != nil {
		return err
	}

	next.Version = prev.Version + 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o       Order
		total   string
		riderID uuid.NullUUID
	)
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&total,
		&o.ShippingAddress,
		&o.Notes,
		&o.Status,
		&o.PaymentMethod,
		&o.PaymentStatus,
		&riderID,
		&o.DeliveryStatus,
		&o.DeliveredAt,
		&o.CancelledAt,
		&o.CancellationReason,
		&o.Version,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total amount %q: %w", total, err)
	}
	if riderID.Valid {
		id := riderID.UUID
		o.RiderID = &id
	}
	o.Lines = make([]Line, 0)
	o.StatusHistory = make([]StatusEntry, 0)
	o.DeliveryHistory = make([]DeliveryEntry, 0)
	return &o, nil
}

// loadDetails fills lines and both history logs for the given orders.
func loadDetails(ctx context.Context, q db.Querier, ids []uuid.UUID, byID map[uuid.UUID]*Order) error {
	lineRows, err := q.Query(ctx, `
		SELECT order_id, id, product_id, name, unit, category, unit_price::text, quantity, subtotal::text
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query order lines: %w", err)
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var (
			orderID         uuid.UUID
			line            Line
			price, subtotal string
		)
		if err := lineRows.Scan(&orderID, &line.ID, &line.ProductID, &line.Name, &line.Unit, &line.Category, &price, &line.Quantity, &subtotal); err != nil {
			return fmt.Errorf("repository: failed to scan order line: %w", err)
		}
		if line.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("repository: invalid unit price %q: %w", price, err)
		}
		if line.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
			return fmt.Errorf("repository: invalid subtotal %q: %w", subtotal, err)
		}
		if o, ok := byID[orderID]; ok {
			o.Lines = append(o.Lines, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating order lines: %w", err)
	}
	lineRows.Close()

	statusRows, err := q.Query(ctx, `
		SELECT order_id, status, actor_id, changed_at
		FROM order_status_history
		WHERE order_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query status history: %w", err)
	}
	defer statusRows.Close()

	for statusRows.Next() {
		var (
			orderID uuid.UUID
			h       StatusEntry
		)
		if err := statusRows.Scan(&orderID, &h.Status, &h.ActorID, &h.ChangedAt); err != nil {
			return fmt.Errorf("repository: failed to scan status history: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.StatusHistory = append(o.StatusHistory, h)
		}
	}
	if err := statusRows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating status history: %w", err)
	}
	statusRows.Close()

	deliveryRows, err := q.Query(ctx, `
		SELECT order_id, status, actor_id, changed_at
		FROM order_delivery_history
		WHERE order_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query delivery history: %w", err)
	}
	defer deliveryRows.Close()

	for deliveryRows.Next() {
		var (
			orderID uuid.UUID
			h       DeliveryEntry
		)
		if err := deliveryRows.Scan(&orderID, &h.Status, &h.ActorID, &h.ChangedAt); err != nil {
			return fmt.Errorf("repository: failed to scan delivery history: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.DeliveryHistory = append(o.DeliveryHistory, h)
		}
	}
	if err := deliveryRows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating delivery history: %w", err)
	}

	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func tailStatus(prev, next []StatusEntry) []StatusEntry {
	if len(next) <= len(prev) {
		return nil
	}
	return next[len(prev):]
}

func tailDelivery(prev, next []DeliveryEntry) []DeliveryEntry {
	if len(next) <= len(prev) {
		return nil
	}
	return next[len(prev):]
}
