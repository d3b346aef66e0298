package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/db"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductExists   = errors.New("product already exists")
	// ErrStockConditionFailed means the conditional decrement matched no row:
	// the product is missing or its stock is below the requested quantity.
	ErrStockConditionFailed = errors.New("stock condition failed")
	// ErrStockContention means the database aborted the stock write because
	// it deadlocked or failed to serialize against another transaction.
	ErrStockContention = errors.New("stock write lost to a concurrent transaction")
)

// Reader is the catalog lookup the pricing service depends on.
type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
}

// StockStore is the conditional stock primitive the inventory ledger depends on.
type StockStore interface {
	Reader
	DecrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error)
	IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error)
}

type Repository interface {
	StockStore
	Create(ctx context.Context, p *Product) error
	UpdatePrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Create(ctx context.Context, p *Product) error {
	if err := ValidatePrice(p.Price); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate product ID: %w", err)
		}
		p.ID = id
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO products (id, name, unit, category, price, stock, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $8)
	`
	_, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		p.ID, p.Name, p.Unit, p.Category, p.Price.String(), p.Stock, p.IsActive, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrProductExists
		}
		return fmt.Errorf("repository: failed to insert product: %w", err)
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `
		SELECT id, name, unit, category, price::text, stock, is_active, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	var (
		p     Product
		price string
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Unit,
		&p.Category,
		&price,
		&p.Stock,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product %s: %w", id, err)
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("repository: invalid price for product %s: %w", id, err)
	}

	return &p, nil
}

// DecrementStock is one conditional write; the row filter is the availability check.
func (r *postgresRepository) DecrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error) {
	query := `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`

	var newStock int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id, quantity).Scan(&newStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsCheckViolation(err) {
			return StockChange{}, ErrStockConditionFailed
		}
		if db.IsSerializationFailure(err) {
			return StockChange{}, fmt.Errorf("repository: decrement stock for %s: %w", id, errors.Join(ErrStockContention, err))
		}
		return StockChange{}, fmt.Errorf("repository: failed to decrement stock for %s: %w", id, err)
	}

	return StockChange{ProductID: id, OldStock: newStock + quantity, NewStock: newStock}, nil
}

func (r *postgresRepository) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error) {
	query := `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING stock
	`

	var newStock int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id, quantity).Scan(&newStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockChange{}, ErrProductNotFound
		}
		if db.IsSerializationFailure(err) {
			return StockChange{}, fmt.Errorf("repository: increment stock for %s: %w", id, errors.Join(ErrStockContention, err))
		}
		return StockChange{}, fmt.Errorf("repository: failed to increment stock for %s: %w", id, err)
	}

	return StockChange{ProductID: id, OldStock: newStock - quantity, NewStock: newStock}, nil
}

func (r *postgresRepository) UpdatePrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	if err := ValidatePrice(price); err != nil {
		return err
	}
	cmdTag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE products SET price = $2::numeric, updated_at = now() WHERE id = $1`,
		id, price.String(),
	)
	if err != nil {
		return fmt.Errorf("repository: failed to update price for %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
