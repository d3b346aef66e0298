package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/grocery-service/internal/db"
)

// MemoryRepository keeps products in process. Each stock mutation is a
// check-and-set under one lock, matching the conditional UPDATE in Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	products map[uuid.UUID]Product
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{products: make(map[uuid.UUID]Product)}
}

func (r *MemoryRepository) Create(ctx context.Context, p *Product) error {
	if err := ValidatePrice(p.Price); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate product ID: %w", err)
		}
		p.ID = id
	}
	if _, exists := r.products[p.ID]; exists {
		return ErrProductExists
	}

	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.products[p.ID] = *p

	id := p.ID
	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.products, id)
	})
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) DecrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error) {
	change, err := r.adjust(id, -quantity, true)
	if err != nil {
		return StockChange{}, err
	}
	db.OnRollback(ctx, func() { _, _ = r.adjust(id, quantity, false) })
	return change, nil
}

func (r *MemoryRepository) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) (StockChange, error) {
	change, err := r.adjust(id, quantity, false)
	if err != nil {
		return StockChange{}, err
	}
	db.OnRollback(ctx, func() { _, _ = r.adjust(id, -quantity, false) })
	return change, nil
}

func (r *MemoryRepository) adjust(id uuid.UUID, delta int, conditional bool) (StockChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		if conditional {
			return StockChange{}, ErrStockConditionFailed
		}
		return StockChange{}, ErrProductNotFound
	}
	if conditional && p.Stock+delta < 0 {
		return StockChange{}, ErrStockConditionFailed
	}

	change := StockChange{ProductID: id, OldStock: p.Stock, NewStock: p.Stock + delta}
	p.Stock = change.NewStock
	p.UpdatedAt = time.Now().UTC()
	r.products[id] = p
	return change, nil
}

func (r *MemoryRepository) UpdatePrice(_ context.Context, id uuid.UUID, price decimal.Decimal) error {
	if err := ValidatePrice(price); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Price = price
	p.UpdatedAt = time.Now().UTC()
	r.products[id] = p
	return nil
}
