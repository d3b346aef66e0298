package order

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/vasiliy-maslov/grocery-service/internal/db"
)

// MemoryRepository stores orders in process with the same version check as Postgres.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]Order)}
}

func (r *MemoryRepository) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		o.ID = id
	}
	for i := range o.Lines {
		if o.Lines[i].ID == uuid.Nil {
			o.Lines[i].ID = uuid.Must(uuid.NewV4())
		}
	}

	r.mu.Lock()
	r.orders[o.ID] = o.Clone()
	r.mu.Unlock()

	id := o.ID
	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.orders, id)
	})
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (r *MemoryRepository) GetByUserID(_ context.Context, userID uuid.UUID) ([]Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Order, 0)
	for _, o := range r.orders {
		if o.UserID == userID {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) Update(ctx context.Context, prev, next *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[prev.ID]
	if !ok || stored.Version != prev.Version {
		return ErrVersionConflict
	}

	next.Version = prev.Version + 1
	r.orders[prev.ID] = next.Clone()

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.orders[stored.ID] = stored
	})
	return nil
}
