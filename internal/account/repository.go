package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vasiliy-maslov/grocery-service/internal/db"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrAccountExists = errors.New("account already exists")
)

type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate account ID: %w", err)
		}
		a.ID = id
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO accounts (id, name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`
	_, err := db.Conn(ctx, r.pool).Exec(ctx, query, a.ID, a.Name, string(a.Role), a.IsActive, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("repository: failed to insert account: %w", err)
	}

	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `
		SELECT id, name, role, is_active, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	var a Account
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Name,
		&a.Role,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: failed to select account %s: %w", id, err)
	}

	return &a, nil
}

type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[uuid.UUID]Account)}
}

func (r *MemoryRepository) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate account ID: %w", err)
		}
		a.ID = id
	}
	if _, exists := r.accounts[a.ID]; exists {
		return ErrAccountExists
	}

	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.accounts[a.ID] = *a
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}
