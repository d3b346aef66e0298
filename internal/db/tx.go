package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor runs fn inside one unit of work. Nested calls join the outer unit.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type txState struct {
	tx          pgx.Tx
	afterCommit []func()
	onRollback  []func()
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// InTx reports whether ctx carries an open unit of work.
func InTx(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// AfterCommit defers fn until the surrounding unit of work commits.
// Without one, fn runs immediately. Callbacks run in registration order.
func AfterCommit(ctx context.Context, fn func()) {
	if st := stateFrom(ctx); st != nil {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn()
}

// OnRollback registers an undo step for stores that cannot rely on the database
// to roll back. Undo steps run in reverse order. Without a unit of work it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if st := stateFrom(ctx); st != nil {
		st.onRollback = append(st.onRollback, undo)
	}
}

// Conn returns the transaction carried by ctx, or pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if st := stateFrom(ctx); st != nil && st.tx != nil {
		return st.tx
	}
	return pool
}

type pgTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) Transactor {
	return &pgTransactor{pool: pool}
}

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, beginErr := t.pool.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("db: failed to begin transaction: %w", beginErr)
	}

	st := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txKey{}, st)

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("Panic recovered inside transaction, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to rollback transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				log.Error().Err(commitErr).Msg("Failed to commit transaction")
				err = fmt.Errorf("db: failed to commit transaction: %w", commitErr)
				return
			}
			st.runAfterCommit()
		}
	}()

	return fn(txCtx)
}

func (st *txState) runAfterCommit() {
	for _, fn := range st.afterCommit {
		fn()
	}
}

func (st *txState) rollback() {
	for i := len(st.onRollback) - 1; i >= 0; i-- {
		st.onRollback[i]()
	}
}

// MemoryTransactor serializes units of work over in-memory stores and replays
// their undo steps when fn fails.
type MemoryTransactor struct {
	mu sync.Mutex
}

func NewMemoryTransactor() *MemoryTransactor {
	return &MemoryTransactor{}
}

func (t *MemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	t.mu.Lock()
	st := &txState{}
	txCtx := context.WithValue(ctx, txKey{}, st)

	defer func() {
		if p := recover(); p != nil {
			st.rollback()
			t.mu.Unlock()
			panic(p)
		}
		if err != nil {
			st.rollback()
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		st.runAfterCommit()
	}()

	return fn(txCtx)
}
