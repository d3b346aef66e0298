package order_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
	"github.com/vasiliy-maslov/grocery-service/internal/config"
	"github.com/vasiliy-maslov/grocery-service/internal/db"
	"github.com/vasiliy-maslov/grocery-service/internal/inventory"
	"github.com/vasiliy-maslov/grocery-service/internal/order"
)

var testPool *pgxpool.Pool

// TestMain connects to Postgres only when DB_HOST_TEST is set; the
// in-memory tests in this package run either way.
func TestMain(m *testing.M) {
	host := os.Getenv("DB_HOST_TEST")
	if host == "" {
		os.Exit(m.Run())
	}

	cfg := config.PostgresConfig{
		Host:            host,
		Port:            envOr("DB_PORT_TEST", "5432"),
		User:            envOr("DB_USER_TEST", "postgres"),
		Password:        os.Getenv("DB_PASSWORD_TEST"),
		DBName:          envOr("DB_NAME_TEST", "grocery_test"),
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MigrationsPath:  "../../migrations",
	}

	pg, err := db.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to test database")
	}
	if err := db.Migrate(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate test database")
	}
	testPool = pg.Pool

	exitCode := m.Run()

	pg.Close()
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupPostgres(t *testing.T) {
	t.Helper()
	if testPool == nil {
		t.Skip("DB_HOST_TEST is not set")
	}

	truncate := func() {
		_, err := testPool.Exec(context.Background(),
			"TRUNCATE TABLE order_delivery_history, order_status_history, order_lines, orders, accounts, products")
		if err != nil {
			t.Fatalf("Failed to truncate tables: %v", err)
		}
	}
	truncate()
	t.Cleanup(truncate)
}

func TestPostgresRepository_CreateGetUpdate(t *testing.T) {
	setupPostgres(t)
	ctx := context.Background()

	products := catalog.NewRepository(testPool)
	accounts := account.NewRepository(testPool)
	repo := order.NewRepository(testPool)

	apple := &catalog.Product{Name: "Apple", Unit: "kg", Category: "produce", Price: decimal.RequireFromString("2.50"), Stock: 10, IsActive: true}
	require.NoError(t, products.Create(ctx, apple))
	rider := &account.Account{Name: "Ravi", Role: account.RoleRider, IsActive: true}
	require.NoError(t, accounts.Create(ctx, rider))

	userID := uuid.Must(uuid.NewV4())
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &order.Order{
		UserID: userID,
		Lines: []order.Line{{
			ProductID: apple.ID, Name: "Apple", Unit: "kg", Category: "produce",
			UnitPrice: decimal.RequireFromString("2.50"), Quantity: 4, Subtotal: decimal.RequireFromString("10.00"),
		}},
		TotalAmount:     decimal.RequireFromString("10.00"),
		ShippingAddress: "12 Orchard Lane",
		Status:          order.StatusPending,
		PaymentMethod:   order.PaymentCOD,
		PaymentStatus:   order.PaymentPending,
		DeliveryStatus:  order.DeliveryPending,
		StatusHistory:   []order.StatusEntry{{Status: order.StatusPending, ActorID: userID, ChangedAt: now}},
		DeliveryHistory: []order.DeliveryEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, o.TotalAmount.Equal(got.TotalAmount))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 4, got.Lines[0].Quantity)
	assert.True(t, got.Lines[0].UnitPrice.Equal(decimal.RequireFromString("2.50")))
	assert.Len(t, got.StatusHistory, 1)
	assert.Empty(t, got.DeliveryHistory)
	assert.Nil(t, got.RiderID)

	next, _, err := order.AssignRider(*got, rider.ID, uuid.Must(uuid.NewV4()), now)
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, got, &next))
	assert.Equal(t, got.Version+1, next.Version)

	updated, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.RiderID)
	assert.Equal(t, rider.ID, *updated.RiderID)
	assert.Equal(t, order.DeliveryAssigned, updated.DeliveryStatus)
	assert.Len(t, updated.DeliveryHistory, 1)

	stale, _, err := order.Transition(*got, order.StatusConfirmed, uuid.Must(uuid.NewV4()), "", now)
	require.NoError(t, err)
	require.ErrorIs(t, repo.Update(ctx, got, &stale), order.ErrVersionConflict)

	list, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)

	_, err = repo.GetByID(ctx, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestPostgresRepository_ConditionalDecrement(t *testing.T) {
	setupPostgres(t)
	ctx := context.Background()
	products := catalog.NewRepository(testPool)
	tx := db.NewTransactor(testPool)

	milk := &catalog.Product{Name: "Milk", Unit: "l", Category: "dairy", Price: decimal.RequireFromString("1.20"), Stock: 3, IsActive: true}
	require.NoError(t, products.Create(ctx, milk))

	change, err := products.DecrementStock(ctx, milk.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, catalog.StockChange{ProductID: milk.ID, OldStock: 3, NewStock: 1}, change)

	_, err = products.DecrementStock(ctx, milk.ID, 2)
	require.ErrorIs(t, err, catalog.ErrStockConditionFailed)

	err = tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := products.IncrementStock(ctx, milk.ID, 5); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	p, err := products.GetByID(ctx, milk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestPostgresLedger_OppositeLineOrdersDoNotDeadlock(t *testing.T) {
	setupPostgres(t)
	ctx := context.Background()
	products := catalog.NewRepository(testPool)
	ledger := inventory.NewLedger(inventory.Deps{Store: products, Transactor: db.NewTransactor(testPool)})

	a := &catalog.Product{Name: "Apple", Unit: "kg", Price: decimal.RequireFromString("2.50"), Stock: 1000, IsActive: true}
	b := &catalog.Product{Name: "Bread", Unit: "loaf", Price: decimal.RequireFromString("1.10"), Stock: 1000, IsActive: true}
	require.NoError(t, products.Create(ctx, a))
	require.NoError(t, products.Create(ctx, b))

	forward := []inventory.Line{{ProductID: a.ID, Quantity: 1}, {ProductID: b.ID, Quantity: 1}}
	backward := []inventory.Line{{ProductID: b.ID, Quantity: 1}, {ProductID: a.ID, Quantity: 1}}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		lines := forward
		if i%2 == 1 {
			lines = backward
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ReserveBatch(ctx, lines)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		p, err := products.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1000-workers, p.Stock)
	}
}
