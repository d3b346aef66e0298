package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/catalog"
	"github.com/vasiliy-maslov/grocery-service/internal/config"
	"github.com/vasiliy-maslov/grocery-service/internal/db"
	"github.com/vasiliy-maslov/grocery-service/internal/events"
	orderHttp "github.com/vasiliy-maslov/grocery-service/internal/handler/http"
	"github.com/vasiliy-maslov/grocery-service/internal/inventory"
	"github.com/vasiliy-maslov/grocery-service/internal/metrics"
	"github.com/vasiliy-maslov/grocery-service/internal/order"
	"github.com/vasiliy-maslov/grocery-service/internal/pricing"
)

type storage struct {
	products   catalog.Repository
	accounts   account.Repository
	orders     order.Repository
	transactor db.Transactor
	close      func()
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Str("storage", cfg.App.Storage).Str("events", cfg.Events.Driver).Msg("Grocery service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.close()

	m := metrics.New("orders")

	sink, err := openSink(ctx, cfg.Events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect event sink")
	}
	var publisher events.Publisher = events.Noop{}
	var emitter *events.Emitter
	if sink != nil {
		emitter = events.NewEmitter(sink, cfg.Events.BufferSize)
		m.WatchDropped(emitter.Dropped)
		publisher = emitter
	}

	ledger := inventory.NewLedger(inventory.Deps{
		Store:      store.products,
		Transactor: store.transactor,
		Publisher:  publisher,
		Metrics:    m,
	})
	orderSvc := order.NewService(order.Deps{
		Repo:       store.orders,
		Pricing:    pricing.NewService(store.products),
		Ledger:     ledger,
		Riders:     account.NewService(store.accounts),
		Transactor: store.transactor,
		Publisher:  publisher,
		Metrics:    m,
	})
	orderHandler := orderHttp.NewOrderHandler(orderSvc)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(m.Middleware)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Method(http.MethodGet, "/metrics", m.Handler())
	orderHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	if emitter != nil {
		if err := emitter.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event sink")
		}
		log.Info().Uint64("sent", emitter.Sent()).Uint64("dropped", emitter.Dropped()).Msg("Event emitter drained")
	}
	log.Info().Msg("Server stopped")
}

func setupLogger(app config.AppConfig) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if app.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = log.With().Str("service", app.Name).Logger()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.App.Storage == config.StorageMemory {
		products := catalog.NewMemoryRepository()
		accounts := account.NewMemoryRepository()
		if err := seed(ctx, cfg.Seed, products, accounts); err != nil {
			return nil, err
		}
		return &storage{
			products:   products,
			accounts:   accounts,
			orders:     order.NewMemoryRepository(),
			transactor: db.NewMemoryTransactor(),
			close:      func() {},
		}, nil
	}

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(cfg.Postgres); err != nil {
		pg.Close()
		return nil, err
	}
	return &storage{
		products:   catalog.NewRepository(pg.Pool),
		accounts:   account.NewRepository(pg.Pool),
		orders:     order.NewRepository(pg.Pool),
		transactor: db.NewTransactor(pg.Pool),
		close:      pg.Close,
	}, nil
}

// openSink returns nil when events are disabled.
func openSink(ctx context.Context, cfg config.EventsConfig) (events.Sink, error) {
	switch cfg.Driver {
	case config.EventsNATS:
		sink, err := events.NewNATSSink(ctx, cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.EventsKafka:
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Publishing events to Kafka")
		return events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, nil
	}
}
