// Command server runs the credit and upload pipeline: the HTTP API,
// webhook sinks, retention scheduler and cleanup queue worker.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/framehaus/server/internal/appstore"
	"github.com/framehaus/server/internal/circuitbreaker"
	"github.com/framehaus/server/internal/config"
	"github.com/framehaus/server/internal/consumption"
	"github.com/framehaus/server/internal/dbpool"
	"github.com/framehaus/server/internal/httpserver"
	"github.com/framehaus/server/internal/idempotency"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/lifecycle"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/metrics"
	"github.com/framehaus/server/internal/objectstore"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/retention"
	"github.com/framehaus/server/internal/storage"
	stripesvc "github.com/framehaus/server/internal/stripe"
	"github.com/framehaus/server/internal/uploads"
	"github.com/framehaus/server/internal/webhookauth"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("FRAMEHAUS_CONFIG"), "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(logger.Config{Service: "framehaus-server"}).
			Fatal().Err(err).Msg("server.config_load_failed")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "framehaus-server",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("server.cleanup_failed")
		}
	}()

	// All Postgres-backed repositories share one pool. Without a database
	// URL everything runs on the in-memory store.
	var sharedDB *sql.DB
	backend := "memory"
	if cfg.Database.URL != "" {
		pool, err := dbpool.NewSharedPool(cfg.Database.URL, cfg.Database.Pool)
		if err != nil {
			log.Fatal().Err(err).Msg("server.database_connect_failed")
		}
		resources.Register("dbpool", pool)
		sharedDB = pool.DB()
		backend = "postgres"
	} else {
		log.Warn().Msg("server.memory_store_active")
	}

	store, err := storage.NewStore(storage.StoreConfig{Backend: backend, SharedDB: sharedDB})
	if err != nil {
		log.Fatal().Err(err).Msg("server.storage_init_failed")
	}
	resources.Register("storage", store)

	m := metrics.New(nil)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := objectstore.New(ctx, cfg.ObjectStore, breakers)
	if err != nil {
		log.Fatal().Err(err).Msg("server.objectstore_init_failed")
	}

	ledgerSvc := ledger.NewService(store, m)
	uploadsSvc := uploads.NewService(store, bucket, bucket, cfg.Uploads, m)

	promoRepo, err := promo.NewRepository(cfg.Promos, sharedDB)
	if err != nil {
		log.Fatal().Err(err).Msg("server.promo_init_failed")
	}
	promos := promo.NewResolver(promoRepo, store, ledgerSvc, m)

	stripeClient := stripesvc.NewClient(cfg.Stripe, cfg.Credits, ledgerSvc, promos, breakers, m)

	appstoreSvc, err := appstore.NewService(cfg.AppStore, cfg.Credits, ledgerSvc, consumption.NewReporter(store), breakers)
	if err != nil {
		log.Fatal().Err(err).Msg("server.appstore_init_failed")
	}

	dispatcher := webhookauth.NewDispatcher(store, ledgerSvc, uploadsSvc, cfg.Auth)

	idemStore := idempotency.NewMemoryStore()
	resources.RegisterFunc("idempotency", func() error {
		idemStore.Stop()
		return nil
	})

	scheduler := retention.NewScheduler(retention.SchedulerOptions{
		Store:   store,
		Ledger:  ledgerSvc,
		Intents: uploadsSvc,
		Config:  cfg.Retention,
		Logger:  log,
		Metrics: m,
	})
	scheduler.Start(ctx)
	resources.RegisterFunc("retention.scheduler", func() error {
		scheduler.Stop()
		return nil
	})

	worker := retention.NewWorker(retention.WorkerOptions{
		Store:   store,
		Bucket:  bucket,
		Config:  cfg.Retention,
		Logger:  log,
		Metrics: m,
	})
	worker.Start(ctx)
	resources.RegisterFunc("retention.worker", func() error {
		worker.Stop()
		return nil
	})

	srv := httpserver.New(httpserver.Options{
		Config:           cfg,
		Ledger:           ledgerSvc,
		Uploads:          uploadsSvc,
		Stripe:           stripeClient,
		AppStore:         appstoreSvc,
		Promos:           promos,
		Events:           dispatcher,
		IdempotencyStore: idemStore,
		Metrics:          m,
		Logger:           log,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	log.Info().
		Str("address", cfg.Server.Address).
		Str("storage_backend", backend).
		Msg("server.started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server.listen_failed")
		}
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("server.shutdown_requested")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server.shutdown_failed")
	}
	cancel()
}
