package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/nearby-dispatch/internal/config"
	"github.com/example/nearby-dispatch/internal/engine"
	"github.com/example/nearby-dispatch/internal/geo"
	httpapi "github.com/example/nearby-dispatch/internal/http"
	"github.com/example/nearby-dispatch/internal/ingest"
	"github.com/example/nearby-dispatch/internal/logging"
	"github.com/example/nearby-dispatch/internal/notify"
	"github.com/example/nearby-dispatch/internal/otp"
	"github.com/example/nearby-dispatch/internal/payments"
	"github.com/example/nearby-dispatch/internal/state"
	"github.com/example/nearby-dispatch/internal/storage"
	"github.com/example/nearby-dispatch/internal/tracking"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var geoStore geo.Geo
	var stateStore state.Store
	var otpStore otp.Store
	if redisClient != nil {
		geoStore = geo.NewRedisGeo(redisClient, cfg.RedisGeoKey)
		stateStore = state.NewRedisState(redisClient)
		otpStore = otp.NewRedisStore(redisClient)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process state stores")
		geoStore = geo.NewIndex()
		stateStore = state.NewMemory()
		otpStore = otp.NewMemoryStore()
	}

	var requests storage.RequestStore
	var providers storage.ProviderStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			runMigrations(logger, pg.DB())
		}
		requests, providers = pg, pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory storage")
		mem := storage.NewMemoryStore()
		requests, providers = mem, mem
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var push *notify.PushClient
	if cfg.PushEndpoint != "" {
		push = notify.NewPushClient(cfg.PushEndpoint, cfg.PushKey)
	}
	sessions := notify.NewRegistry()
	hub := notify.NewHub(sessions, push, logger)

	var charges engine.ChargeHolder
	if cfg.StripeEnabled {
		charges = payments.NewStripeClient()
	}

	codes := otp.NewService(otpStore)
	eng := engine.New(geoStore, stateStore, requests, hub, codes, charges, logger, engine.Config{
		SearchRadiusM:    cfg.SearchRadiusM,
		RoundTimeout:     cfg.RoundTimeout,
		CollectionWindow: cfg.CollectionWindow,
		FinalizeLockTTL:  cfg.FinalizeLockTTL,
	})
	tracker := &tracking.Service{
		Geo:          geoStore,
		Base:         providers,
		Resting:      providers,
		Logger:       logger,
		BaseRadiusKm: cfg.BaseRadiusKm,
		MinMoveM:     cfg.MinMoveM,
		PresenceTTL:  cfg.PresenceTTL,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.RunSweeper(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, tracker, requests, producer, sessions, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func runMigrations(logger *slog.Logger, db *sql.DB) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core_tables.sql"))
	if err != nil {
		logger.Info("migration skipped", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Info("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_core_tables.sql")
}
