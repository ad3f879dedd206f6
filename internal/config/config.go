package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Dispatch tunables. The defaults are the documented contract; the env
	// overrides exist for soak tests and staged rollouts.
	SearchRadiusM    float64
	RoundTimeout     time.Duration
	CollectionWindow time.Duration
	SweepInterval    time.Duration
	FinalizeLockTTL  time.Duration

	// Tracking tunables.
	BaseRadiusKm      float64
	MinMoveM          float64
	PresenceTTL       time.Duration

	// Push notification fallback for providers without a live socket.
	PushEndpoint string
	PushKey      string

	StripeEnabled bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "provider:locations",
		KafkaTopic:      "provider-locations",

		SearchRadiusM:    10_000,
		RoundTimeout:     30 * time.Second,
		CollectionWindow: 3 * time.Second,
		SweepInterval:    time.Second,
		FinalizeLockTTL:  5 * time.Second,

		BaseRadiusKm: 10,
		MinMoveM:     1,
		PresenceTTL:  5 * time.Minute,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusM, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.RoundTimeout, "DISPATCH_ROUND_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.CollectionWindow, "DISPATCH_COLLECTION_WINDOW", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.FinalizeLockTTL, "DISPATCH_FINALIZE_LOCK_TTL", &errs)

	setFloatFromEnv(&cfg.BaseRadiusKm, "TRACKING_BASE_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MinMoveM, "TRACKING_MIN_MOVE_M", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "TRACKING_PRESENCE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.CollectionWindow <= 0 || cfg.CollectionWindow >= cfg.RoundTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_COLLECTION_WINDOW must be > 0 and below DISPATCH_ROUND_TIMEOUT"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
