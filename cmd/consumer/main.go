// The consumer drains provider location reports from Kafka and applies them
// to the live geo index through the tracking service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/nearby-dispatch/internal/config"
	"github.com/example/nearby-dispatch/internal/geo"
	"github.com/example/nearby-dispatch/internal/logging"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/tracking"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total provider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	updatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_total",
		Help: "Total location updates applied to the geo index",
	})
	updatesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_skipped_total",
		Help: "Total reports skipped as insignificant or off duty",
	})
	updateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_update_errors_total",
		Help: "Total geo index update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, updatesApplied, updatesSkipped, updateErrors)
}

// reportApplier is the slice of the tracking service the consumer needs,
// small enough to fake in tests.
type reportApplier interface {
	UpdateLocation(ctx context.Context, providerID string, loc models.Coord, accuracy float64, source string) (bool, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	tracker := &tracking.Service{
		Geo:         geo.NewRedisGeo(rc, cfg.RedisGeoKey),
		Logger:      logger,
		MinMoveM:    cfg.MinMoveM,
		PresenceTTL: cfg.PresenceTTL,
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "nearby-dispatch-consumer"
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var report models.LocationReport
		if err := json.Unmarshal(m.Value, &report); err != nil || report.ProviderID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		moved, err := applyWithRetry(ctx, tracker, report, 3, 200*time.Millisecond)
		if err != nil {
			updateErrors.Inc()
			logger.Error("location update failed", "provider_id", report.ProviderID, "error", err)
			continue
		}
		if moved {
			updatesApplied.Inc()
		} else {
			updatesSkipped.Inc()
		}
	}
}

// applyWithRetry retries transient geo index failures with exponential
// backoff. Off-duty and insignificant reports are not errors and never
// retried.
func applyWithRetry(ctx context.Context, a reportApplier, report models.LocationReport, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		moved, err := a.UpdateLocation(ctx, report.ProviderID, report.Loc, report.Accuracy, report.Source)
		if err == nil {
			return moved, nil
		}
		if errors.Is(err, tracking.ErrValidation) {
			return false, err
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return false, lastErr
}
