// The consumer drains the driver location topic and applies each update
// to the Redis-backed driver registry, so the dispatch API always ranks
// against fresh positions even when drivers report through the stream
// rather than HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_dispatch_consumer_messages_total",
		Help: "Driver location messages consumed from the stream.",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_dispatch_consumer_invalid_total",
		Help: "Messages dropped because they failed to decode or validate.",
	})
	applyOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_dispatch_consumer_applied_total",
		Help: "Location updates applied to the registry.",
	})
	applyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_dispatch_consumer_apply_errors_total",
		Help: "Location updates that failed after all retries.",
	})
)

// locationSink is the slice of the registry the consumer writes to.
type locationSink interface {
	UpdatePosition(ctx context.Context, driverID string, pos models.Coordinate) error
	SetAvailability(ctx context.Context, driverID string, av models.Availability) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "consumer")

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := envOr("KAFKA_TOPIC", "driver-locations")
	group := envOr("KAFKA_GROUP", "ride-dispatch-consumer")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	geoKey := envOr("REDIS_GEO_KEY", "drivers_geo")

	rc := goredis.NewClient(&goredis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	sink := registry.NewRedisWithClient(rc, geoKey)

	go serveMetrics(metricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = reader.Close()
		_ = rc.Close()
	}()

	logger.Info("consuming", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var msg models.DriverLocationMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil || msg.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, sink, msg, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			logger.Error("registry update failed", "driver_id", msg.DriverID, "error", err)
			continue
		}
		applyOK.Inc()
	}
}

// applyWithRetry pushes one location update into the registry, retrying
// transient failures with doubling delay. An availability field on the
// message is applied best-effort after the position lands.
func applyWithRetry(ctx context.Context, sink locationSink, msg models.DriverLocationMessage, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.UpdatePosition(ctx, msg.DriverID, msg.Position); err == nil {
			break
		}
		if i == attempts-1 {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	if msg.Availability != "" {
		if err := sink.SetAvailability(ctx, msg.DriverID, msg.Availability); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string, rc *goredis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func splitBrokers(v string) []string {
	var out []string
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
