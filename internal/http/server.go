// Package httpapi exposes the dispatch core's boundary operations over
// HTTP and websockets.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	registry registry.Registry
	store    ride.Store
	machine  *ride.Machine
	coord    *dispatch.Coordinator
	kafka    *ingest.KafkaProducer
	ws       *notify.WSRegistry
	notifier notify.Notifier
	ledger   *payments.Ledger
	mux      *mux.Router
}

// NewServer wires the core from config. Redis, Postgres, Kafka, push and
// payments are all optional; absent ones fall back to in-process pieces
// so the binary runs standalone.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, mux: mux.NewRouter()}

	if cfg.RedisAddr != "" {
		s.registry = registry.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		s.registry = registry.NewMemory()
	}

	if cfg.PGDSN != "" {
		ps, err := ride.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		s.store = ps
	} else {
		s.store = ride.NewMemoryStore()
	}

	s.ws = notify.NewWSRegistry()
	switch {
	case cfg.PushEndpoint != "" && cfg.PushMirror:
		// mirror every event to the push endpoint alongside the socket
		s.notifier = notify.Multi{s.ws, notify.NewWebhook(cfg.PushEndpoint, cfg.PushKey)}
	case cfg.PushEndpoint != "":
		s.notifier = notify.Fallback{Primary: s.ws, Secondary: notify.NewWebhook(cfg.PushEndpoint, cfg.PushKey)}
	default:
		s.notifier = s.ws
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	if cfg.StripeAPIKey != "" {
		s.ledger = payments.NewLedger(payments.NewStripeProvider(cfg.StripeAPIKey), cfg.PaymentCurrency)
	}

	s.machine = &ride.Machine{
		Store:    s.store,
		Notifier: s.notifier,
		Registry: s.registry,
		Logger:   logger,
	}

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.OfferWindow)
	}

	s.coord = &dispatch.Coordinator{
		Registry:       s.registry,
		Store:          s.store,
		Transport:      dispatch.TransportFunc(s.sendOffer),
		Notifier:       s.notifier,
		ETA:            estimator,
		Logger:         logger,
		OfferWindow:    cfg.OfferWindow,
		SearchRadiusKm: cfg.SearchRadiusKm,
		Broadcast:      cfg.BroadcastOffers,
	}

	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides", s.handleListRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/dispatch", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/transition", s.handleTransition).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/offers/response", s.handleOfferResponse).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers", s.handleListDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}", s.handleGetDriver).Methods("GET")

	s.mux.HandleFunc("/internal/driver/availability", s.handleDriverAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/approval", s.handleDriverApproval).Methods("POST")

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/passengers/{passenger_id}", s.handlePassengerWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close releases background resources held by the server.
func (s *Server) Close() error {
	if s.kafka != nil {
		return s.kafka.Close()
	}
	return nil
}
