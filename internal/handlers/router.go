package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"identity-reconciliation/internal/logger"
)

// ContactService is everything the HTTP layer calls on the core.
type ContactService interface {
	Identifier
	ContactReader
}

// Pinger reports backing store health. It may be nil.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the dependencies of the HTTP layer. Gatherer and
// Health are optional.
type RouterConfig struct {
	Service        ContactService
	Log            *logger.Logger
	Gatherer       prometheus.Gatherer
	Health         Pinger
	RequestTimeout time.Duration
}

// NewRouter wires all routes.
func NewRouter(cfg RouterConfig) *mux.Router {
	identifyHandler := NewIdentifyHandler(cfg.Service, cfg.Log, cfg.RequestTimeout)
	contactsHandler := NewContactsHandler(cfg.Service, cfg.Log)

	router := mux.NewRouter()
	router.Use(requestLogger(cfg.Log))

	router.HandleFunc("/identify", identifyHandler.Handle).Methods(http.MethodPost)
	router.HandleFunc("/contacts", contactsHandler.List).Methods(http.MethodGet)
	router.HandleFunc("/contacts/{id:[0-9]+}", contactsHandler.Get).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(cfg.Health, cfg.Log)).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func healthHandler(p Pinger, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				log.Warn("health check failed", "error", err)
				writeJSON(w, log, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, log, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
