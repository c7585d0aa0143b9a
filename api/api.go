// Package api serves the read-only status API and the Prometheus metrics
// endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"argus/core"
	"argus/detect"
	"argus/ingest"
	"argus/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlertReader reads stored alerts.
type AlertReader interface {
	Recent(ctx context.Context, limit int) ([]storage.StoredAlert, error)
	Get(ctx context.Context, fingerprint string) (*storage.StoredAlert, error)
	Count(ctx context.Context) (int64, error)
}

// DLQReader reads the dead letter queue.
type DLQReader interface {
	List(ctx context.Context, limit int) ([]*ingest.DLQEvent, error)
	Count(ctx context.Context) (int, error)
}

// StateReader exposes the rule state store.
type StateReader interface {
	Snapshot() []detect.RuleStateInfo
}

// Status reports the state of the pipeline for /health.
type Status func() string

// Deps are the components the API reads from. Alerts and DLQ are nil when
// sqlite storage is disabled.
type Deps struct {
	Rules  *core.RuleSet
	State  StateReader
	Alerts AlertReader
	DLQ    DLQReader
	Status Status
}

// API is the HTTP server.
type API struct {
	router  *mux.Router
	mu      sync.Mutex
	server  *http.Server
	stopped bool
	deps    Deps
	start   time.Time
	logger  *zap.SugaredLogger
}

// NewAPI builds the router.
func NewAPI(deps Deps, logger *zap.SugaredLogger) *API {
	a := &API{
		router: mux.NewRouter(),
		deps:   deps,
		start:  time.Now(),
		logger: logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/rules", a.getRules).Methods("GET")
	v1.HandleFunc("/rules/{id:[0-9]+}", a.getRule).Methods("GET")
	v1.HandleFunc("/state", a.getState).Methods("GET")
	v1.HandleFunc("/alerts", a.getAlerts).Methods("GET")
	v1.HandleFunc("/alerts/{fingerprint:[0-9a-f]{16}}", a.getAlert).Methods("GET")
	v1.HandleFunc("/dlq", a.listDLQEvents).Methods("GET")
}

// Handler returns the router.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop is called. It returns nil after Stop.
func (a *API) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.server = srv
	a.mu.Unlock()

	a.logger.Infow("API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	srv := a.server
	a.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
