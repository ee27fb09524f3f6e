// Package api exposes the dispatch engine over HTTP: submission,
// status, cancellation, account management and the delivery record
// feed, plus Prometheus metrics and health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/ledger"
	"github.com/evermail/dispatch/internal/queue"
)

// Server is the HTTP front of the engine.
type Server struct {
	listenAddr     string
	metricsEnabled bool
	httpServer     *http.Server
	manager        *queue.Manager
	accounts       account.Store
	creds          *credential.Store
	records        ledger.Ledger
	registry       *prometheus.Registry
	logger         *slog.Logger
}

// NewServer wires the API server. registry may be nil when metrics are
// disabled.
func NewServer(listenAddr string, metricsEnabled bool, manager *queue.Manager, accounts account.Store,
	creds *credential.Store, records ledger.Ledger, registry *prometheus.Registry) *Server {

	if listenAddr == "" {
		listenAddr = ":8025"
	}

	return &Server{
		listenAddr:     listenAddr,
		metricsEnabled: metricsEnabled,
		manager:        manager,
		accounts:       accounts,
		creds:          creds,
		records:        records,
		registry:       registry,
		logger:         slog.Default().With("component", "api"),
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if s.metricsEnabled && s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/queue/{state}", s.handleQueueList).Methods("GET")

	api.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{id}/status", s.handleSetAccountStatus).Methods("PUT")
	api.HandleFunc("/accounts/{id}/credential", s.handlePutCredential).Methods("PUT")
	api.HandleFunc("/accounts/{id}/sync", s.handleTriggerSync).Methods("POST")

	api.HandleFunc("/records", s.handleListRecords).Methods("GET")
	api.HandleFunc("/records/{job_id}", s.handleGetRecord).Methods("GET")

	return r
}

// Start begins serving. It returns once the listener is up; serve
// errors after that are logged.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("API server listening", "addr", s.listenAddr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return nil
}
