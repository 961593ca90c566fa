// Package api exposes the sidecar's HTTP surface: token issuance, health,
// metrics views, and the OpenAPI document.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/auth-sidecar/internal/cache"
	"github.com/ocx/auth-sidecar/internal/cardinality"
	"github.com/ocx/auth-sidecar/internal/circuitbreaker"
	"github.com/ocx/auth-sidecar/internal/config"
	"github.com/ocx/auth-sidecar/internal/gateway"
	"github.com/ocx/auth-sidecar/internal/metrics"
	"github.com/ocx/auth-sidecar/internal/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the sidecar's components behind the router.
type Server struct {
	cfg      *config.Config
	signer   *token.Signer
	gateway  *gateway.Resilient
	governor *cardinality.Governor
	volume   *cardinality.VolumeClassifier
	breakers *circuitbreaker.Registry
	cache    cache.StaleCache
	metrics  *metrics.Metrics

	openapiDoc  []byte
	openapiETag string

	httpServer *http.Server
}

func NewServer(
	cfg *config.Config,
	signer *token.Signer,
	gw *gateway.Resilient,
	governor *cardinality.Governor,
	volume *cardinality.VolumeClassifier,
	breakers *circuitbreaker.Registry,
	staleCache cache.StaleCache,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		signer:   signer,
		gateway:  gw,
		governor: governor,
		volume:   volume,
		breakers: breakers,
		cache:    staleCache,
		metrics:  m,
	}
	s.openapiDoc, s.openapiETag = buildOpenAPIDoc()
	return s
}

// Router builds the full route table with the middleware chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(corsMiddleware)
	r.Use(s.bodyLimitMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/tokens", s.handleTokens).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/health/telemetry", s.handleTelemetryHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetricsView).Methods(http.MethodGet)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleOpenAPI).Methods(http.MethodGet)

	r.NotFoundHandler = s.applyBaseMiddleware(http.HandlerFunc(s.handleNotFound))
	r.MethodNotAllowedHandler = s.applyBaseMiddleware(http.HandlerFunc(s.handleNotFound))

	return r
}

// applyBaseMiddleware covers handlers outside the router's middleware chain
// (mux does not run Use() middleware for NotFoundHandler).
func (s *Server) applyBaseMiddleware(h http.Handler) http.Handler {
	return s.requestIDMiddleware(corsMiddleware(h))
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("auth sidecar listening", "port", s.cfg.Server.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
