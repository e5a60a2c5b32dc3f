// Package http provides the HTTP transport adapter for the service.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/formbridge/formbridge/internal/domain/auth"
	"github.com/formbridge/formbridge/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPTransport is the inbound adapter that connects the portal façade to
// HTTP clients. It owns the listener lifecycle and the Prometheus registry
// the service registers into.
type HTTPTransport struct {
	portal        *service.PortalService
	server        *http.Server
	addr          string
	logger        *slog.Logger
	metrics       *Metrics
	healthChecker *HealthChecker
	apiKeys       *auth.APIKeyService
	registry      *prometheus.Registry
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithAPIKeyService enables Bearer-token auth on the API routes.
// When not set, the API is open (intended for localhost development).
func WithAPIKeyService(keys *auth.APIKeyService) Option {
	return func(t *HTTPTransport) {
		t.apiKeys = keys
	}
}

// WithRegistry sets the Prometheus registry shared with other components.
// When not set, Start creates a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the portal service.
func NewHTTPTransport(portal *service.PortalService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		portal: portal,
		addr:   "127.0.0.1:8080",
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or the listener fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := t.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	handler := NewHandler(t.portal, t.logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/workflows", t.route("workflows", http.HandlerFunc(handler.handleSubmit)))
	mux.Handle("GET /v1/sessions", t.route("sessions", http.HandlerFunc(handler.handleListSessions)))
	mux.Handle("DELETE /v1/sessions/{id}", t.route("sessions", http.HandlerFunc(handler.handleCloseSession)))

	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// route builds the middleware chain for one API route. Auth sits inside the
// request-id wrapper so rejected requests still show up in access logs and
// metrics.
func (t *HTTPTransport) route(name string, next http.Handler) http.Handler {
	next = withAuth(t.apiKeys, t.logger, next)
	return withRequestID(t.logger, t.metrics, name, next)
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
