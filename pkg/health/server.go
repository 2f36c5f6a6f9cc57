package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

const (
	serverReadTimeout  = 5 * time.Second
	serverWriteTimeout = 10 * time.Second
	serverIdleTimeout  = 60 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Router returns the health and metrics routes for status.
func Router(status *Status, gatherer prometheus.Gatherer) http.Handler {
	routes := &healthRoutes{status: status}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", routes.getHealth)
	r.Get("/readyz", routes.getReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

type healthRoutes struct {
	status *Status
}

// getHealth answers 204 while the proxy process is alive.
func (h *healthRoutes) getHealth(w http.ResponseWriter, _ *http.Request) {
	if !h.status.Running() {
		http.Error(w, "proxy is not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getReady answers 204 once the proxy accepts connections on its port.
func (h *healthRoutes) getReady(w http.ResponseWriter, _ *http.Request) {
	if !h.status.Ready() {
		http.Error(w, "proxy is not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Server serves the health router until its context is cancelled.
type Server struct {
	addr     string
	handler  http.Handler
	listener net.Listener
}

// NewServer creates a Server bound to addr. Binding happens immediately so
// that address conflicts surface before the proxy is started.
func NewServer(addr string, handler http.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{addr: addr, handler: handler, listener: listener}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Health server listening on %s", s.Addr())
		if err := server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Health server forced to shutdown: %v", err)
		return err
	}
	return nil
}
