// Package httpapi is the proxy's thin HTTP front end: a single JSON-RPC
// dispatch endpoint over the Request Handler, plus a liveness probe,
// built with github.com/go-chi/chi/v5.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-proxy/pkg/handler"
	"github.com/stacklok/mcp-proxy/pkg/httpapi/apierrors"
	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the Request Handler in an HTTP transport.
type Server struct {
	handler *handler.Handler
}

// NewServer returns a Server dispatching onto h.
func NewServer(h *handler.Handler) *Server {
	return &Server{handler: h}
}

// Router builds the chi.Router mounting this server's routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)
	r.Get("/health", s.getHealth)
	r.Post("/", apierrors.ErrorHandler(s.postRPC))
	r.Post("/mcp", apierrors.ErrorHandler(s.postRPC))
	return r
}

// getHealth always reports healthy: the proxy itself has no external
// dependency to probe, per the Non-goals scoping out a readiness
// surface that inspects individual backend health.
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "mcp-proxy"})
}

// postRPC decodes one JSON-RPC request, dispatches it through the Request
// Handler, and writes the response.
func (s *Server) postRPC(w http.ResponseWriter, r *http.Request) error {
	var req handler.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return perrors.NewInvalidRequestError("malformed JSON-RPC body", err)
	}

	resp := s.handler.Handle(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(resp)
}

// Serve starts the HTTP server on address and blocks until ctx is
// cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, address string, h *handler.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           NewServer(h).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Infof("http server listening on %s", address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infof("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
