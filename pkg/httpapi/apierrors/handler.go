// Package apierrors provides HTTP error handling utilities for pkg/httpapi:
// handlers return an error instead of writing one by hand.
package apierrors

import (
	"net/http"

	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// HandlerWithError is an HTTP handler that can return an error, letting
// route functions return errors instead of manually writing error
// responses.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts a returned error into
// an HTTP response:
//   - nil error: the handler already wrote its own response.
//   - 5xx (perrors.Code): logs the full error, returns a generic message.
//   - 4xx: returns the error message to the client.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := perrors.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorf("internal server error: %v", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}
