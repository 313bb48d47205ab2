// Package middleware holds the HTTP middleware of the status server and the
// JSON error envelope every handler answers with.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"
)

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteError writes a JSON error response carrying the request id as the
// envelope's correlation id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeErrorResponse(w, newEnvelope(r, code, message, details), status)
}

func newEnvelope(r *http.Request, code, message string, details map[string]any) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(code, message)
	if id := GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	if len(details) > 0 {
		if withCtx, err := envelope.WithContext(details); err == nil {
			envelope = withCtx
		}
	}
	return envelope
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
		Details:   envelope.Context,
	}})
}

// Recovery turns a handler panic into a 500 response.
func Recovery(next http.Handler) http.Handler {
	return RecoveryWithLogger(zap.NewNop())(next)
}

// RecoveryWithLogger is Recovery that also logs the panic.
func RecoveryWithLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				msg := fmt.Sprintf("panic: %v", rec)
				logger.Error("Handler panicked",
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("panic", msg))
				writeErrorResponse(w, newEnvelope(r, "INTERNAL_ERROR", msg, nil), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
