package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Errorf("api:recover", "%s %s req:%s panic: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), rec)
					writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs every request with its status and duration.
func LoggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Infof("api:request", "%s %s status:%d bytes:%d took:%s req:%s",
				r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
		})
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an ErrorResponse.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeManagerError maps a session manager error to its HTTP status.
// Unclassified errors are reported as 500 with fallbackCode.
func writeManagerError(w http.ResponseWriter, err error, fallbackCode string) {
	status, code := classify(err, fallbackCode)
	writeError(w, status, code, err.Error())
}

func classify(err error, fallbackCode string) (int, string) {
	var evalErr *errext.EvaluationError
	var timeoutErr *errext.TimeoutError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, ErrCodeSessionNotFound
	case errors.Is(err, session.ErrPageNotFound):
		return http.StatusNotFound, ErrCodePageNotFound
	case errors.Is(err, session.ErrAgentIDRequired), errors.Is(err, session.ErrInvalidSessionName):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, session.ErrSessionNameConflict):
		return http.StatusConflict, ErrCodeSessionNameConflict
	case errors.Is(err, session.ErrSessionLimitReached), errors.Is(err, session.ErrGlobalLimitReached):
		return http.StatusTooManyRequests, ErrCodeSessionLimitReached
	case errors.Is(err, session.ErrSessionNotLive), errors.Is(err, errext.ErrDisposed):
		return http.StatusGone, ErrCodeSessionNotLive
	case errors.Is(err, pool.ErrNoHealthyEndpoints), errors.Is(err, pool.ErrEmptyPool):
		return http.StatusServiceUnavailable, ErrCodeNoEndpoint
	case errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity, ErrCodeExecutionFailed
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	}
	return http.StatusInternalServerError, fallbackCode
}

// decodeJSON decodes the request body into v and writes a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return false
	}
	return true
}
