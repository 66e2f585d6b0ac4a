package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into a 500 logged to the global
// logger.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return RecoveryWithLogger(logging.Get())(next)
}

func RecoveryWithLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				id := GetRequestIDFromRequest(r)
				if id == "" {
					id = w.Header().Get(RequestIDHeader)
				}
				logger.Errorw("Panic recovered",
					"panic", p,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", id,
					"stack", string(debug.Stack()),
				)
				metrics.RecordError(string(errors.ErrorTypeInternal), r.URL.Path)

				details := map[string]string{}
				if id != "" {
					details["request_id"] = id
				}
				WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
					Error:   true,
					Type:    string(errors.ErrorTypeInternal),
					Message: "An unexpected error occurred",
					Details: details,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
