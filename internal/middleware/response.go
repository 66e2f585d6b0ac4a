package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/metrics"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   bool        `json:"error"`
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// SendErrorResponse renders err. Errors that are not AppErrors are reported
// as a generic internal error so nothing from the chain leaks to the client.
func SendErrorResponse(w http.ResponseWriter, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		logging.Get().Errorw("Unhandled error", "error", err)
		appErr = errors.New(errors.ErrorTypeInternal, "An error occurred")
	}

	switch appErr.Type {
	case errors.ErrorTypeInternal, errors.ErrorTypeStorage:
		if ok {
			logging.Get().Errorw("Request failed", "type", appErr.Type, "message", appErr.Message, "error", appErr.Internal)
		}
	default:
		logging.Get().Infow("Request rejected", "type", appErr.Type, "message", appErr.Message)
	}
	metrics.RecordError(string(appErr.Type), "")

	WriteJSON(w, appErr.HTTPStatus(), ErrorResponse{
		Error:   true,
		Type:    string(appErr.Type),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get().Errorw("Failed to encode response", "error", err)
	}
}

// HandleError sends err as is when it is an AppError and wraps it as an
// internal error otherwise. A nil err is a no-op.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if _, ok := errors.AsAppError(err); !ok {
		err = errors.InternalError("An error occurred processing your request", err)
	}
	if id := GetRequestIDFromRequest(r); id != "" {
		logging.WithRequestID(id).Debugw("Handler error", "path", r.URL.Path, "error", err)
	}
	SendErrorResponse(w, err)
}
