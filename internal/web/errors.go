package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with its technical detail and request ID, then
// returned to the client as the user message from core.MapError. The HTTP
// status is derived from the same error so handlers never pick one.

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/JonMunkholm/bulkwaste/internal/logging"
)

var errRateLimited = errors.New("rate limit exceeded")

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes its user message with the matching
// status code.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	writeError(w, status, userMsg)
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	var csvErr *core.CsvFormatError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &csvErr),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidStateTransition),
		errors.Is(err, core.ErrNotSubmitted),
		errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyBatches), errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}

	// Errors that only surface as text, such as a wrapped body limit
	switch core.MapError(err).Code {
	case "REQ003":
		return http.StatusRequestEntityTooLarge
	case "REQ002", "STO002":
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg core.UserMessage) {
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}
