package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Machine-readable error codes carried in ErrorResponse.Code.
const (
	CodeValidation         = "validation_error"
	CodeRateLimited        = "rate_limited"
	CodeUnknownEventType   = "unknown_event_type"
	CodeUnknownTarget      = "unknown_target"
	CodeUnexpectedCallback = "unexpected_callback"
	CodeExecutionFinished  = "execution_finished"
	CodeInternal           = "internal_error"
)

// ErrorResponse is the error body returned by the webhook and API routes.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes data as JSON with the given status. A nil data writes
// only the status line.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("Failed to encode JSON response", zap.Error(err))
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

func RespondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondValidationError reports per-field request errors as 422.
func RespondValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    CodeValidation,
		Details: fieldErrors,
	})
}

// RespondAccepted acknowledges a monitoring event. Ingestion continues
// after the response, so the body carries no issue state.
func RespondAccepted(w http.ResponseWriter, source, requestID string) {
	RespondJSON(w, http.StatusAccepted, IngestResponse{
		Status:    "accepted",
		Source:    source,
		RequestID: requestID,
	})
}
