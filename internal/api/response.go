package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Machine-readable error codes carried in ErrorResponse.Code
const (
	CodeValidation      = "validation_error"
	CodeInvalidRule     = "invalid_rule"
	CodeAlreadyResolved = "already_resolved"
	CodeUnauthorized    = "unauthorized"
)

// ErrorResponse is the error envelope of every endpoint
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details FieldErrors `json:"details,omitempty"`
}

// RespondJSON writes data as JSON. A nil data writes the status only.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "status", status, "err", err)
	}
}

// RespondError writes an error envelope
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondErrorWithCode writes an error envelope with a machine-readable code
func RespondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondValidationError answers 422 with the offending fields
func RespondValidationError(w http.ResponseWriter, errs FieldErrors) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    CodeValidation,
		Details: errs,
	})
}

// RespondNoContent answers 204
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
