package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/internal/session"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeProviderError      = "PROVIDER_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, Details: details},
	})
}

// failure maps err to a status and error detail.
func failure(err error) (int, ErrorDetail) {
	var (
		qv *query.ValidationError
		cv *config.ValidationError
		pe *provider.PreflightError
		se *query.ProviderStreamError
	)
	switch {
	case errors.As(err, &qv):
		return http.StatusBadRequest, ErrorDetail{Code: ErrCodeInvalidRequest, Message: err.Error(), Details: map[string]any{"field": qv.Field}}
	case errors.As(err, &cv):
		return http.StatusBadRequest, ErrorDetail{Code: ErrCodeInvalidRequest, Message: err.Error(), Details: map[string]any{"field": cv.Field}}
	case errors.As(err, &pe):
		return http.StatusPreconditionFailed, ErrorDetail{Code: ErrCodePreconditionFailed, Message: pe.Reason, Hint: pe.Hint}
	case errors.Is(err, session.ErrNotFound), errors.Is(err, permission.ErrNotFound):
		return http.StatusNotFound, ErrorDetail{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.As(err, &se):
		return http.StatusBadGateway, ErrorDetail{Code: ErrCodeProviderError, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorDetail{Code: ErrCodeInternalError, Message: err.Error()}
	}
}

// writeFailure writes err with the status failure picks for it.
func writeFailure(w http.ResponseWriter, err error) {
	status, detail := failure(err)
	writeJSON(w, status, ErrorResponse{Error: detail})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, true)
}
