package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/internal/session"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}

	writeJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result["message"] != "hello" {
		t.Errorf("Expected message 'hello', got '%s'", result["message"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	var result ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidRequest, result.Error.Code)
	}
	if result.Error.Message != "Invalid input" {
		t.Errorf("Expected message 'Invalid input', got '%s'", result.Error.Message)
	}
}

func TestWriteErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	details := map[string]any{
		"field":  "email",
		"reason": "invalid format",
	}

	writeErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeInvalidRequest, "Validation failed", details)

	var result ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result.Error.Details["field"] != "email" {
		t.Errorf("Expected details.field 'email', got '%v'", result.Error.Details["field"])
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	writeSuccess(w)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result bool
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !result {
		t.Error("Expected true")
	}
}

func TestWriteFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"query validation", &query.ValidationError{Field: "prompt", Message: "must not be empty"}, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"config validation", &config.ValidationError{Field: "port", Message: "out of range"}, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"preflight", &provider.PreflightError{Reason: "claude not found", Hint: provider.InstallHint}, http.StatusPreconditionFailed, ErrCodePreconditionFailed},
		{"unknown session", fmt.Errorf("load: %w", session.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"unknown request", permission.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"stream", &query.ProviderStreamError{Err: io.ErrUnexpectedEOF}, http.StatusBadGateway, ErrCodeProviderError},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeFailure(w, tt.err)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			var result ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if result.Error.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, result.Error.Code)
			}
		})
	}
}

func TestWriteFailureCarriesFieldAndHint(t *testing.T) {
	_, detail := failure(&query.ValidationError{Field: "workspace", Message: "does not exist"})
	if detail.Details["field"] != "workspace" {
		t.Errorf("Expected field workspace, got %v", detail.Details["field"])
	}

	_, detail = failure(&provider.PreflightError{Reason: "missing", Hint: "install it"})
	if detail.Hint != "install it" {
		t.Errorf("Expected hint, got %q", detail.Hint)
	}
	if detail.Message != "missing" {
		t.Errorf("Expected message 'missing', got %q", detail.Message)
	}
}
