package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/pkg/types"
)

// PromptRequest is the body of POST /session/{sessionID}/prompt.
type PromptRequest struct {
	Text           string               `json:"text"`
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
	MaxTurns       int                  `json:"maxTurns,omitempty"`
}

// PermissionResponse is the body of POST /permission/{requestID}.
type PermissionResponse struct {
	Behavior     types.Behavior `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Remember     bool           `json:"remember,omitempty"`
}

// QuestionResponse is the body of POST /question/{requestID}.
type QuestionResponse struct {
	Answers types.Answers `json:"answers"`
}

// sendPrompt handles POST /session/{sessionID}/prompt. The query runs in
// the background; progress arrives as notifications.
func (s *Server) sendPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if err := s.startPrompt(r.Context(), sessionID, req); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

// startPrompt validates and launches a query. Failures after launch are
// reported as query.error notifications.
func (s *Server) startPrompt(ctx context.Context, sessionID string, req PromptRequest) error {
	opts := query.Options{PermissionMode: req.PermissionMode, MaxTurns: req.MaxTurns}
	if err := query.ValidateRequest(req.Text, opts); err != nil {
		return err
	}
	if _, err := s.sessions.EnsureLoaded(ctx, sessionID); err != nil {
		return err
	}

	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		if _, err := s.orch.Execute(context.Background(), sessionID, req.Text, opts); err != nil {
			s.log.Debug().Err(err).Str("session", sessionID).Msg("prompt failed")
		}
	}()
	return nil
}

// interruptSession handles POST /session/{sessionID}/interrupt
func (s *Server) interruptSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Interrupt(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

// respondPermission handles POST /permission/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if err := s.resolvePermission(chi.URLParam(r, "requestID"), req); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) resolvePermission(requestID string, req PermissionResponse) error {
	switch req.Behavior {
	case types.BehaviorAllow, types.BehaviorDeny:
	default:
		return &query.ValidationError{Field: "behavior", Message: "must be allow or deny"}
	}
	ok := s.broker.Resolve(requestID, types.Decision{
		Behavior:     req.Behavior,
		Message:      req.Message,
		UpdatedInput: req.UpdatedInput,
		Remember:     req.Remember,
	})
	if !ok {
		return permission.ErrNotFound
	}
	return nil
}

// respondQuestion handles POST /question/{requestID}
func (s *Server) respondQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if !s.broker.ResolveUserChoice(chi.URLParam(r, "requestID"), req.Answers) {
		writeFailure(w, permission.ErrNotFound)
		return
	}
	writeSuccess(w)
}

// getConfig handles GET /config
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Redact(s.settings.Settings()))
}
