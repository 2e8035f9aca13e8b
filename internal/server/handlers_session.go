package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name      string `json:"name,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// UpdateSessionRequest renames a session or moves it to another workspace.
type UpdateSessionRequest struct {
	Name      *string `json:"name,omitempty"`
	Workspace *string `json:"workspace,omitempty"`
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
			return
		}
	}

	sess, err := s.sessions.Create(r.Context(), req.Name, req.Workspace)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.EnsureLoaded(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// updateSession handles PATCH /session/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		writeFailure(w, &query.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}
	if _, err := s.sessions.EnsureLoaded(r.Context(), sessionID); err != nil {
		writeFailure(w, err)
		return
	}

	if req.Name != nil {
		if err := s.sessions.Rename(r.Context(), sessionID, *req.Name); err != nil {
			writeFailure(w, err)
			return
		}
	}
	if req.Workspace != nil {
		if err := s.sessions.SetWorkspace(r.Context(), sessionID, *req.Workspace); err != nil {
			writeFailure(w, err)
			return
		}
	}

	sess, _ := s.sessions.Get(sessionID)
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ok, err := s.orch.DeleteSession(r.Context(), sessionID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	writeSuccess(w)
}

// getSessionStatus handles GET /session/status
func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"loading": s.sessions.LoadingSessions(),
	})
}

// getMessages handles GET /session/{sessionID}/message
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.EnsureLoaded(r.Context(), sessionID); err != nil {
		writeFailure(w, err)
		return
	}
	msgs, err := s.sessions.Messages(sessionID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// getPending handles GET /session/{sessionID}/pending
func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.GetPendingForSession(chi.URLParam(r, "sessionID")))
}
