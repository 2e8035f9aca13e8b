package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/pkg/types"
)

const sessionsDir = "sessions"

// SessionStore persists one JSON document per session under <base>/sessions.
type SessionStore struct {
	storage *Storage
}

// NewSessionStore creates a session gateway over the given storage.
func NewSessionStore(s *Storage) *SessionStore {
	return &SessionStore{storage: s}
}

// Load reads a session. Returns ErrNotFound when no document exists.
func (s *SessionStore) Load(ctx context.Context, id string) (*types.Session, error) {
	var session types.Session
	if err := s.storage.Get(ctx, []string{sessionsDir, id}, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		session.ID = id
	}
	return &session, nil
}

// LoadAll reads every session, most recently updated first.
// Documents that fail to decode are logged and skipped.
func (s *SessionStore) LoadAll(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.storage.Scan(ctx, []string{sessionsDir}, func(key string, data json.RawMessage) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			logging.Warn().Err(err).Str("session", key).Msg("skipping unreadable session document")
			return nil
		}
		if session.ID == "" {
			session.ID = key
		}
		sessions = append(sessions, &session)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions, nil
}

// Save atomically overwrites the session document.
func (s *SessionStore) Save(ctx context.Context, session *types.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("save session: missing id")
	}
	return s.storage.Put(ctx, []string{sessionsDir, session.ID}, session)
}

// Delete removes the session document and reports whether it existed.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.storage.Delete(ctx, []string{sessionsDir, id})
}
