package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoActiveQuery   = errors.New("no active query for session")
	ErrQueryActive     = errors.New("a query is already active for session")
	ErrInvalidBlock    = errors.New("invalid content block kind")
)

// PersistenceError reports a failed load or save of a session document.
// The in-memory state is left untouched.
type PersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
