package event

import "github.com/amon-ai/amon/pkg/types"

// SessionData is the data for session.created and session.updated events.
type SessionData struct {
	Info types.SessionInfo `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}

// MessagesChangedData carries the full message list of a session.
// Seq increases with every notification for the session.
type MessagesChangedData struct {
	SessionID string          `json:"sessionId"`
	Messages  []types.Message `json:"messages"`
	Seq       uint64          `json:"seq"`
}

// QueryStateData is the data for query.state events.
type QueryStateData struct {
	SessionID string `json:"sessionId"`
	Loading   bool   `json:"loading"`
}

// QueryCompleteData is the data for query.complete events.
type QueryCompleteData struct {
	SessionID string             `json:"sessionId"`
	Outcome   types.QueryOutcome `json:"outcome"`
}

// QueryErrorData is the data for query.error events.
type QueryErrorData struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
}

// PermissionRequiredData is the data for permission.required events.
type PermissionRequiredData struct {
	Request types.PermissionRequest `json:"request"`
}

// ResolvedData is the data for permission.resolved and question.resolved
// events. Reason is one of "response", "timeout" or "interrupted".
type ResolvedData struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// QuestionRequiredData is the data for question.required events.
type QuestionRequiredData struct {
	Request types.QuestionRequest `json:"request"`
}

// SettingsChangedData is the data for settings.changed events. API keys
// are redacted.
type SettingsChangedData struct {
	Settings types.Settings `json:"settings"`
}
