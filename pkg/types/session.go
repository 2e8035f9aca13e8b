// Package types provides the core data types shared by the amon service,
// its HTTP API and the on-disk session documents.
package types

// Session represents one persistent conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
	Messages  []Message `json:"messages"`

	// ProviderConversationID is the provider's own session id, used to resume
	// the conversation on the next query.
	ProviderConversationID string `json:"providerConversationId,omitempty"`
	WorkspacePath          string `json:"workspacePath,omitempty"`

	// TitleRefreshCount is the user message count at which the title was last
	// regenerated.
	TitleRefreshCount int `json:"titleRefreshCount,omitempty"`
}

// SessionInfo is the list view of a session, without its messages.
type SessionInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
	MessageCount  int    `json:"messageCount"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	Loading       bool   `json:"loading"`
}

// Info returns the list view of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Name:          s.Name,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		MessageCount:  len(s.Messages),
		WorkspacePath: s.WorkspacePath,
	}
}

// UserMessageCount counts messages authored by the user.
func (s *Session) UserMessageCount() int {
	n := 0
	for i := range s.Messages {
		if s.Messages[i].Role == RoleUser {
			n++
		}
	}
	return n
}

// FindMessage returns the index of the message with the given id, or -1.
func (s *Session) FindMessage(id string) int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i := range s.Messages {
			out.Messages[i] = s.Messages[i].Clone()
		}
	}
	return &out
}
