package types

// Behavior is the outcome of a tool permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is the answer to a tool permission request.
type Decision struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	// Remember approves matching requests for the rest of the session.
	Remember bool `json:"remember,omitempty"`
}

// Allowed reports whether the decision permits the tool call.
func (d Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// Allow returns an allow decision passing the input through.
func Allow(input map[string]any) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny returns a deny decision with the given reason.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// PermissionRequest is a pending tool permission request.
type PermissionRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	Timestamp int64          `json:"timestamp"`
	// Repeated is set when the same call was requested several times in a row.
	Repeated bool `json:"repeated,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is one entry of an "ask user" request.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// QuestionRequest is a pending "ask user" request.
type QuestionRequest struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Questions []Question `json:"questions"`
	Timestamp int64      `json:"timestamp"`
}

// Answers maps question text to the selected answer.
type Answers map[string]string

// PendingRequests groups outstanding requests for one session.
type PendingRequests struct {
	Permissions []PermissionRequest `json:"permissions"`
	Questions   []QuestionRequest   `json:"questions"`
}
