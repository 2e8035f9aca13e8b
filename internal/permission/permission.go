package permission

import "errors"

// Action is the outcome of evaluating a tool call against the policy.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// AskUserQuestionTool is the tool name the provider uses for multi-choice
// questions addressed to the user.
const AskUserQuestionTool = "AskUserQuestion"

// Messages returned to the provider when no human answer was given.
const (
	TimeoutMessage      = "Permission request timed out"
	InterruptedMessage  = "Session interrupted"
	DeniedByModeMessage = "Permission denied by permission mode"
)

// Resolution reasons reported on resolved events and metrics.
const (
	ResolvedByResponse = "response"
	ResolvedByTimeout  = "timeout"
	ResolvedByCancel   = "interrupted"
)

// ErrNotFound is returned for unknown or already resolved request ids.
var ErrNotFound = errors.New("permission request not found")

// editTools modify files and are auto-approved in acceptEdits mode.
var editTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

// IsEditTool reports whether the tool modifies files.
func IsEditTool(name string) bool {
	return editTools[name]
}

// pathKeys lists the input fields that carry a file path, by tool.
var pathKeys = []string{"file_path", "notebook_path", "path"}

// InputPath extracts the file path argument of a file tool call.
func InputPath(input map[string]any) string {
	for _, k := range pathKeys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
