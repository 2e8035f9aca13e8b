package types

// PermissionMode controls how tool permission requests are handled.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionDontAsk           PermissionMode = "dontAsk"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a known permission mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionDontAsk, PermissionBypassPermissions:
		return true
	}
	return false
}

// Backend selects how queries reach the model.
type Backend string

const (
	// BackendCLI runs the Claude agent CLI as a child process.
	BackendCLI Backend = "cli"
	// BackendAPI streams directly from a chat completion API.
	BackendAPI Backend = "api"
)

// Settings is the user configuration.
// Compatible with the JSON settings file written by the desktop app.
type Settings struct {
	Agent      AgentSettings  `json:"agent" yaml:"agent"`
	Workspaces []Workspace    `json:"workspaces,omitempty" yaml:"workspaces,omitempty"`
	Server     ServerSettings `json:"server" yaml:"server"`
	Theme      string         `json:"theme,omitempty" yaml:"theme,omitempty"`
}

// AgentSettings configures query execution.
type AgentSettings struct {
	PermissionMode    PermissionMode   `json:"permissionMode,omitempty" yaml:"permissionMode,omitempty"`
	MaxTurns          int              `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	MaxThinkingTokens int              `json:"maxThinkingTokens,omitempty" yaml:"maxThinkingTokens,omitempty"`
	SystemPrompt      string           `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Tools             []string         `json:"tools,omitempty" yaml:"tools,omitempty"`
	AllowedTools      []string         `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
	Providers         []ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"`
	ActiveProviderID  string           `json:"activeProviderId,omitempty" yaml:"activeProviderId,omitempty"`
	// ClaudeCodeMode leaves credentials to the CLI's own configuration.
	ClaudeCodeMode bool    `json:"claudeCodeMode,omitempty" yaml:"claudeCodeMode,omitempty"`
	Backend        Backend `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Executable is the path or name of the Claude agent CLI.
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty"`
}

// ActiveProvider returns the provider selected by ActiveProviderID.
func (a *AgentSettings) ActiveProvider() (ProviderConfig, bool) {
	for _, p := range a.Providers {
		if p.ID == a.ActiveProviderID {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ProviderConfig describes one model endpoint.
type ProviderConfig struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" | "openai" | "ark"
	APIURL string `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Workspace is a named working directory sessions can run in.
type Workspace struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Path      string `json:"path" yaml:"path"`
	IsDefault bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}
