package query

import (
	"strings"

	"github.com/amon-ai/amon/pkg/types"
)

// Options override the persisted agent settings for one query.
type Options struct {
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
	MaxTurns       int                  `json:"maxTurns,omitempty"`
}

// Validate rejects malformed overrides.
func (o Options) Validate() error {
	if o.PermissionMode != "" && !o.PermissionMode.Valid() {
		return &ValidationError{Field: "permissionMode", Message: "unknown mode " + string(o.PermissionMode)}
	}
	if o.MaxTurns < 0 {
		return &ValidationError{Field: "maxTurns", Message: "must not be negative"}
	}
	return nil
}

// Apply merges the overrides into agent. Per-call values win.
func (o Options) Apply(agent types.AgentSettings) types.AgentSettings {
	if o.PermissionMode != "" {
		agent.PermissionMode = o.PermissionMode
	}
	if agent.PermissionMode == "" {
		agent.PermissionMode = types.PermissionDefault
	}
	if o.MaxTurns > 0 {
		agent.MaxTurns = o.MaxTurns
	}
	return agent
}

// SettingsSource supplies the current settings.
type SettingsSource interface {
	Settings() types.Settings
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings types.Settings

// Settings implements SettingsSource.
func (s StaticSettings) Settings() types.Settings {
	return types.Settings(s)
}

// ValidateRequest checks a prompt and its options without running it.
func ValidateRequest(prompt string, opts Options) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}
	return opts.Validate()
}

func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "must not be empty"}
	}
	return nil
}
