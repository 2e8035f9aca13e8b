package permission

import (
	"path/filepath"
	"sync"

	"github.com/amon-ai/amon/pkg/types"
)

// Policy evaluates tool calls without asking anyone.
type Policy struct {
	mode      types.PermissionMode
	rules     []Rule
	workspace string
	approvals *Approvals
}

// NewPolicy builds a policy from the agent settings for one workspace.
// approvals may be nil.
func NewPolicy(agent types.AgentSettings, workspace string, approvals *Approvals) *Policy {
	mode := agent.PermissionMode
	if !mode.Valid() {
		mode = types.PermissionDefault
	}
	return &Policy{
		mode:      mode,
		rules:     ParseRules(agent.AllowedTools),
		workspace: workspace,
		approvals: approvals,
	}
}

// Mode returns the effective permission mode.
func (p *Policy) Mode() types.PermissionMode {
	return p.mode
}

// Evaluate decides a tool call. AskUserQuestion always asks, since only the
// user can answer it.
func (p *Policy) Evaluate(sessionID, toolName string, input map[string]any) Action {
	if toolName == AskUserQuestionTool {
		return ActionAsk
	}
	if p.mode == types.PermissionBypassPermissions {
		return ActionAllow
	}
	for _, r := range p.rules {
		if r.Match(toolName, input, p.workspace) {
			return ActionAllow
		}
	}
	if p.approvals.Approved(sessionID, toolName, input) {
		return ActionAllow
	}
	if p.mode == types.PermissionAcceptEdits && IsEditTool(toolName) && p.inWorkspace(input) {
		return ActionAllow
	}
	if p.mode == types.PermissionDontAsk {
		return ActionDeny
	}
	return ActionAsk
}

func (p *Policy) inWorkspace(input map[string]any) bool {
	path := InputPath(input)
	if path == "" || p.workspace == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.workspace, path)
	}
	return IsWithinDir(path, p.workspace)
}

// Approvals holds the "always allow" answers a user gave during a session.
// Bash approvals are remembered per command pattern, other tools per name.
type Approvals struct {
	mu       sync.RWMutex
	tools    map[string]map[string]bool
	patterns map[string]map[string]bool
}

// NewApprovals creates an empty approval store.
func NewApprovals() *Approvals {
	return &Approvals{
		tools:    make(map[string]map[string]bool),
		patterns: make(map[string]map[string]bool),
	}
}

// Remember records an approval for calls like this one. Lines containing a
// dangerous command or failing to parse are not remembered.
func (a *Approvals) Remember(sessionID, toolName string, input map[string]any) bool {
	if a == nil || toolName == AskUserQuestionTool {
		return false
	}
	if toolName != "Bash" {
		a.mu.Lock()
		set(a.tools, sessionID)[toolName] = true
		a.mu.Unlock()
		return true
	}

	command, _ := input["command"].(string)
	cmds, err := ParseBashCommand(command)
	if err != nil || len(cmds) == 0 {
		return false
	}
	for _, c := range cmds {
		if IsDangerousCommand(c.Name) {
			return false
		}
	}
	a.mu.Lock()
	s := set(a.patterns, sessionID)
	for _, p := range BuildPatterns(cmds) {
		s[p] = true
	}
	a.mu.Unlock()
	return true
}

// Approved reports whether an earlier approval covers the call.
func (a *Approvals) Approved(sessionID, toolName string, input map[string]any) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if toolName != "Bash" {
		return a.tools[sessionID][toolName]
	}
	patterns := a.patterns[sessionID]
	if len(patterns) == 0 {
		return false
	}
	command, _ := input["command"].(string)
	cmds, err := ParseBashCommand(command)
	if err != nil || len(cmds) == 0 {
		return false
	}
	for _, c := range cmds {
		if c.Name == "cd" {
			continue
		}
		matched := false
		for p := range patterns {
			if MatchPattern(p, c) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Clear forgets every approval of the session.
func (a *Approvals) Clear(sessionID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.tools, sessionID)
	delete(a.patterns, sessionID)
	a.mu.Unlock()
}

func set(m map[string]map[string]bool, key string) map[string]bool {
	s, ok := m[key]
	if !ok {
		s = make(map[string]bool)
		m[key] = s
	}
	return s
}
