package permission

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule is one allowedTools entry, e.g. "Bash(git commit:*)" or "Read".
type Rule struct {
	Tool string
	// Spec is the parenthesized specifier, empty for a bare tool name.
	Spec string
}

// ParseRule parses an allowedTools entry. Malformed entries return false.
func ParseRule(s string) (Rule, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, false
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return Rule{Tool: s}, true
	}
	if open == 0 || !strings.HasSuffix(s, ")") {
		return Rule{}, false
	}
	return Rule{Tool: s[:open], Spec: strings.TrimSpace(s[open+1 : len(s)-1])}, true
}

// ParseRules parses every well-formed entry of list.
func ParseRules(list []string) []Rule {
	rules := make([]Rule, 0, len(list))
	for _, s := range list {
		if r, ok := ParseRule(s); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// String renders the rule in settings syntax.
func (r Rule) String() string {
	if r.Spec == "" {
		return r.Tool
	}
	return r.Tool + "(" + r.Spec + ")"
}

// Match reports whether the rule covers the tool call. workspace resolves
// relative file globs.
func (r Rule) Match(toolName string, input map[string]any, workspace string) bool {
	if r.Tool != toolName {
		return false
	}
	if r.Spec == "" || r.Spec == "*" {
		return true
	}
	if toolName == "Bash" {
		command, _ := input["command"].(string)
		return matchBashSpec(r.Spec, command)
	}
	path := InputPath(input)
	if path == "" {
		return false
	}
	return matchPathSpec(r.Spec, path, workspace)
}

// matchBashSpec requires every command of the line to match the spec.
// "git commit:*" is a prefix spec, anything else must match exactly.
func matchBashSpec(spec, command string) bool {
	cmds, err := ParseBashCommand(command)
	if err != nil || len(cmds) == 0 {
		return false
	}
	pattern := spec
	if strings.HasSuffix(spec, ":*") {
		pattern = strings.TrimSuffix(spec, ":*") + " *"
	}
	for _, c := range cmds {
		if !MatchPattern(pattern, c) {
			return false
		}
	}
	return true
}

func matchPathSpec(spec, path, workspace string) bool {
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	if !filepath.IsAbs(spec) && workspace != "" {
		spec = filepath.Join(workspace, spec)
	}
	ok, err := doublestar.Match(filepath.ToSlash(spec), filepath.ToSlash(filepath.Clean(path)))
	return err == nil && ok
}

// MatchPattern matches a command against a space separated pattern where
// "*" stands for one argument, or for any remaining arguments when last.
//
//	"git commit *"  git commit -m msg
//	"ls *"          ls, ls -la
//	"*"             anything
func MatchPattern(pattern string, cmd BashCommand) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}
	rest := parts[1:]
	if len(rest) > 0 && rest[len(rest)-1] == "*" {
		fixed := rest[:len(rest)-1]
		if len(cmd.Args) < len(fixed) {
			return false
		}
		for i, p := range fixed {
			if p != "*" && p != cmd.Args[i] {
				return false
			}
		}
		return true
	}
	if parts[0] == "*" && len(rest) == 0 {
		return true
	}
	if len(rest) != len(cmd.Args) {
		return false
	}
	for i, p := range rest {
		if p != "*" && p != cmd.Args[i] {
			return false
		}
	}
	return true
}

// BuildPattern returns the pattern remembered when the user approves cmd:
// "git commit -m x" becomes "git commit *", "ls -la" becomes "ls *".
func BuildPattern(cmd BashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}

// BuildPatterns returns the distinct patterns for cmds, skipping cd.
func BuildPatterns(cmds []BashCommand) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cmds {
		if c.Name == "cd" {
			continue
		}
		p := BuildPattern(c)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
