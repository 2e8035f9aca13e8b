// Package permission decides whether the provider may run a tool.
//
// A call is first evaluated by the Policy, which combines the permission
// mode from the agent settings, the allowedTools rules and the approvals the
// user granted earlier in the same session:
//
//	policy := permission.NewPolicy(settings.Agent, workspace)
//	switch policy.Evaluate(sessionID, "Bash", input) {
//	case permission.ActionAllow:
//	case permission.ActionDeny:
//	case permission.ActionAsk:
//		d := broker.RequestDecision(ctx, sessionID, "Bash", input)
//	}
//
// # Rules
//
// Rules use the Claude settings syntax. A bare tool name matches every call
// of that tool. A parenthesized specifier narrows it:
//
//	Bash(git status)      exact command
//	Bash(git commit:*)    command prefix
//	Read(src/**/*.go)     file path glob, relative to the workspace
//
// Bash specifiers are matched against every command of a pipeline or list,
// parsed with mvdan.cc/sh, and all of them must match. File globs use
// doublestar.
//
// # Broker
//
// The Broker publishes permission.required and question.required events and
// waits for Resolve or ResolveUserChoice. Requests left unanswered resolve
// after the timeout: decisions deny with TimeoutMessage and questions
// return empty answers. CancelAllForSession resolves everything pending for
// a session with InterruptedMessage.
//
// # Loop detection
//
// The broker marks a request as Repeated when the same tool is called with
// the same input DoomLoopThreshold times in a row, so the UI can warn before
// the user approves again.
package permission
