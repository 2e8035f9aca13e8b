package provider

import (
	"context"
	"errors"

	"github.com/amon-ai/amon/pkg/types"
)

// Provider starts queries against a model backend.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string

	// Query starts one query. The returned Stream yields events until
	// io.EOF. Canceling ctx aborts the query and unblocks Recv.
	Query(ctx context.Context, req *Request) (Stream, error)
}

// Stream is an open query.
type Stream interface {
	// Recv returns the next event, or io.EOF after the last one.
	Recv() (*Message, error)

	// Interrupt asks the backend to stop the current turn. Best effort.
	Interrupt(ctx context.Context) error

	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// Preflighter is implemented by providers that can detect a missing
// dependency before a query starts.
type Preflighter interface {
	Preflight(ctx context.Context, req *Request) error
}

// CanUseTool is called by the stream when the model wants to run a tool.
// It blocks until a decision is made. For the AskUserQuestion tool an allow
// decision carries the answered questions in UpdatedInput.
type CanUseTool func(ctx context.Context, toolName string, input map[string]any) types.Decision

// Request describes one query.
type Request struct {
	Prompt string
	// History is the conversation before Prompt. Backends that keep their
	// own transcript use Resume instead.
	History           []types.Message
	Workspace         string
	Resume            string
	SystemPrompt      string
	PermissionMode    types.PermissionMode
	MaxTurns          int
	MaxThinkingTokens int
	Tools             []string
	AllowedTools      []string
	// NoTools disables tool use entirely.
	NoTools bool
	Env     map[string]string

	CanUseTool CanUseTool
}

// PreflightError reports a query that cannot start, with a hint for the
// user on how to fix it.
type PreflightError struct {
	Reason string
	Hint   string
}

func (e *PreflightError) Error() string {
	if e.Hint == "" {
		return "preflight: " + e.Reason
	}
	return "preflight: " + e.Reason + " (" + e.Hint + ")"
}

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("provider: stream closed")
