package query

import (
	"errors"
	"fmt"

	"github.com/amon-ai/amon/internal/provider"
)

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("query: orchestrator closed")

// ValidationError rejects a request before any provider is started.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ProviderStreamError reports a provider that failed or ended its stream
// without a result.
type ProviderStreamError struct {
	Err error
}

func (e *ProviderStreamError) Error() string {
	return "provider stream: " + e.Err.Error()
}

func (e *ProviderStreamError) Unwrap() error {
	return e.Err
}

// hint extracts the user-facing fix for err, if it has one.
func hint(err error) string {
	var pe *provider.PreflightError
	if errors.As(err, &pe) {
		return pe.Hint
	}
	return ""
}
