package provider

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/amon-ai/amon/pkg/types"
)

// ChatModelFactory builds an eino chat model for a provider config.
type ChatModelFactory func(ctx context.Context, cfg types.ProviderConfig, agent types.AgentSettings) (model.BaseChatModel, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFixed makes the registry resolve every request to p.
func WithFixed(p Provider) RegistryOption {
	return func(r *Registry) { r.fixed = p }
}

// WithChatModelFactory replaces NewChatModel.
func WithChatModelFactory(f ChatModelFactory) RegistryOption {
	return func(r *Registry) { r.factory = f }
}

// Registry picks the provider for the current agent settings and caches
// the ones it built.
type Registry struct {
	fixed   Provider
	factory ChatModelFactory

	mu   sync.Mutex
	cli  map[string]*CLIProvider
	chat map[string]*ChatProvider
}

// NewRegistry creates a registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: NewChatModel,
		cli:     make(map[string]*CLIProvider),
		chat:    make(map[string]*ChatProvider),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the provider for agent. Configuration problems are
// reported as *PreflightError.
func (r *Registry) Resolve(ctx context.Context, agent types.AgentSettings) (Provider, error) {
	if r.fixed != nil {
		return r.fixed, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if agent.Backend != types.BackendAPI {
		exe := firstNonEmpty(agent.Executable, DefaultExecutable)
		p, ok := r.cli[exe]
		if !ok {
			p = NewCLIProvider(exe)
			r.cli[exe] = p
		}
		return p, nil
	}

	cfg, ok := agent.ActiveProvider()
	if !ok {
		return nil, &PreflightError{
			Reason: "no active provider configured",
			Hint:   "add a provider in settings and set activeProviderId",
		}
	}
	key := strings.Join([]string{cfg.ID, cfg.Type, cfg.APIURL, cfg.Model, APIKey(cfg), strconv.Itoa(agent.MaxThinkingTokens)}, "\x00")
	if p, ok := r.chat[key]; ok {
		return p, nil
	}
	m, err := r.factory(ctx, cfg, agent)
	if err != nil {
		return nil, err
	}
	p := NewChatProvider(firstNonEmpty(cfg.ID, cfg.Type, TypeAnthropic), m, 0)
	r.chat[key] = p
	return p, nil
}

// Env returns the environment passed to the agent CLI for agent. Unless
// claudeCodeMode is set the active provider's endpoint and key override
// the CLI's own configuration.
func Env(agent types.AgentSettings) map[string]string {
	env := make(map[string]string)
	if agent.MaxThinkingTokens > 0 {
		env["MAX_THINKING_TOKENS"] = strconv.Itoa(agent.MaxThinkingTokens)
	}
	if agent.ClaudeCodeMode {
		return env
	}
	if p, ok := agent.ActiveProvider(); ok {
		if p.APIKey != "" {
			env["ANTHROPIC_API_KEY"] = p.APIKey
		}
		if p.APIURL != "" {
			env["ANTHROPIC_BASE_URL"] = p.APIURL
		}
		if p.Model != "" {
			env["ANTHROPIC_MODEL"] = p.Model
		}
	}
	return env
}
