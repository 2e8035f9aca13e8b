package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/amon-ai/amon/pkg/types"
)

// Provider types accepted in ProviderConfig.Type.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeArk       = "ark"
)

const (
	defaultChatMaxTokens = 8192
	defaultClaudeModel   = "claude-sonnet-4-20250514"
	defaultOpenAIModel   = "gpt-4o"
)

// ChatProvider streams queries straight from a chat completion API through
// an eino chat model. It has no tool loop: every query is a single turn.
type ChatProvider struct {
	name      string
	model     model.BaseChatModel
	maxTokens int
}

// NewChatProvider wraps an eino chat model.
func NewChatProvider(name string, m model.BaseChatModel, maxTokens int) *ChatProvider {
	return &ChatProvider{name: name, model: m, maxTokens: maxTokens}
}

// Name implements Provider.
func (p *ChatProvider) Name() string { return "api/" + p.name }

// Query implements Provider.
func (p *ChatProvider) Query(ctx context.Context, req *Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	var opts []model.Option
	if p.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.maxTokens))
	}
	reader, err := p.model.Stream(ctx, toSchemaMessages(req), opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream %s: %w", p.name, err)
	}
	return &chatStream{
		ctx:     ctx,
		cancel:  cancel,
		reader:  reader,
		started: time.Now(),
	}, nil
}

// toSchemaMessages renders the history as plain text turns.
func toSchemaMessages(req *Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(req.SystemPrompt))
	}
	for i := range req.History {
		m := &req.History[i]
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, schema.UserMessage(text))
		case types.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(text, nil))
		}
	}
	return append(msgs, schema.UserMessage(req.Prompt))
}

// chatStream carries no conversation id: the model APIs are stateless and
// the history is replayed on every request.
type chatStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	reader  *schema.StreamReader[*schema.Message]
	started time.Time

	queue    []*Message
	finished bool
	sentInit bool

	text     strings.Builder
	thinking strings.Builder
	usage    *Usage
}

func (s *chatStream) Recv() (*Message, error) {
	if !s.sentInit {
		s.sentInit = true
		return &Message{Type: TypeSystem, Subtype: "init"}, nil
	}
	for {
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			return m, nil
		}
		if s.finished {
			return nil, io.EOF
		}

		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.finished = true
			s.queue = append(s.queue, s.snapshot(), s.result())
			continue
		}
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		s.apply(chunk)
	}
}

func (s *chatStream) apply(chunk *schema.Message) {
	if chunk.ReasoningContent != "" {
		s.thinking.WriteString(chunk.ReasoningContent)
		s.queue = append(s.queue, ThinkingDelta(chunk.ReasoningContent))
	}
	if chunk.Content != "" {
		s.text.WriteString(chunk.Content)
		s.queue = append(s.queue, TextDelta(chunk.Content))
	}
	if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
		u := chunk.ResponseMeta.Usage
		s.usage = &Usage{
			InputTokens:  int64(u.PromptTokens),
			OutputTokens: int64(u.CompletionTokens),
		}
	}
}

func (s *chatStream) snapshot() *Message {
	var items []ContentItem
	if s.thinking.Len() > 0 {
		items = append(items, ContentItem{Type: ItemThinking, Thinking: s.thinking.String()})
	}
	if s.text.Len() > 0 {
		items = append(items, ContentItem{Type: ItemText, Text: s.text.String()})
	}
	return Assistant(items...)
}

func (s *chatStream) result() *Message {
	d := time.Since(s.started).Milliseconds()
	return &Message{
		Type:       TypeResult,
		Subtype:    ResultSuccess,
		Result:     s.text.String(),
		DurationMS: &d,
		NumTurns:   1,
		Usage:      s.usage,
	}
}

func (s *chatStream) Interrupt(context.Context) error {
	s.cancel()
	return nil
}

func (s *chatStream) Close() error {
	s.cancel()
	s.reader.Close()
	return nil
}

// APIKey returns the key for cfg, falling back to the provider's usual
// environment variable.
func APIKey(cfg types.ProviderConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	switch cfg.Type {
	case TypeOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case TypeArk:
		return os.Getenv("ARK_API_KEY")
	default:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
}

// NewChatModel builds the eino chat model for a configured provider.
func NewChatModel(ctx context.Context, cfg types.ProviderConfig, agent types.AgentSettings) (model.BaseChatModel, error) {
	apiKey := APIKey(cfg)
	if apiKey == "" {
		return nil, &PreflightError{
			Reason: fmt.Sprintf("provider %q has no API key", cfg.ID),
			Hint:   "set apiKey for the provider in settings",
		}
	}
	maxTokens := defaultChatMaxTokens

	switch cfg.Type {
	case "", TypeAnthropic:
		c := &claude.Config{
			APIKey:    apiKey,
			Model:     firstNonEmpty(cfg.Model, defaultClaudeModel),
			MaxTokens: maxTokens,
		}
		if cfg.APIURL != "" {
			c.BaseURL = &cfg.APIURL
		}
		if agent.MaxThinkingTokens > 0 {
			c.MaxTokens = maxTokens + agent.MaxThinkingTokens
			c.Thinking = &claude.Thinking{Enable: true, BudgetTokens: agent.MaxThinkingTokens}
		}
		m, err := claude.NewChatModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create claude model: %w", err)
		}
		return m, nil

	case TypeOpenAI:
		c := &openai.ChatModelConfig{
			APIKey:              apiKey,
			Model:               firstNonEmpty(cfg.Model, defaultOpenAIModel),
			BaseURL:             cfg.APIURL,
			MaxCompletionTokens: &maxTokens,
		}
		m, err := openai.NewChatModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil

	case TypeArk:
		if cfg.Model == "" {
			return nil, &PreflightError{
				Reason: fmt.Sprintf("provider %q has no model", cfg.ID),
				Hint:   "set model to the ARK endpoint id",
			}
		}
		c := &ark.ChatModelConfig{
			APIKey:    apiKey,
			Model:     cfg.Model,
			BaseURL:   cfg.APIURL,
			MaxTokens: &maxTokens,
		}
		m, err := ark.NewChatModel(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("create ark model: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
