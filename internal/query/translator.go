package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/metrics"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/session"
	"github.com/amon-ai/amon/pkg/types"
)

// Translator applies the events of one query to the session's assistant
// message, in arrival order.
//
// Assistant snapshots repeat text the deltas already delivered. The
// translator counts the bytes applied per block kind for the current turn
// and appends only what a snapshot has beyond that count. A snapshot
// shorter than the applied text changes nothing.
type Translator struct {
	sessions  *session.Registry
	broker    *permission.Broker
	policy    *permission.Policy
	approvals *permission.Approvals
	metrics   *metrics.Metrics
	log       zerolog.Logger

	sessionID string
	messageID string

	applied        map[types.BlockType]int
	conversationID string
	outcome        *types.QueryOutcome
}

// NewTranslator creates a translator writing to messageID of sessionID.
// policy may be nil, in which case every tool call is asked.
func NewTranslator(sessions *session.Registry, broker *permission.Broker, policy *permission.Policy, approvals *permission.Approvals, sessionID, messageID string) *Translator {
	return &Translator{
		sessions:  sessions,
		broker:    broker,
		policy:    policy,
		approvals: approvals,
		log:       zerolog.Nop(),
		sessionID: sessionID,
		messageID: messageID,
		applied:   make(map[types.BlockType]int),
	}
}

// WithLogger sets the logger.
func (t *Translator) WithLogger(log zerolog.Logger) *Translator {
	t.log = log
	return t
}

// WithMetrics records one stream event per applied message.
func (t *Translator) WithMetrics(m *metrics.Metrics) *Translator {
	t.metrics = m
	return t
}

// Outcome returns the result of the query once a result event was applied.
func (t *Translator) Outcome() *types.QueryOutcome {
	return t.outcome
}

// ConversationID returns the provider's conversation id, if one was seen.
func (t *Translator) ConversationID() string {
	return t.conversationID
}

// Apply applies one event. It returns true for the terminal result event.
func (t *Translator) Apply(msg *provider.Message) (bool, error) {
	t.metrics.StreamEvent(string(msg.Type))

	if msg.SessionID != "" && t.conversationID == "" {
		t.conversationID = msg.SessionID
		if err := t.sessions.SetProviderConversationID(t.sessionID, msg.SessionID); err != nil {
			return false, err
		}
	}

	switch msg.Type {
	case provider.TypeStreamEvent:
		return false, t.applyStreamEvent(msg.Event)
	case provider.TypeAssistant:
		return false, t.applySnapshot(msg.Message)
	case provider.TypeResult:
		return true, t.applyResult(msg)
	case provider.TypeSystem, provider.TypeUser:
		t.log.Debug().Str("type", string(msg.Type)).Str("subtype", msg.Subtype).Msg("informational event")
		return false, nil
	default:
		t.log.Warn().Str("type", string(msg.Type)).Msg("unknown event type")
		return false, nil
	}
}

func (t *Translator) applyStreamEvent(ev *provider.StreamEvent) error {
	if ev == nil {
		return nil
	}
	switch ev.Type {
	case "message_start":
		clear(t.applied)
		return nil
	case provider.EventContentBlockDelta:
	default:
		return nil
	}
	if ev.Delta == nil {
		return nil
	}
	switch ev.Delta.Type {
	case provider.DeltaText:
		return t.append(types.BlockText, ev.Delta.Text)
	case provider.DeltaThinking:
		return t.append(types.BlockThinking, ev.Delta.Thinking)
	}
	return nil
}

func (t *Translator) append(kind types.BlockType, text string) error {
	if text == "" {
		return nil
	}
	if err := t.sessions.AppendToMessage(t.sessionID, t.messageID, kind, text); err != nil {
		return err
	}
	t.applied[kind] += len(text)
	return nil
}

func (t *Translator) applySnapshot(body *provider.Body) error {
	if body == nil {
		return nil
	}
	var text, thinking strings.Builder
	for _, item := range body.Content {
		switch item.Type {
		case provider.ItemText:
			text.WriteString(item.Text)
		case provider.ItemThinking:
			thinking.WriteString(item.Thinking)
		case provider.ItemToolUse:
			// Text before a tool call must land before it.
			if err := t.catchUp(types.BlockThinking, thinking.String()); err != nil {
				return err
			}
			if err := t.catchUp(types.BlockText, text.String()); err != nil {
				return err
			}
			added, err := t.sessions.AddToolCall(t.sessionID, t.messageID, types.ToolCall{
				ID:    item.ID,
				Name:  item.Name,
				Input: item.Input,
			})
			if err != nil {
				return err
			}
			if added {
				t.log.Info().Str("session", t.sessionID).Str("tool", item.Name).Str("id", item.ID).Msg("tool call")
			}
		}
	}
	if err := t.catchUp(types.BlockThinking, thinking.String()); err != nil {
		return err
	}
	return t.catchUp(types.BlockText, text.String())
}

// catchUp appends the part of full beyond what was applied for kind.
func (t *Translator) catchUp(kind types.BlockType, full string) error {
	n := t.applied[kind]
	if len(full) <= n {
		return nil
	}
	return t.append(kind, full[n:])
}

func (t *Translator) applyResult(msg *provider.Message) error {
	outcome := &types.QueryOutcome{
		Success:    msg.Subtype == provider.ResultSuccess && !msg.IsError,
		ResultText: msg.Result,
		Cost:       msg.TotalCostUSD,
		Duration:   msg.DurationMS,
		Errors:     msg.Errors,
	}

	streaming := false
	patch := session.MessagePatch{IsStreaming: &streaming}
	if msg.Usage != nil {
		u := types.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			Cost:         msg.TotalCostUSD,
			Duration:     msg.DurationMS,
		}
		if msg.Usage.CacheReadInputTokens != nil {
			u.CacheReadInputTokens = int(*msg.Usage.CacheReadInputTokens)
		}
		if msg.Usage.CacheCreationInputTokens != nil {
			u.CacheCreationInputTokens = int(*msg.Usage.CacheCreationInputTokens)
		}
		patch.TokenUsage = &u
		outcome.Usage = &u
	}

	t.outcome = outcome
	return t.sessions.UpdateMessage(t.sessionID, t.messageID, patch)
}

// CanUseTool is the provider callback for tool permission and questions.
func (t *Translator) CanUseTool(ctx context.Context, toolName string, input map[string]any) types.Decision {
	if toolName == permission.AskUserQuestionTool {
		return t.askUser(ctx, input)
	}

	action := permission.ActionAsk
	if t.policy != nil {
		action = t.policy.Evaluate(t.sessionID, toolName, input)
	}

	var d types.Decision
	switch action {
	case permission.ActionAllow:
		return types.Allow(input)
	case permission.ActionDeny:
		d = types.Deny(permission.DeniedByModeMessage)
	default:
		d = t.broker.RequestDecision(ctx, t.sessionID, toolName, input)
		if d.Allowed() && d.Remember {
			t.approvals.Remember(t.sessionID, toolName, input)
		}
	}

	t.record(types.PermissionBlock(types.PermissionRecord{
		ToolName:  toolName,
		Input:     input,
		Result:    d.Behavior,
		Message:   d.Message,
		Timestamp: time.Now().UnixMilli(),
	}))
	return d
}

func (t *Translator) askUser(ctx context.Context, input map[string]any) types.Decision {
	questions := parseQuestions(input["questions"])
	answers := t.broker.RequestUserChoice(ctx, t.sessionID, questions)

	t.record(types.UserQuestionBlock(types.UserQuestionRecord{
		Questions: questions,
		Answers:   answers,
		Timestamp: time.Now().UnixMilli(),
	}))
	return types.Allow(map[string]any{
		"questions": input["questions"],
		"answers":   map[string]string(answers),
	})
}

func (t *Translator) record(block types.ContentBlock) {
	err := t.sessions.AddContentBlockToActiveMessage(t.sessionID, block)
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrNoActiveQuery) {
		t.log.Debug().Str("session", t.sessionID).Str("block", string(block.Type)).Msg("query ended before decision was recorded")
		return
	}
	t.log.Warn().Err(err).Str("session", t.sessionID).Msg("failed to record decision")
}

func parseQuestions(raw any) []types.Question {
	if raw == nil {
		return []types.Question{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return []types.Question{}
	}
	var qs []types.Question
	if err := json.Unmarshal(data, &qs); err != nil || qs == nil {
		return []types.Question{}
	}
	return qs
}
