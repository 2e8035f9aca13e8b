package provider

import (
	"encoding/json"
)

// MessageType is the "type" field of a provider event.
type MessageType string

const (
	TypeSystem      MessageType = "system"
	TypeUser        MessageType = "user"
	TypeAssistant   MessageType = "assistant"
	TypeStreamEvent MessageType = "stream_event"
	TypeResult      MessageType = "result"
)

// Result subtypes.
const (
	ResultSuccess              = "success"
	ResultErrorMaxTurns        = "error_max_turns"
	ResultErrorDuringExecution = "error_during_execution"
)

// Stream event and delta types the translator acts on.
const (
	EventContentBlockDelta = "content_block_delta"
	DeltaText              = "text_delta"
	DeltaThinking          = "thinking_delta"
)

// Content item types of an assistant snapshot.
const (
	ItemText     = "text"
	ItemThinking = "thinking"
	ItemToolUse  = "tool_use"
)

// Message is one event of the provider stream, in the agent CLI's
// stream-json shape. Only the fields of its Type are set.
type Message struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`

	// assistant and user
	Message *Body `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// result
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	DurationMS   *int64   `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Body is the message payload of assistant and user events.
type Body struct {
	Role    string  `json:"role,omitempty"`
	Content Content `json:"content"`
}

// Content is a list of content items. A plain string decodes as a single
// text item.
type Content []ContentItem

// UnmarshalJSON accepts both the array and the string form.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Type: ItemText, Text: s}}
		return nil
	}
	var items []ContentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*c = items
	return nil
}

// ContentItem is one block of an assistant snapshot.
type ContentItem struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// StreamEvent is a partial-message event.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta *Delta `json:"delta,omitempty"`
}

// Delta is the increment carried by a content_block_delta event.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Usage is the token accounting of a result event.
type Usage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
}

// TextDelta builds a text_delta stream event.
func TextDelta(text string) *Message {
	return &Message{Type: TypeStreamEvent, Event: &StreamEvent{
		Type:  EventContentBlockDelta,
		Delta: &Delta{Type: DeltaText, Text: text},
	}}
}

// ThinkingDelta builds a thinking_delta stream event.
func ThinkingDelta(thinking string) *Message {
	return &Message{Type: TypeStreamEvent, Event: &StreamEvent{
		Type:  EventContentBlockDelta,
		Delta: &Delta{Type: DeltaThinking, Thinking: thinking},
	}}
}

// Assistant builds an assistant snapshot event.
func Assistant(items ...ContentItem) *Message {
	return &Message{Type: TypeAssistant, Message: &Body{Role: "assistant", Content: items}}
}

// SuccessResult builds a successful result event.
func SuccessResult(result string) *Message {
	return &Message{Type: TypeResult, Subtype: ResultSuccess, Result: result}
}
