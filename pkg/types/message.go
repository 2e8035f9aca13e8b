package types

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session transcript.
type Message struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	ContentBlocks []ContentBlock `json:"contentBlocks,omitempty"`
	Timestamp     int64          `json:"timestamp"`
	IsStreaming   bool           `json:"isStreaming,omitempty"`
	TokenUsage    *TokenUsage    `json:"tokenUsage,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.ContentBlocks != nil {
		blocks := make([]ContentBlock, len(m.ContentBlocks))
		for i := range m.ContentBlocks {
			blocks[i] = m.ContentBlocks[i].Clone()
		}
		m.ContentBlocks = blocks
	}
	if m.TokenUsage != nil {
		u := *m.TokenUsage
		m.TokenUsage = &u
	}
	return m
}

// Text concatenates the message content with all of its text blocks.
func (m *Message) Text() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	text := m.Content
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			text += b.Content
		}
	}
	return text
}

// BlockType discriminates the ContentBlock union.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockThinking     BlockType = "thinking"
	BlockToolCall     BlockType = "tool_call"
	BlockPermission   BlockType = "permission"
	BlockUserQuestion BlockType = "user_question"
)

// ContentBlock is one ordered unit of an assistant message.
// Exactly one payload is set, selected by Type.
type ContentBlock struct {
	Type         BlockType           `json:"type"`
	Content      string              `json:"content,omitempty"`
	ToolCall     *ToolCall           `json:"toolCall,omitempty"`
	Permission   *PermissionRecord   `json:"permission,omitempty"`
	UserQuestion *UserQuestionRecord `json:"userQuestion,omitempty"`
}

// Clone returns a deep copy of the block.
func (b ContentBlock) Clone() ContentBlock {
	if b.ToolCall != nil {
		tc := *b.ToolCall
		tc.Input = cloneMap(tc.Input)
		b.ToolCall = &tc
	}
	if b.Permission != nil {
		p := *b.Permission
		p.Input = cloneMap(p.Input)
		b.Permission = &p
	}
	if b.UserQuestion != nil {
		q := *b.UserQuestion
		q.Questions = append([]Question(nil), q.Questions...)
		if q.Answers != nil {
			q.Answers = make(map[string]string, len(b.UserQuestion.Answers))
			for k, v := range b.UserQuestion.Answers {
				q.Answers[k] = v
			}
		}
		b.UserQuestion = &q
	}
	return b
}

// TextBlock creates a text block.
func TextBlock(content string) ContentBlock {
	return ContentBlock{Type: BlockText, Content: content}
}

// ThinkingBlock creates a thinking block.
func ThinkingBlock(content string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Content: content}
}

// ToolCallBlock creates a tool call block.
func ToolCallBlock(tc ToolCall) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ToolCall: &tc}
}

// PermissionBlock creates a permission record block.
func PermissionBlock(rec PermissionRecord) ContentBlock {
	return ContentBlock{Type: BlockPermission, Permission: &rec}
}

// UserQuestionBlock creates a user question record block.
func UserQuestionBlock(rec UserQuestionRecord) ContentBlock {
	return ContentBlock{Type: BlockUserQuestion, UserQuestion: &rec}
}

// ToolCall is a tool invocation requested by the provider.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output,omitempty"`
}

// PermissionRecord records the outcome of a tool permission request.
type PermissionRecord struct {
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	Result    Behavior       `json:"result"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// UserQuestionRecord records the answers given to an "ask user" request.
type UserQuestionRecord struct {
	Questions []Question        `json:"questions"`
	Answers   map[string]string `json:"answers"`
	Timestamp int64             `json:"timestamp"`
}

// TokenUsage is the accounting attached to a finalized assistant message.
type TokenUsage struct {
	InputTokens              int      `json:"inputTokens"`
	OutputTokens             int      `json:"outputTokens"`
	CacheReadInputTokens     int      `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int      `json:"cacheCreationInputTokens,omitempty"`
	Cost                     *float64 `json:"cost,omitempty"`
	Duration                 *int64   `json:"duration,omitempty"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// QueryOutcome is the structured result of a completed query.
type QueryOutcome struct {
	Success    bool        `json:"success"`
	ResultText string      `json:"resultText,omitempty"`
	Cost       *float64    `json:"cost,omitempty"`
	Duration   *int64      `json:"duration,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
	// Interrupted is set when the query was stopped before a result arrived.
	Interrupted bool `json:"interrupted,omitempty"`
}
