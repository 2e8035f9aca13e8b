package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlock_JSONShape(t *testing.T) {
	tests := []struct {
		name  string
		block ContentBlock
		want  string
	}{
		{"text", TextBlock("hi"), `{"type":"text","content":"hi"}`},
		{"thinking", ThinkingBlock("hmm"), `{"type":"thinking","content":"hmm"}`},
		{
			"tool call",
			ToolCallBlock(ToolCall{ID: "t1", Name: "Bash", Input: map[string]any{"command": "ls"}}),
			`{"type":"tool_call","toolCall":{"id":"t1","name":"Bash","input":{"command":"ls"}}}`,
		},
		{
			"permission",
			PermissionBlock(PermissionRecord{ToolName: "Bash", Result: BehaviorDeny, Timestamp: 5}),
			`{"type":"permission","permission":{"toolName":"Bash","input":null,"result":"deny","timestamp":5}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.block)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := &Session{
		ID: "s1",
		Messages: []Message{{
			ID:            "m1",
			Role:          RoleAssistant,
			ContentBlocks: []ContentBlock{TextBlock("a"), ToolCallBlock(ToolCall{ID: "t", Input: map[string]any{"k": "v"}})},
			TokenUsage:    &TokenUsage{InputTokens: 1},
		}},
	}

	c := s.Clone()
	c.Messages[0].ContentBlocks[0].Content = "changed"
	c.Messages[0].ContentBlocks[1].ToolCall.Input["k"] = "x"
	c.Messages[0].TokenUsage.InputTokens = 9

	assert.Equal(t, "a", s.Messages[0].ContentBlocks[0].Content)
	assert.Equal(t, "v", s.Messages[0].ContentBlocks[1].ToolCall.Input["k"])
	assert.Equal(t, 1, s.Messages[0].TokenUsage.InputTokens)
}

func TestSession_UserMessageCount(t *testing.T) {
	s := &Session{Messages: []Message{
		{Role: RoleUser}, {Role: RoleAssistant}, {Role: RoleUser}, {Role: RoleSystem},
	}}
	assert.Equal(t, 2, s.UserMessageCount())
	assert.Equal(t, -1, s.FindMessage("missing"))
}

func TestMessage_Text(t *testing.T) {
	m := Message{ContentBlocks: []ContentBlock{TextBlock("Hi"), ThinkingBlock("x"), TextBlock(" there")}}
	assert.Equal(t, "Hi there", m.Text())

	plain := Message{Content: "hello"}
	assert.Equal(t, "hello", plain.Text())
}

func TestPermissionMode_Valid(t *testing.T) {
	assert.True(t, PermissionAcceptEdits.Valid())
	assert.True(t, PermissionBypassPermissions.Valid())
	assert.False(t, PermissionMode("yolo").Valid())
	assert.False(t, PermissionMode("").Valid())
}

func TestAgentSettings_ActiveProvider(t *testing.T) {
	a := AgentSettings{
		Providers:        []ProviderConfig{{ID: "a", Model: "m1"}, {ID: "b", Model: "m2"}},
		ActiveProviderID: "b",
	}
	p, ok := a.ActiveProvider()
	require.True(t, ok)
	assert.Equal(t, "m2", p.Model)

	a.ActiveProviderID = "zzz"
	_, ok = a.ActiveProvider()
	assert.False(t, ok)
}
