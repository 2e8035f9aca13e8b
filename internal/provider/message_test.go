package provider_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/provider"
)

var _ = Describe("Message", func() {
	It("decodes an assistant snapshot", func() {
		var m provider.Message
		Expect(json.Unmarshal([]byte(`{
			"type":"assistant","session_id":"c1",
			"message":{"role":"assistant","content":[
				{"type":"thinking","thinking":"hmm"},
				{"type":"text","text":"Hi"},
				{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}
			]}}`), &m)).To(Succeed())

		Expect(m.Type).To(Equal(provider.TypeAssistant))
		Expect(m.SessionID).To(Equal("c1"))
		Expect(m.Message.Content).To(HaveLen(3))
		Expect(m.Message.Content[2].Input).To(HaveKeyWithValue("command", "ls"))
	})

	It("decodes string content as one text item", func() {
		var m provider.Message
		Expect(json.Unmarshal([]byte(`{"type":"user","message":{"role":"user","content":"hello"}}`), &m)).To(Succeed())
		Expect(m.Message.Content).To(Equal(provider.Content{{Type: provider.ItemText, Text: "hello"}}))
	})

	It("rejects content of another shape", func() {
		var m provider.Message
		Expect(json.Unmarshal([]byte(`{"type":"user","message":{"content":42}}`), &m)).NotTo(Succeed())
	})

	It("decodes a result with usage", func() {
		var m provider.Message
		Expect(json.Unmarshal([]byte(`{
			"type":"result","subtype":"success","result":"ok",
			"total_cost_usd":0.25,"duration_ms":1500,
			"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5}}`), &m)).To(Succeed())

		Expect(*m.TotalCostUSD).To(Equal(0.25))
		Expect(*m.DurationMS).To(Equal(int64(1500)))
		Expect(m.Usage.InputTokens).To(Equal(int64(10)))
		Expect(*m.Usage.CacheReadInputTokens).To(Equal(int64(5)))
		Expect(m.Usage.CacheCreationInputTokens).To(BeNil())
	})

	It("builds delta events", func() {
		Expect(provider.TextDelta("a").Event.Delta).To(Equal(&provider.Delta{Type: provider.DeltaText, Text: "a"}))
		Expect(provider.ThinkingDelta("b").Event.Delta.Thinking).To(Equal("b"))
		Expect(provider.SuccessResult("r").Subtype).To(Equal(provider.ResultSuccess))
	})
})
