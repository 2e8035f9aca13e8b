package provider_test

import (
	"context"
	"errors"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/pkg/types"
)

type fakeChatModel struct {
	chunks []*schema.Message
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = in
	return schema.ConcatMessages(f.chunks)
}

func (f *fakeChatModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return schema.StreamReaderFromArray(f.chunks), nil
}

var _ = Describe("ChatProvider", func() {
	It("turns model chunks into deltas, a snapshot and a result", func() {
		m := &fakeChatModel{chunks: []*schema.Message{
			{Role: schema.Assistant, ReasoningContent: "thinking"},
			{Role: schema.Assistant, Content: "Hi"},
			{Role: schema.Assistant, Content: " there", ResponseMeta: &schema.ResponseMeta{
				Usage: &schema.TokenUsage{PromptTokens: 5, CompletionTokens: 7},
			}},
		}}
		p := provider.NewChatProvider("test", m, 256)
		Expect(p.Name()).To(Equal("api/test"))

		s, err := p.Query(context.Background(), &provider.Request{
			Prompt:       "hello",
			SystemPrompt: "be nice",
			History: []types.Message{
				{Role: types.RoleUser, Content: "earlier"},
				{Role: types.RoleAssistant, ContentBlocks: []types.ContentBlock{types.TextBlock("reply")}},
				{Role: types.RoleAssistant},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		msgs, err := drain(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(6))

		Expect(msgs[0].Type).To(Equal(provider.TypeSystem))
		for _, m := range msgs {
			Expect(m.SessionID).To(BeEmpty())
		}
		Expect(msgs[1].Event.Delta.Thinking).To(Equal("thinking"))
		Expect(msgs[2].Event.Delta.Text).To(Equal("Hi"))
		Expect(msgs[3].Event.Delta.Text).To(Equal(" there"))

		snap := msgs[4]
		Expect(snap.Type).To(Equal(provider.TypeAssistant))
		Expect(snap.Message.Content).To(Equal(provider.Content{
			{Type: provider.ItemThinking, Thinking: "thinking"},
			{Type: provider.ItemText, Text: "Hi there"},
		}))

		res := msgs[5]
		Expect(res.Subtype).To(Equal(provider.ResultSuccess))
		Expect(res.Result).To(Equal("Hi there"))
		Expect(res.Usage).To(Equal(&provider.Usage{InputTokens: 5, OutputTokens: 7}))
		Expect(res.DurationMS).NotTo(BeNil())

		Expect(m.input).To(HaveLen(4))
		Expect(m.input[0].Role).To(Equal(schema.System))
		Expect(m.input[1].Content).To(Equal("earlier"))
		Expect(m.input[2].Content).To(Equal("reply"))
		Expect(m.input[3].Content).To(Equal("hello"))
	})

	It("fails the query when the model cannot stream", func() {
		p := provider.NewChatProvider("test", &fakeChatModel{err: errors.New("unauthorized")}, 0)
		_, err := p.Query(context.Background(), &provider.Request{Prompt: "x"})
		Expect(err).To(MatchError(ContainSubstring("unauthorized")))
	})

	Describe("NewChatModel", func() {
		It("requires an API key", func() {
			old, had := os.LookupEnv("OPENAI_API_KEY")
			Expect(os.Unsetenv("OPENAI_API_KEY")).To(Succeed())
			DeferCleanup(func() {
				if had {
					_ = os.Setenv("OPENAI_API_KEY", old)
				}
			})
			_, err := provider.NewChatModel(context.Background(), types.ProviderConfig{ID: "o", Type: provider.TypeOpenAI}, types.AgentSettings{})

			var pe *provider.PreflightError
			Expect(errors.As(err, &pe)).To(BeTrue())
		})

		It("requires a model for ark", func() {
			_, err := provider.NewChatModel(context.Background(), types.ProviderConfig{ID: "a", Type: provider.TypeArk, APIKey: "k"}, types.AgentSettings{})

			var pe *provider.PreflightError
			Expect(errors.As(err, &pe)).To(BeTrue())
		})

		It("rejects unknown provider types", func() {
			_, err := provider.NewChatModel(context.Background(), types.ProviderConfig{Type: "mystery", APIKey: "k"}, types.AgentSettings{})
			Expect(err).To(MatchError(ContainSubstring("unknown provider type")))
		})

		It("builds a claude model without network access", func() {
			m, err := provider.NewChatModel(context.Background(), types.ProviderConfig{
				ID: "c", Type: provider.TypeAnthropic, APIKey: "k", APIURL: "http://127.0.0.1:1",
			}, types.AgentSettings{MaxThinkingTokens: 1024})
			Expect(err).NotTo(HaveOccurred())
			Expect(m).NotTo(BeNil())
		})
	})

	Describe("against a live API", func() {
		It("streams a short answer", func() {
			key := os.Getenv("ANTHROPIC_API_KEY")
			if key == "" {
				Skip("ANTHROPIC_API_KEY not set")
			}
			m, err := provider.NewChatModel(context.Background(), types.ProviderConfig{ID: "live", APIKey: key, APIURL: os.Getenv("ANTHROPIC_BASE_URL")}, types.AgentSettings{})
			Expect(err).NotTo(HaveOccurred())

			s, err := provider.NewChatProvider("live", m, 64).Query(context.Background(), &provider.Request{Prompt: "Reply with the single word: pong"})
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			msgs, err := drain(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs[len(msgs)-1].Result).NotTo(BeEmpty())
		})
	})
})
