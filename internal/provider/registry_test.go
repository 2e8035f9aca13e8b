package provider_test

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/pkg/types"
)

var _ = Describe("Registry", func() {
	It("resolves the CLI backend by default and caches it", func() {
		r := provider.NewRegistry()
		p1, err := r.Resolve(context.Background(), types.AgentSettings{})
		Expect(err).NotTo(HaveOccurred())
		Expect(p1.Name()).To(Equal("cli"))

		p2, _ := r.Resolve(context.Background(), types.AgentSettings{})
		Expect(p2).To(BeIdenticalTo(p1))

		p3, _ := r.Resolve(context.Background(), types.AgentSettings{Executable: "/opt/claude"})
		Expect(p3.(*provider.CLIProvider).Executable()).To(Equal("/opt/claude"))
	})

	It("returns the fixed provider when configured", func() {
		fixed := provider.NewScripted(nil)
		r := provider.NewRegistry(provider.WithFixed(fixed))
		p, err := r.Resolve(context.Background(), types.AgentSettings{Backend: types.BackendAPI})
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(BeIdenticalTo(fixed))
	})

	Describe("api backend", func() {
		var (
			calls int
			r     *provider.Registry
		)

		BeforeEach(func() {
			calls = 0
			r = provider.NewRegistry(provider.WithChatModelFactory(
				func(_ context.Context, cfg types.ProviderConfig, _ types.AgentSettings) (model.BaseChatModel, error) {
					calls++
					return &fakeChatModel{}, nil
				}))
		})

		It("needs an active provider", func() {
			_, err := r.Resolve(context.Background(), types.AgentSettings{Backend: types.BackendAPI})
			var pe *provider.PreflightError
			Expect(errors.As(err, &pe)).To(BeTrue())
		})

		It("builds one chat provider per configuration", func() {
			agent := types.AgentSettings{
				Backend:          types.BackendAPI,
				ActiveProviderID: "main",
				Providers:        []types.ProviderConfig{{ID: "main", APIKey: "k", Model: "m1"}},
			}
			p, err := r.Resolve(context.Background(), agent)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Name()).To(Equal("api/main"))

			_, _ = r.Resolve(context.Background(), agent)
			Expect(calls).To(Equal(1))

			agent.Providers[0].Model = "m2"
			_, _ = r.Resolve(context.Background(), agent)
			Expect(calls).To(Equal(2))
		})
	})

	Describe("Env", func() {
		agent := types.AgentSettings{
			ActiveProviderID:  "p",
			MaxThinkingTokens: 2048,
			Providers: []types.ProviderConfig{{
				ID: "p", APIKey: "sk", APIURL: "https://proxy", Model: "claude-x",
			}},
		}

		It("passes the active provider to the CLI", func() {
			Expect(provider.Env(agent)).To(Equal(map[string]string{
				"MAX_THINKING_TOKENS": "2048",
				"ANTHROPIC_API_KEY":   "sk",
				"ANTHROPIC_BASE_URL":  "https://proxy",
				"ANTHROPIC_MODEL":     "claude-x",
			}))
		})

		It("leaves credentials alone in claude code mode", func() {
			a := agent
			a.ClaudeCodeMode = true
			Expect(provider.Env(a)).To(Equal(map[string]string{"MAX_THINKING_TOKENS": "2048"}))
		})
	})
})
