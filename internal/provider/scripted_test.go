package provider_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/pkg/types"
)

var _ = Describe("Scripted", func() {
	It("replays messages and records tool decisions", func() {
		steps := append(provider.Emit(provider.TextDelta("a")),
			provider.Step{Tool: &provider.ToolUse{Name: "Write", Input: map[string]any{"file_path": "x"}}},
		)
		steps = append(steps, provider.Emit(provider.SuccessResult("done"))...)
		p := provider.NewScripted(func(*provider.Request) []provider.Step { return steps })

		s, err := p.Query(context.Background(), &provider.Request{
			Prompt: "go",
			CanUseTool: func(context.Context, string, map[string]any) types.Decision {
				return types.Deny("nope")
			},
		})
		Expect(err).NotTo(HaveOccurred())

		msgs, err := drain(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(2))
		Expect(p.Decisions()).To(Equal([]types.Decision{types.Deny("nope")}))
		Expect(p.Requests()).To(HaveLen(1))
	})

	It("prefers enqueued steps over the script", func() {
		p := provider.NewScripted(func(*provider.Request) []provider.Step {
			return provider.Emit(provider.SuccessResult("script"))
		})
		p.Enqueue(provider.Emit(provider.SuccessResult("queued"))...)

		first, _ := p.Query(context.Background(), &provider.Request{})
		m, _ := first.Recv()
		Expect(m.Result).To(Equal("queued"))

		second, _ := p.Query(context.Background(), &provider.Request{})
		m, _ = second.Recv()
		Expect(m.Result).To(Equal("script"))
	})

	It("unblocks a blocking step on interrupt or cancel", func() {
		p := provider.NewScripted(func(*provider.Request) []provider.Step {
			return []provider.Step{{Block: true}}
		})

		s, _ := p.Query(context.Background(), &provider.Request{})
		Expect(s.Interrupt(context.Background())).To(Succeed())
		_, err := s.Recv()
		Expect(err).To(HaveOccurred())
		Expect(p.Interrupts()).To(Equal(1))

		ctx, cancel := context.WithCancel(context.Background())
		s, _ = p.Query(ctx, &provider.Request{})
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err = s.Recv()
		Expect(err).To(MatchError(context.Canceled))
	})

	It("fails queries and steps on demand", func() {
		boom := errors.New("boom")
		p := provider.NewScripted(func(*provider.Request) []provider.Step {
			return []provider.Step{{Err: boom}}
		})

		s, _ := p.Query(context.Background(), &provider.Request{})
		_, err := s.Recv()
		Expect(err).To(MatchError(boom))

		p.FailQueries(boom)
		_, err = p.Query(context.Background(), &provider.Request{})
		Expect(err).To(MatchError(boom))
	})
})
