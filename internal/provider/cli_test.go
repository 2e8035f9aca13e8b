package provider_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/pkg/types"
)

const fakeAgent = `#!/bin/sh
printf '%s\n' "$@" > "$OUT_DIR/args"
read -r prompt
printf '%s\n' "$prompt" > "$OUT_DIR/prompt"
echo '{"type":"system","subtype":"init","session_id":"conv-1"}'
echo 'not json'
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}}'
echo '{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'
read -r answer
printf '%s\n' "$answer" > "$OUT_DIR/answer"
echo '{"type":"result","subtype":"success","result":"done","total_cost_usd":0.01,"duration_ms":12,"usage":{"input_tokens":3,"output_tokens":4}}'
`

func writeAgent(dir, body string) string {
	path := filepath.Join(dir, "agent.sh")
	Expect(os.WriteFile(path, []byte(body), 0o755)).To(Succeed())
	return path
}

func drain(s provider.Stream) ([]*provider.Message, error) {
	var out []*provider.Message
	for {
		m, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, m)
	}
}

var _ = Describe("CLIProvider", func() {
	var dir string

	BeforeEach(func() {
		if runtime.GOOS == "windows" {
			Skip("shell script agent")
		}
		var err error
		dir, err = os.MkdirTemp("", "amon-cli-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
	})

	It("builds the stream-json command line", func() {
		p := provider.NewCLIProvider("")
		Expect(p.Executable()).To(Equal(provider.DefaultExecutable))

		args := p.Args(&provider.Request{
			PermissionMode: types.PermissionAcceptEdits,
			Resume:         "conv-9",
			SystemPrompt:   "be brief",
			AllowedTools:   []string{"Read", "Bash(ls)"},
		})
		line := strings.Join(args, " ")
		Expect(line).To(ContainSubstring("-p --output-format stream-json --input-format stream-json --verbose --include-partial-messages"))
		Expect(line).To(ContainSubstring("--permission-prompt-tool stdio"))
		Expect(line).To(ContainSubstring("--permission-mode acceptEdits"))
		Expect(line).To(ContainSubstring("--max-turns 50"))
		Expect(line).To(ContainSubstring("--resume conv-9"))
		Expect(line).To(ContainSubstring("--allowedTools Read,Bash(ls)"))
		Expect(args).To(ContainElements("--append-system-prompt", "be brief"))

		noTools := p.Args(&provider.Request{NoTools: true, MaxTurns: 1})
		Expect(noTools).NotTo(ContainElement("--permission-prompt-tool"))
		Expect(strings.Join(noTools, " ")).To(ContainSubstring("--max-turns 1"))
	})

	It("runs a query and answers permission requests over stdin", func() {
		p := provider.NewCLIProvider(writeAgent(dir, fakeAgent))

		var asked []string
		req := &provider.Request{
			Prompt:    "hello",
			Workspace: dir,
			Env:       map[string]string{"OUT_DIR": dir},
			CanUseTool: func(_ context.Context, tool string, input map[string]any) types.Decision {
				asked = append(asked, tool)
				return types.Allow(nil)
			},
		}
		Expect(p.Preflight(context.Background(), req)).To(Succeed())

		s, err := p.Query(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		msgs, err := drain(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(3))
		Expect(msgs[0].SessionID).To(Equal("conv-1"))
		Expect(msgs[1].Event.Delta.Text).To(Equal("Hi"))
		Expect(msgs[2].Type).To(Equal(provider.TypeResult))
		Expect(msgs[2].Usage.OutputTokens).To(Equal(int64(4)))
		Expect(asked).To(Equal([]string{"Bash"}))

		prompt, _ := os.ReadFile(filepath.Join(dir, "prompt"))
		Expect(string(prompt)).To(ContainSubstring(`"content":"hello"`))

		answer, _ := os.ReadFile(filepath.Join(dir, "answer"))
		Expect(string(answer)).To(ContainSubstring(`"type":"control_response"`))
		Expect(string(answer)).To(ContainSubstring(`"request_id":"r1"`))
		Expect(string(answer)).To(ContainSubstring(`"behavior":"allow"`))
		Expect(string(answer)).To(ContainSubstring(`"updatedInput":{"command":"ls"}`))

		args, _ := os.ReadFile(filepath.Join(dir, "args"))
		Expect(string(args)).To(ContainSubstring("stream-json"))

		Expect(s.Close()).To(Succeed())
		Expect(s.Close()).To(Succeed())
	})

	It("reports a failed agent with its stderr", func() {
		p := provider.NewCLIProvider(writeAgent(dir, "#!/bin/sh\necho boom >&2\nexit 3\n"))

		s, err := p.Query(context.Background(), &provider.Request{Prompt: "x", Workspace: dir})
		if err != nil {
			// The agent may exit before the prompt is written.
			Expect(err.Error()).To(ContainSubstring("send prompt"))
			return
		}
		defer s.Close()

		_, err = drain(s)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("boom"))
	})

	It("stops a blocked agent when the context is canceled", func() {
		p := provider.NewCLIProvider(writeAgent(dir, "#!/bin/sh\nread -r x\nexec sleep 30\n"))

		ctx, cancel := context.WithCancel(context.Background())
		s, err := p.Query(ctx, &provider.Request{Prompt: "x", Workspace: dir})
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		errs := make(chan error, 1)
		go func() {
			_, err := s.Recv()
			errs <- err
		}()

		Expect(s.Interrupt(context.Background())).To(Succeed())
		cancel()
		Eventually(errs, 5*time.Second).Should(Receive(MatchError(context.Canceled)))
	})

	Describe("Preflight", func() {
		It("reports a missing executable with an install hint", func() {
			p := provider.NewCLIProvider(filepath.Join(dir, "missing"))
			err := p.Preflight(context.Background(), &provider.Request{})

			var pe *provider.PreflightError
			Expect(errors.As(err, &pe)).To(BeTrue())
			Expect(pe.Hint).To(Equal(provider.InstallHint))
		})

		It("reports a missing workspace", func() {
			p := provider.NewCLIProvider(writeAgent(dir, "#!/bin/sh\n"))
			err := p.Preflight(context.Background(), &provider.Request{Workspace: filepath.Join(dir, "nope")})

			var pe *provider.PreflightError
			Expect(errors.As(err, &pe)).To(BeTrue())
			Expect(pe.Error()).To(ContainSubstring("does not exist"))
		})

		It("fails Query for a missing executable without retrying forever", func() {
			p := provider.NewCLIProvider(filepath.Join(dir, "missing"))
			_, err := p.Query(context.Background(), &provider.Request{Prompt: "x"})
			Expect(err).To(HaveOccurred())
		})
	})
})
