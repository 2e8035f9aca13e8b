package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/pkg/types"
)

var (
	runSession        string
	runContinue       bool
	runName           string
	runWorkspace      string
	runPermissionMode string
	runMaxTurns       int
	runFormat         string
	runFiles          []string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send a prompt and print the answer",
	Long: `Send a prompt to a session and stream the answer to stdout.

Permission requests and questions are asked on the terminal. Ctrl-C
interrupts the query; the partial answer is kept in the session.

Examples:
  amon run "Explain this repository"
  amon run --continue "And the tests?"
  amon run --session 01J... --permission-mode acceptEdits "Fix the bug"
  amon run --file main.go "Review this file"`,
	RunE: runPrompt,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the most recent session")
	runCmd.Flags().StringVar(&runName, "name", "", "Name for a new session")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "Workspace directory for a new session")
	runCmd.Flags().StringVar(&runPermissionMode, "permission-mode", "", "default|acceptEdits|dontAsk|bypassPermissions")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "Maximum agent turns")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "Output format (text|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to the message")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	message, err := buildMessage(args, runFiles)
	if err != nil {
		return err
	}
	opts := query.Options{
		PermissionMode: types.PermissionMode(runPermissionMode),
		MaxTurns:       runMaxTurns,
	}
	if err := query.ValidateRequest(message, opts); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, appOptions{workspace: runWorkspace, query: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	sessionID, err := pickSession(ctx, a)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := &printer{out: out, text: runFormat == "text"}
	defer a.bus.Subscribe(event.MessagesChanged, func(e event.Event) {
		if data, ok := e.Data.(event.MessagesChangedData); ok && data.SessionID == sessionID {
			p.update(data.Messages)
		}
	})()

	asker := &asker{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
	defer a.bus.Subscribe(event.PermissionRequired, func(e event.Event) {
		data := e.Data.(event.PermissionRequiredData)
		if data.Request.SessionID == sessionID {
			go func() {
				a.broker.Resolve(data.Request.ID, asker.permission(data.Request))
			}()
		}
	})()
	defer a.bus.Subscribe(event.QuestionRequired, func(e event.Event) {
		data := e.Data.(event.QuestionRequiredData)
		if data.Request.SessionID == sessionID {
			go func() {
				a.broker.ResolveUserChoice(data.Request.ID, asker.questions(data.Request))
			}()
		}
	})()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			a.orch.Interrupt(context.Background(), sessionID)
		}
	}()

	outcome, err := a.orch.Execute(ctx, sessionID, message, opts)
	if err != nil {
		return err
	}

	if runFormat == "json" {
		msgs, _ := a.sessions.Messages(sessionID)
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"sessionId": sessionID,
			"outcome":   outcome,
			"messages":  msgs,
		})
	}

	fmt.Fprintln(out)
	if outcome.Interrupted {
		fmt.Fprintln(cmd.ErrOrStderr(), "interrupted")
	}
	if !outcome.Success && len(outcome.Errors) > 0 {
		return fmt.Errorf("query failed: %s", strings.Join(outcome.Errors, "; "))
	}
	return nil
}

// buildMessage joins the arguments and appends attached files.
func buildMessage(args, files []string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.Join(args, " "))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		fmt.Fprintf(&b, "\n\n--- File: %s ---\n%s", file, content)
	}
	return b.String(), nil
}

// pickSession resolves --session and --continue, creating a session when
// neither names one.
func pickSession(ctx context.Context, a *app) (string, error) {
	if runSession != "" {
		s, err := a.sessions.EnsureLoaded(ctx, runSession)
		if err != nil {
			return "", fmt.Errorf("session %s: %w", runSession, err)
		}
		return s.ID, nil
	}
	if runContinue {
		if _, err := a.sessions.LoadAll(ctx); err != nil {
			return "", err
		}
		if list := a.sessions.List(); len(list) > 0 {
			return list[0].ID, nil
		}
	}
	s, err := a.sessions.Create(ctx, runName, runWorkspace)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// printer writes the assistant's text as it grows.
type printer struct {
	out  io.Writer
	text bool

	mu      sync.Mutex
	current string
	printed int
}

func (p *printer) update(msgs []types.Message) {
	if !p.text || len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != types.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last.ID != p.current {
		p.current = last.ID
		p.printed = 0
	}
	text := last.Text()
	if len(text) > p.printed {
		io.WriteString(p.out, text[p.printed:])
		p.printed = len(text)
	}
}

// asker prompts on the terminal. Requests are asked one at a time.
type asker struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

func (a *asker) readLine() string {
	line, _ := a.in.ReadString('\n')
	return strings.TrimSpace(line)
}

func (a *asker) permission(req types.PermissionRequest) types.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	input, _ := json.Marshal(req.Input)
	fmt.Fprintf(a.out, "\n%s wants to run with %s\n", req.ToolName, input)
	if req.Repeated {
		fmt.Fprintln(a.out, "(the same call was requested repeatedly)")
	}
	fmt.Fprint(a.out, "Allow? [y]es / [a]lways / [N]o: ")

	switch strings.ToLower(a.readLine()) {
	case "y", "yes":
		return types.Allow(req.Input)
	case "a", "always":
		d := types.Allow(req.Input)
		d.Remember = true
		return d
	default:
		return types.Deny("denied from the terminal")
	}
}

func (a *asker) questions(req types.QuestionRequest) types.Answers {
	a.mu.Lock()
	defer a.mu.Unlock()

	answers := types.Answers{}
	for _, q := range req.Questions {
		fmt.Fprintf(a.out, "\n%s\n", q.Question)
		for i, opt := range q.Options {
			fmt.Fprintf(a.out, "  %d. %s  %s\n", i+1, opt.Label, opt.Description)
		}
		fmt.Fprint(a.out, "> ")
		answers[q.Question] = pickOption(a.readLine(), q.Options)
	}
	return answers
}

// pickOption maps a typed option number to its label. Anything else is
// taken as a free-form answer.
func pickOption(input string, options []types.QuestionOption) string {
	var n int
	if _, err := fmt.Sscanf(input, "%d", &n); err == nil && n >= 1 && n <= len(options) {
		return options[n-1].Label
	}
	return input
}
