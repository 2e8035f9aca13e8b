package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/pkg/types"
)

const (
	// DefaultExecutable is looked up on PATH when no executable is configured.
	DefaultExecutable = "claude"

	// DefaultMaxTurns bounds the agentic loop of one query.
	DefaultMaxTurns = 50

	maxLineSize   = 1 << 20
	stderrTail    = 8 << 10
	exitWaitDelay = 3 * time.Second
)

// InstallHint tells the user how to get the agent CLI.
const InstallHint = "install it with `npm install -g @anthropic-ai/claude-code` or set agent.executable"

// CLIProvider runs each query in a fresh agent CLI process speaking
// stream-json on stdin and stdout.
type CLIProvider struct {
	executable string
	log        zerolog.Logger
}

// NewCLIProvider creates a provider for the given executable. An empty
// path means DefaultExecutable.
func NewCLIProvider(executable string) *CLIProvider {
	if executable == "" {
		executable = DefaultExecutable
	}
	return &CLIProvider{
		executable: executable,
		log:        logging.Component("provider.cli"),
	}
}

// Name implements Provider.
func (p *CLIProvider) Name() string { return "cli" }

// Executable returns the configured executable.
func (p *CLIProvider) Executable() string { return p.executable }

// Preflight checks the executable and the working directory.
func (p *CLIProvider) Preflight(_ context.Context, req *Request) error {
	if _, err := exec.LookPath(p.executable); err != nil {
		return &PreflightError{
			Reason: fmt.Sprintf("agent CLI %q not found", p.executable),
			Hint:   InstallHint,
		}
	}
	if req.Workspace != "" {
		st, err := os.Stat(req.Workspace)
		if err != nil || !st.IsDir() {
			return &PreflightError{
				Reason: fmt.Sprintf("workspace %s does not exist", req.Workspace),
				Hint:   "choose an existing directory for this session",
			}
		}
	}
	return nil
}

// Args returns the command line arguments for req.
func (p *CLIProvider) Args(req *Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.NoTools {
		args = append(args, "--tools", "")
	} else {
		args = append(args, "--permission-prompt-tool", "stdio")
		if len(req.Tools) > 0 {
			args = append(args, "--tools", strings.Join(req.Tools, ","))
		}
		if len(req.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
		}
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", string(req.PermissionMode))
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	return args
}

// Query implements Provider. The process is killed when ctx is canceled.
func (p *CLIProvider) Query(ctx context.Context, req *Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	args := p.Args(req)

	var s *cliStream
	start := func() error {
		cmd := exec.CommandContext(ctx, p.executable, args...)
		cmd.Dir = req.Workspace
		cmd.Env = mergeEnv(os.Environ(), req.Env)
		cmd.WaitDelay = exitWaitDelay

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return backoff.Permanent(err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return backoff.Permanent(err)
		}
		stderr := &tailBuffer{max: stderrTail}
		cmd.Stderr = stderr

		if err := cmd.Start(); err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return backoff.Permanent(err)
			}
			p.log.Warn().Err(err).Msg("agent start failed, retrying")
			return err
		}
		s = newCLIStream(ctx, cancel, cmd, stdin, stdout, stderr, req.CanUseTool, p.log)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(start, policy); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", p.executable, err)
	}

	p.log.Info().
		Int("pid", s.cmd.Process.Pid).
		Str("workspace", req.Workspace).
		Bool("resume", req.Resume != "").
		Msg("agent started")

	if err := s.send(userLine{
		Type:    "user",
		Message: userBody{Role: "user", Content: req.Prompt},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	return s, nil
}

type userBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type userLine struct {
	Type            string   `json:"type"`
	Message         userBody `json:"message"`
	ParentToolUseID *string  `json:"parent_tool_use_id"`
}

type controlLine struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

type controlResult struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type cliStream struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	scanner    *bufio.Scanner
	stderr     *tailBuffer
	canUseTool CanUseTool
	log        zerolog.Logger

	writeMu     sync.Mutex
	stdinClosed bool

	gotResult bool

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func newCLIStream(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, stderr *tailBuffer, canUseTool CanUseTool, log zerolog.Logger) *cliStream {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	s := &cliStream{
		ctx:        ctx,
		cancel:     cancel,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		scanner:    scanner,
		stderr:     stderr,
		canUseTool: canUseTool,
		log:        log,
	}

	// Children of the agent may keep stdout open after it is killed.
	go func() {
		<-ctx.Done()
		_ = stdout.Close()
	}()
	return s
}

func (s *cliStream) Recv() (*Message, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ctl controlLine
		if err := json.Unmarshal(line, &ctl); err != nil {
			s.log.Warn().Err(err).Int("bytes", len(line)).Msg("skipping malformed line")
			continue
		}
		switch ctl.Type {
		case "control_request":
			s.handleControl(ctl.RequestID, ctl.Request)
			continue
		case "control_response", "control_cancel_request":
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn().Err(err).Str("type", ctl.Type).Msg("skipping undecodable event")
			continue
		}
		if msg.Type == TypeResult {
			s.gotResult = true
			s.closeStdin()
		}
		return &msg, nil
	}
	return nil, s.finish(s.scanner.Err())
}

func (s *cliStream) finish(scanErr error) error {
	waitErr := s.wait()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if scanErr != nil && !errors.Is(scanErr, os.ErrClosed) {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	if !s.gotResult {
		if waitErr != nil {
			return fmt.Errorf("agent exited: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
		}
		return fmt.Errorf("agent exited without a result: %w", io.ErrUnexpectedEOF)
	}
	return io.EOF
}

func (s *cliStream) handleControl(id string, raw json.RawMessage) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Subtype != "can_use_tool" {
		s.log.Debug().Str("subtype", req.Subtype).Msg("unsupported control request")
		_ = s.send(controlLine{Type: "control_response", Response: mustJSON(controlResult{
			Subtype:   "error",
			RequestID: id,
			Error:     "unsupported control request",
		})})
		return
	}

	d := types.Deny("no permission handler")
	if s.canUseTool != nil {
		d = s.canUseTool(s.ctx, req.ToolName, req.Input)
	}

	var payload map[string]any
	if d.Allowed() {
		input := d.UpdatedInput
		if input == nil {
			input = req.Input
		}
		payload = map[string]any{"behavior": types.BehaviorAllow, "updatedInput": input}
	} else {
		payload = map[string]any{"behavior": types.BehaviorDeny, "message": d.Message}
	}

	if err := s.send(controlLine{Type: "control_response", Response: mustJSON(controlResult{
		Subtype:   "success",
		RequestID: id,
		Response:  payload,
	})}); err != nil {
		s.log.Warn().Err(err).Str("request", id).Msg("failed to answer permission request")
	}
}

func (s *cliStream) Interrupt(context.Context) error {
	return s.send(controlLine{
		Type:      "control_request",
		RequestID: "req_" + ulid.Make().String(),
		Request:   mustJSON(controlRequest{Subtype: "interrupt"}),
	})
}

func (s *cliStream) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return ErrClosed
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *cliStream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stdinClosed {
		s.stdinClosed = true
		_ = s.stdin.Close()
	}
}

func (s *cliStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *cliStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeStdin()
		s.cancel()
		_ = s.wait()
	})
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
