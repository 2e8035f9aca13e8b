package query_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/internal/session"
	"github.com/amon-ai/amon/internal/storage"
	"github.com/amon-ai/amon/pkg/types"
)

// recorder collects bus events of the given types.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus, kinds ...event.EventType) *recorder {
	r := &recorder{}
	for _, t := range kinds {
		bus.Subscribe(t, func(e event.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(t event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// preflighted fails every query before it starts.
type preflighted struct {
	*provider.Scripted
	err error
}

func (p *preflighted) Preflight(context.Context, *provider.Request) error {
	return p.err
}

// chatModel streams a fixed reply.
type chatModel struct {
	reply string
}

func (m *chatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *chatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(m.reply, nil)}), nil
}

// switched answers the first query through the chat API backend and every
// later one through the scripted CLI stand-in.
type switched struct {
	*provider.Scripted
	api   provider.Provider
	calls int
}

func (p *switched) Query(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	p.calls++
	if p.calls == 1 {
		return p.api.Query(ctx, req)
	}
	return p.Scripted.Query(ctx, req)
}

type harness struct {
	dir       string
	bus       *event.Bus
	sessions  *session.Registry
	broker    *permission.Broker
	provider  *provider.Scripted
	orch      *query.Orchestrator
	workspace string
}

type harnessConfig struct {
	brokerTimeout time.Duration
	settings      types.Settings
	titles        bool
	wrap          func(*provider.Scripted) provider.Provider
}

type harnessOption func(*harnessConfig)

func withBrokerTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.brokerTimeout = d }
}

func withSettings(s types.Settings) harnessOption {
	return func(c *harnessConfig) { c.settings = s }
}

func withTitles() harnessOption {
	return func(c *harnessConfig) { c.titles = true }
}

func withProvider(wrap func(*provider.Scripted) provider.Provider) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func newHarness(script provider.ScriptFunc, opts ...harnessOption) *harness {
	hc := harnessConfig{brokerTimeout: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&hc)
	}

	dir, err := os.MkdirTemp("", "amon-query-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)

	h := &harness{
		dir:       dir,
		bus:       event.NewBus(),
		provider:  provider.NewScripted(script),
		workspace: filepath.Join(dir, "workspace"),
	}
	h.sessions = session.NewRegistry(
		storage.NewSessionStore(storage.New(filepath.Join(dir, "sessions"))),
		h.bus,
		session.WithNotifyInterval(5*time.Millisecond),
	)
	h.broker = permission.NewBroker(h.bus, permission.WithTimeout(hc.brokerTimeout))

	var p provider.Provider = h.provider
	if hc.wrap != nil {
		p = hc.wrap(h.provider)
	}
	h.orch = query.New(query.Config{
		Sessions:         h.sessions,
		Broker:           h.broker,
		Providers:        provider.NewRegistry(provider.WithFixed(p)),
		Settings:         query.StaticSettings(hc.settings),
		Bus:              h.bus,
		DefaultWorkspace: h.workspace,
		DisableTitles:    !hc.titles,
	})

	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(h.orch.Close(ctx)).To(Succeed())
		Expect(h.sessions.Close(ctx)).To(Succeed())
		Expect(h.bus.Close()).To(Succeed())
	})
	return h
}

func (h *harness) create() string {
	s, err := h.sessions.Create(context.Background(), "", "")
	Expect(err).NotTo(HaveOccurred())
	return s.ID
}

func (h *harness) messages(id string) []types.Message {
	msgs, err := h.sessions.Messages(id)
	Expect(err).NotTo(HaveOccurred())
	return msgs
}

func emit(msgs ...*provider.Message) provider.ScriptFunc {
	return func(*provider.Request) []provider.Step { return provider.Emit(msgs...) }
}

var _ = Describe("Orchestrator", func() {
	ctx := context.Background()

	It("streams deltas into a single text block", func() {
		h := newHarness(emit(
			provider.TextDelta("Hi"),
			provider.TextDelta(" there"),
			provider.SuccessResult("Hi there"),
		))
		rec := record(h.bus, event.QueryComplete, event.QueryStateChanged, event.QueryError)
		id := h.create()

		outcome, err := h.orch.Execute(ctx, id, "hello", query.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeTrue())
		Expect(outcome.ResultText).To(Equal("Hi there"))

		msgs := h.messages(id)
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Role).To(Equal(types.RoleUser))
		Expect(msgs[0].Content).To(Equal("hello"))
		Expect(msgs[1].Role).To(Equal(types.RoleAssistant))
		Expect(msgs[1].ContentBlocks).To(Equal([]types.ContentBlock{types.TextBlock("Hi there")}))
		Expect(msgs[1].IsStreaming).To(BeFalse())

		Expect(h.orch.HasActiveQuery(id)).To(BeFalse())
		Expect(rec.of(event.QueryComplete)).To(HaveLen(1))
		Expect(rec.of(event.QueryError)).To(BeEmpty())

		states := rec.of(event.QueryStateChanged)
		Expect(states).To(HaveLen(2))
		Expect(states[0].Data.(event.QueryStateData).Loading).To(BeTrue())
		Expect(states[1].Data.(event.QueryStateData).Loading).To(BeFalse())

		req := h.provider.Requests()[0]
		Expect(req.Workspace).To(Equal(h.workspace))
		Expect(req.PermissionMode).To(Equal(types.PermissionDefault))
		Expect(h.workspace).To(BeADirectory())
	})

	It("saves the session when the query completes", func() {
		h := newHarness(emit(provider.TextDelta("saved"), provider.SuccessResult("")))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "persist", query.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.sessions.IsDirty(id)).To(BeFalse())

		stored, err := storage.NewSessionStore(storage.New(filepath.Join(h.dir, "sessions"))).Load(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Messages).To(HaveLen(2))
		Expect(stored.Messages[1].Text()).To(Equal("saved"))
	})

	It("does not repeat text from assistant snapshots", func() {
		h := newHarness(emit(
			provider.TextDelta("Let me "),
			provider.TextDelta("look."),
			provider.Assistant(
				provider.ContentItem{Type: provider.ItemText, Text: "Let me look."},
				provider.ContentItem{Type: provider.ItemToolUse, ID: "toolu_1", Name: "Read", Input: map[string]any{"file_path": "a.go"}},
			),
			provider.SuccessResult(""),
		))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "read a.go", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		blocks := h.messages(id)[1].ContentBlocks
		Expect(blocks).To(HaveLen(2))
		Expect(blocks[0]).To(Equal(types.TextBlock("Let me look.")))
		Expect(blocks[1].Type).To(Equal(types.BlockToolCall))
		Expect(blocks[1].ToolCall.ID).To(Equal("toolu_1"))
	})

	It("resumes the provider conversation on the next query", func() {
		init := &provider.Message{Type: provider.TypeSystem, Subtype: "init", SessionID: "conv-1"}
		h := newHarness(emit(init, provider.SuccessResult("ok")))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "one", query.Options{})
		Expect(err).NotTo(HaveOccurred())
		_, err = h.orch.Execute(ctx, id, "two", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		reqs := h.provider.Requests()
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[0].Resume).To(BeEmpty())
		Expect(reqs[1].Resume).To(Equal("conv-1"))
		Expect(reqs[1].History).To(HaveLen(2))
	})

	It("does not resume a chat API conversation on the CLI backend", func() {
		h := newHarness(emit(provider.SuccessResult("ok")), withProvider(func(s *provider.Scripted) provider.Provider {
			return &switched{Scripted: s, api: provider.NewChatProvider("test", &chatModel{reply: "hi"}, 0)}
		}))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "one", query.Options{})
		Expect(err).NotTo(HaveOccurred())
		sess, ok := h.sessions.Get(id)
		Expect(ok).To(BeTrue())
		Expect(sess.ProviderConversationID).To(BeEmpty())

		_, err = h.orch.Execute(ctx, id, "two", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		reqs := h.provider.Requests()
		Expect(reqs).To(HaveLen(1))
		Expect(reqs[0].Resume).To(BeEmpty())
		Expect(reqs[0].History).To(HaveLen(2))
	})

	It("applies per-call options over the settings", func() {
		h := newHarness(emit(provider.SuccessResult("")), withSettings(types.Settings{
			Agent: types.AgentSettings{PermissionMode: types.PermissionAcceptEdits, MaxTurns: 50},
		}))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "go", query.Options{PermissionMode: types.PermissionBypassPermissions})
		Expect(err).NotTo(HaveOccurred())

		req := h.provider.Requests()[0]
		Expect(req.PermissionMode).To(Equal(types.PermissionBypassPermissions))
		Expect(req.MaxTurns).To(Equal(50))
	})

	It("denies an unanswered permission request after the timeout", func() {
		h := newHarness(func(*provider.Request) []provider.Step {
			return []provider.Step{
				{Tool: &provider.ToolUse{Name: "Bash", Input: map[string]any{"command": "make deploy"}}},
				{Message: provider.SuccessResult("")},
			}
		})
		rec := record(h.bus, event.PermissionRequired, event.PermissionResolved)
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "deploy", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		Expect(h.provider.Decisions()).To(Equal([]types.Decision{types.Deny(permission.TimeoutMessage)}))
		Expect(rec.of(event.PermissionRequired)).To(HaveLen(1))
		resolved := rec.of(event.PermissionResolved)
		Expect(resolved).To(HaveLen(1))
		Expect(resolved[0].Data.(event.ResolvedData).Reason).To(Equal(permission.ResolvedByTimeout))

		blocks := h.messages(id)[1].ContentBlocks
		Expect(blocks).To(HaveLen(1))
		Expect(blocks[0].Type).To(Equal(types.BlockPermission))
		Expect(blocks[0].Permission.ToolName).To(Equal("Bash"))
		Expect(blocks[0].Permission.Result).To(Equal(types.BehaviorDeny))
	})

	It("passes an approved decision to the provider and remembers it", func() {
		tool := provider.Step{Tool: &provider.ToolUse{Name: "Bash", Input: map[string]any{"command": "go test ./..."}}}
		h := newHarness(func(*provider.Request) []provider.Step {
			return []provider.Step{tool, tool, {Message: provider.SuccessResult("")}}
		}, withBrokerTimeout(time.Minute))
		id := h.create()

		h.bus.Subscribe(event.PermissionRequired, func(e event.Event) {
			req := e.Data.(event.PermissionRequiredData).Request
			go h.broker.Resolve(req.ID, types.Decision{Behavior: types.BehaviorAllow, Remember: true})
		})

		_, err := h.orch.Execute(ctx, id, "test", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		decisions := h.provider.Decisions()
		Expect(decisions).To(HaveLen(2))
		Expect(decisions[0].Allowed()).To(BeTrue())
		Expect(decisions[0].UpdatedInput).To(HaveKeyWithValue("command", "go test ./..."))
		Expect(decisions[1].Allowed()).To(BeTrue())

		// Only the asked call is recorded; the remembered one is silent.
		blocks := h.messages(id)[1].ContentBlocks
		Expect(blocks).To(HaveLen(1))
		Expect(blocks[0].Permission.Result).To(Equal(types.BehaviorAllow))
	})

	It("interrupts the active query when a second prompt arrives", func() {
		h := newHarness(nil)
		h.provider.Enqueue(append(provider.Emit(provider.TextDelta("partial")), provider.Step{Block: true})...)
		h.provider.Enqueue(provider.Emit(provider.TextDelta("second answer"), provider.SuccessResult(""))...)
		rec := record(h.bus, event.QueryError, event.QueryComplete)
		id := h.create()

		first := make(chan *types.QueryOutcome, 1)
		go func() {
			defer GinkgoRecover()
			out, err := h.orch.Execute(ctx, id, "first", query.Options{})
			Expect(err).NotTo(HaveOccurred())
			first <- out
		}()

		Eventually(func() string {
			msgs := h.messages(id)
			if len(msgs) < 2 {
				return ""
			}
			return msgs[1].Text()
		}).Should(Equal("partial"))
		Expect(h.orch.HasActiveQuery(id)).To(BeTrue())

		out, err := h.orch.Execute(ctx, id, "second", query.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Success).To(BeTrue())

		var firstOut *types.QueryOutcome
		Eventually(first).Should(Receive(&firstOut))
		Expect(firstOut.Interrupted).To(BeTrue())

		Expect(h.provider.Interrupts()).To(Equal(1))
		msgs := h.messages(id)
		Expect(msgs).To(HaveLen(4))
		Expect(msgs[1].ContentBlocks).To(Equal([]types.ContentBlock{types.TextBlock("partial" + query.InterruptMarker)}))
		Expect(msgs[1].IsStreaming).To(BeFalse())
		Expect(msgs[2].Content).To(Equal("second"))
		Expect(msgs[3].Text()).To(Equal("second answer"))
		Expect(msgs[3].IsStreaming).To(BeFalse())

		Expect(rec.of(event.QueryError)).To(BeEmpty())
		Expect(rec.of(event.QueryComplete)).To(HaveLen(1))
	})

	It("keeps concurrent sessions apart", func() {
		h := newHarness(func(req *provider.Request) []provider.Step {
			var steps []provider.Step
			for i := 0; i < 5; i++ {
				steps = append(steps, provider.Step{
					Message: provider.TextDelta(fmt.Sprintf("%s-%d ", req.Prompt, i)),
					Delay:   time.Millisecond,
				})
			}
			return append(steps, provider.Step{Message: provider.SuccessResult(req.Prompt)})
		})

		ids := []string{h.create(), h.create()}
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(prompt, id string) {
				defer GinkgoRecover()
				defer wg.Done()
				out, err := h.orch.Execute(ctx, id, prompt, query.Options{})
				Expect(err).NotTo(HaveOccurred())
				Expect(out.ResultText).To(Equal(prompt))
			}(fmt.Sprintf("s%d", i), id)
		}
		wg.Wait()

		for i, id := range ids {
			p := fmt.Sprintf("s%d", i)
			want := fmt.Sprintf("%s-0 %s-1 %s-2 %s-3 %s-4 ", p, p, p, p, p)
			msgs := h.messages(id)
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Content).To(Equal(p))
			Expect(msgs[1].ContentBlocks).To(Equal([]types.ContentBlock{types.TextBlock(want)}))
		}
	})

	It("resolves a pending permission as interrupted", func() {
		h := newHarness(func(*provider.Request) []provider.Step {
			return []provider.Step{
				{Tool: &provider.ToolUse{Name: "Write", Input: map[string]any{"file_path": "x.go"}}},
				{Block: true},
			}
		}, withBrokerTimeout(time.Minute))
		id := h.create()

		done := make(chan *types.QueryOutcome, 1)
		go func() {
			defer GinkgoRecover()
			out, err := h.orch.Execute(ctx, id, "write", query.Options{})
			Expect(err).NotTo(HaveOccurred())
			done <- out
		}()

		Eventually(func() int {
			return len(h.broker.GetPendingForSession(id).Permissions)
		}).Should(Equal(1))

		Expect(h.orch.Interrupt(ctx, id)).To(Succeed())
		var out *types.QueryOutcome
		Eventually(done).Should(Receive(&out))
		Expect(out.Interrupted).To(BeTrue())

		Expect(h.provider.Decisions()).To(Equal([]types.Decision{types.Deny(permission.InterruptedMessage)}))
		Expect(h.broker.GetPendingForSession(id).Permissions).To(BeEmpty())
		Expect(h.orch.HasActiveQuery(id)).To(BeFalse())

		msg := h.messages(id)[1]
		Expect(msg.IsStreaming).To(BeFalse())
		Expect(msg.ContentBlocks).To(HaveLen(2))
		Expect(msg.ContentBlocks[0].Permission.Result).To(Equal(types.BehaviorDeny))
		Expect(msg.ContentBlocks[1]).To(Equal(types.TextBlock(query.InterruptMarker)))
	})

	It("treats interrupting an idle session as a no-op", func() {
		h := newHarness(nil)
		id := h.create()
		Expect(h.orch.Interrupt(ctx, id)).To(Succeed())
		Expect(h.orch.Interrupt(ctx, "unknown")).To(Succeed())
	})

	It("reports a failing stream once and leaves the message as is", func() {
		h := newHarness(func(*provider.Request) []provider.Step {
			return []provider.Step{
				{Message: provider.TextDelta("half")},
				{Err: errors.New("agent exited: exit status 1")},
			}
		})
		rec := record(h.bus, event.QueryError, event.QueryComplete, event.QueryStateChanged)
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "go", query.Options{})
		var perr *query.ProviderStreamError
		Expect(errors.As(err, &perr)).To(BeTrue())

		errs := rec.of(event.QueryError)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0].Data.(event.QueryErrorData).Message).To(ContainSubstring("exit status 1"))
		Expect(rec.of(event.QueryComplete)).To(BeEmpty())

		msg := h.messages(id)[1]
		Expect(msg.Text()).To(Equal("half"))
		Expect(msg.IsStreaming).To(BeTrue())
		Expect(h.sessions.IsDirty(id)).To(BeTrue())

		states := rec.of(event.QueryStateChanged)
		Expect(states[len(states)-1].Data.(event.QueryStateData).Loading).To(BeFalse())
		Expect(h.orch.HasActiveQuery(id)).To(BeFalse())
	})

	It("keeps a failed query failed when an interrupt arrives before cleanup", func() {
		h := newHarness(func(*provider.Request) []provider.Step {
			return []provider.Step{
				{Message: provider.TextDelta("half")},
				{Err: errors.New("agent exited: exit status 1")},
			}
		})
		rec := record(h.bus, event.QueryComplete)
		id := h.create()

		// QueryError is delivered synchronously before the run is released,
		// so this Interrupt lands between the failure and the cleanup.
		var interruptErr error
		h.bus.Subscribe(event.QueryError, func(event.Event) {
			ictx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			interruptErr = h.orch.Interrupt(ictx, id)
		})

		out, err := h.orch.Execute(ctx, id, "go", query.Options{})
		Expect(out).To(BeNil())
		var perr *query.ProviderStreamError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(interruptErr).To(MatchError(context.DeadlineExceeded))
		Expect(rec.of(event.QueryComplete)).To(BeEmpty())

		msg := h.messages(id)[1]
		Expect(msg.Text()).To(Equal("half"))
		Expect(msg.IsStreaming).To(BeTrue())
		Expect(h.orch.HasActiveQuery(id)).To(BeFalse())
	})

	It("reports an unknown session as a query error", func() {
		h := newHarness(emit(provider.SuccessResult("")))
		rec := record(h.bus, event.QueryError)

		_, err := h.orch.Execute(ctx, "missing", "go", query.Options{})
		Expect(err).To(MatchError(session.ErrNotFound))

		errs := rec.of(event.QueryError)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0].Data.(event.QueryErrorData).SessionID).To(Equal("missing"))
		Expect(h.provider.Requests()).To(BeEmpty())
	})

	It("fails a stream that ends without a result", func() {
		h := newHarness(emit(provider.TextDelta("cut")))
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "go", query.Options{})
		Expect(err).To(MatchError(io.ErrUnexpectedEOF))
	})

	It("rejects invalid input before anything is written", func() {
		h := newHarness(emit(provider.SuccessResult("")))
		rec := record(h.bus, event.QueryError)
		id := h.create()

		var verr *query.ValidationError
		_, err := h.orch.Execute(ctx, id, "  ", query.Options{})
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Field).To(Equal("prompt"))

		_, err = h.orch.Execute(ctx, id, "go", query.Options{PermissionMode: "yolo"})
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Field).To(Equal("permissionMode"))

		Expect(h.sessions.SetWorkspace(ctx, id, filepath.Join(h.dir, "missing"))).To(Succeed())
		_, err = h.orch.Execute(ctx, id, "go", query.Options{})
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(verr.Field).To(Equal("workspace"))

		Expect(h.messages(id)).To(BeEmpty())
		Expect(h.provider.Requests()).To(BeEmpty())
		Expect(rec.of(event.QueryError)).To(HaveLen(3))
	})

	It("surfaces preflight hints", func() {
		h := newHarness(nil, withProvider(func(s *provider.Scripted) provider.Provider {
			return &preflighted{
				Scripted: s,
				err:      &provider.PreflightError{Reason: "claude not found", Hint: "install the CLI"},
			}
		}))
		rec := record(h.bus, event.QueryError)
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "go", query.Options{})
		var pe *provider.PreflightError
		Expect(errors.As(err, &pe)).To(BeTrue())

		errs := rec.of(event.QueryError)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0].Data.(event.QueryErrorData).Hint).To(Equal("install the CLI"))
		Expect(h.messages(id)).To(BeEmpty())
	})

	It("retitles a session that still has its default name", func() {
		h := newHarness(func(req *provider.Request) []provider.Step {
			if req.NoTools {
				return provider.Emit(provider.SuccessResult("\"Greeting chat\""))
			}
			return provider.Emit(provider.TextDelta("Hello!"), provider.SuccessResult("Hello!"))
		}, withTitles())
		id := h.create()

		_, err := h.orch.Execute(ctx, id, "hi", query.Options{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			s, _ := h.sessions.Get(id)
			return s.Name
		}).Should(Equal("Greeting chat"))
		Eventually(func() int {
			s, _ := h.sessions.Get(id)
			return s.TitleRefreshCount
		}).Should(Equal(1))

		reqs := h.provider.Requests()
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[1].MaxTurns).To(Equal(1))
		Expect(reqs[1].Prompt).To(ContainSubstring("User: hi"))
	})

	It("refuses new queries after Close", func() {
		h := newHarness(emit(provider.SuccessResult("")))
		id := h.create()
		Expect(h.orch.Close(ctx)).To(Succeed())

		rec := record(h.bus, event.QueryError)

		_, err := h.orch.Execute(ctx, id, "late", query.Options{})
		Expect(err).To(MatchError(query.ErrClosed))
		Expect(rec.of(event.QueryError)).To(HaveLen(1))
	})

	It("deletes a session with a running query", func() {
		h := newHarness(nil)
		h.provider.Enqueue(append(provider.Emit(provider.TextDelta("partial")), provider.Step{Block: true})...)
		id := h.create()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			out, err := h.orch.Execute(ctx, id, "first", query.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Interrupted).To(BeTrue())
		}()
		Eventually(func() bool { return h.orch.HasActiveQuery(id) }).Should(BeTrue())

		ok, err := h.orch.DeleteSession(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Eventually(done).Should(BeClosed())

		_, found := h.sessions.Get(id)
		Expect(found).To(BeFalse())
		_, err = h.sessions.EnsureLoaded(ctx, id)
		Expect(err).To(MatchError(session.ErrNotFound))

		ok, err = h.orch.DeleteSession(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
