// Package query runs queries: one active query per session, streamed into
// the session registry, interruptible at any point.
package query

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/internal/metrics"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/session"
	"github.com/amon-ai/amon/pkg/types"
)

// InterruptMarker is appended to a message whose query was interrupted.
const InterruptMarker = "\n\n[interrupted]"

// DefaultInterruptTimeout bounds the provider's own interrupt hook.
const DefaultInterruptTimeout = 5 * time.Second

// Query states reported in metrics.
const (
	StateCompleted   = "completed"
	StateErrored     = "errored"
	StateInterrupted = "interrupted"
)

// Config wires an Orchestrator.
type Config struct {
	Sessions  *session.Registry
	Broker    *permission.Broker
	Providers *provider.Registry
	Settings  SettingsSource
	Bus       *event.Bus
	Metrics   *metrics.Metrics
	Approvals *permission.Approvals

	// DefaultWorkspace is used by sessions without a workspace. It is
	// created on first use.
	DefaultWorkspace string
	InterruptTimeout time.Duration
	// DisableTitles turns off the title refresh side task.
	DisableTitles bool
}

// run is the bookkeeping of one active query.
type run struct {
	sessionID string
	// ctx derives from the orchestrator context so Close stops the run.
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	interrupted atomic.Bool
	// Set before consumed is closed.
	failed atomic.Bool

	mu     sync.Mutex
	stream provider.Stream

	// Written before consumed is closed.
	state     *session.QueryState
	messageID string

	consumeOnce sync.Once
	consumed    chan struct{}
	finalized   chan struct{}
	done        chan struct{}
}

func (r *run) setStream(s provider.Stream) {
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
}

func (r *run) getStream() provider.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// finish marks the stream consumed. An error seen before any interrupt
// fails the run, even if Interrupt arrives before release.
func (r *run) finish(err error) {
	if err != nil && !r.interrupted.Load() {
		r.failed.Store(true)
	}
	r.consumeOnce.Do(func() { close(r.consumed) })
}

// Orchestrator is the per-session query state machine:
// Idle, Starting, Streaming, then Completed, Errored or Interrupted, then
// Idle again.
type Orchestrator struct {
	sessions         *session.Registry
	broker           *permission.Broker
	providers        *provider.Registry
	settings         SettingsSource
	bus              *event.Bus
	metrics          *metrics.Metrics
	approvals        *permission.Approvals
	defaultWorkspace string
	interruptTimeout time.Duration
	titles           bool
	log              zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessions:         cfg.Sessions,
		broker:           cfg.Broker,
		providers:        cfg.Providers,
		settings:         cfg.Settings,
		bus:              cfg.Bus,
		metrics:          cfg.Metrics,
		approvals:        cfg.Approvals,
		defaultWorkspace: cfg.DefaultWorkspace,
		interruptTimeout: cfg.InterruptTimeout,
		titles:           !cfg.DisableTitles,
		log:              logging.Component("query"),
		ctx:              ctx,
		cancel:           cancel,
		runs:             make(map[string]*run),
	}
	if o.interruptTimeout <= 0 {
		o.interruptTimeout = DefaultInterruptTimeout
	}
	if o.approvals == nil {
		o.approvals = permission.NewApprovals()
	}
	return o
}

// HasActiveQuery reports whether the session has a query in flight.
func (o *Orchestrator) HasActiveQuery(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[sessionID]
	return ok
}

// Execute runs prompt as a new query on the session and blocks until the
// query completes, fails or is interrupted. An active query on the session
// is interrupted first. The query outlives ctx; only Interrupt and Close
// stop it once it has started.
func (o *Orchestrator) Execute(ctx context.Context, sessionID, prompt string, opts Options) (*types.QueryOutcome, error) {
	if err := validatePrompt(prompt); err != nil {
		o.publishError(sessionID, err)
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		o.publishError(sessionID, err)
		return nil, err
	}
	if _, err := o.sessions.EnsureLoaded(ctx, sessionID); err != nil {
		o.publishError(sessionID, err)
		return nil, err
	}

	r, err := o.acquire(ctx, sessionID)
	if err != nil {
		o.publishError(sessionID, err)
		return nil, err
	}

	outcome, err := o.execute(ctx, r, prompt, opts)
	if outcome == nil {
		r.finish(err)
	} else {
		r.finish(nil)
	}

	state := StateCompleted
	switch {
	case r.failed.Load():
		state = StateErrored
		o.sessions.MarkDirty(sessionID)
		o.publishError(sessionID, err)
	case r.interrupted.Load():
		<-r.finalized
		if outcome == nil {
			state = StateInterrupted
			outcome, err = &types.QueryOutcome{Interrupted: true}, nil
		}
	}

	o.release(r, state)
	return outcome, err
}

// acquire installs a new run for the session, interrupting the current
// one until the slot is free.
func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (*run, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		cur, busy := o.runs[sessionID]
		if !busy {
			qctx, cancel := context.WithCancel(o.ctx)
			r := &run{
				sessionID: sessionID,
				ctx:       qctx,
				cancel:    cancel,
				started:   time.Now(),
				consumed:  make(chan struct{}),
				finalized: make(chan struct{}),
				done:      make(chan struct{}),
			}
			o.runs[sessionID] = r
			o.mu.Unlock()
			return r, nil
		}
		o.mu.Unlock()

		o.log.Info().Str("session", sessionID).Msg("interrupting active query for new prompt")
		if err := o.Interrupt(ctx, sessionID); err != nil {
			return nil, err
		}
		select {
		case <-cur.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (o *Orchestrator) release(r *run, state string) {
	if r.state != nil {
		o.sessions.ClearQueryState(r.sessionID, r.state)
		o.sessions.FlushNotifications(r.sessionID)
		o.bus.PublishSync(event.Event{
			Type: event.QueryStateChanged,
			Data: event.QueryStateData{SessionID: r.sessionID, Loading: false},
		})
		o.metrics.QueryFinished(state, time.Since(r.started))
	}
	r.cancel()

	o.mu.Lock()
	if o.runs[r.sessionID] == r {
		delete(o.runs, r.sessionID)
	}
	o.mu.Unlock()
	close(r.done)

	o.log.Info().
		Str("session", r.sessionID).
		Str("state", state).
		Dur("elapsed", time.Since(r.started)).
		Msg("query finished")
}

func (o *Orchestrator) execute(ctx context.Context, r *run, prompt string, opts Options) (*types.QueryOutcome, error) {
	sessionID := r.sessionID
	// Read after acquire so history includes the previous query.
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil, session.ErrNotFound
	}
	agent := opts.Apply(o.settings.Settings().Agent)

	workspace, err := o.workspace(sess)
	if err != nil {
		return nil, err
	}

	p, err := o.providers.Resolve(ctx, agent)
	if err != nil {
		return nil, err
	}

	tr := NewTranslator(o.sessions, o.broker, permission.NewPolicy(agent, workspace, o.approvals), o.approvals, sessionID, "").
		WithLogger(o.log).
		WithMetrics(o.metrics)

	req := &provider.Request{
		Prompt:            prompt,
		History:           sess.Messages,
		Workspace:         workspace,
		Resume:            sess.ProviderConversationID,
		SystemPrompt:      agent.SystemPrompt,
		PermissionMode:    agent.PermissionMode,
		MaxTurns:          agent.MaxTurns,
		MaxThinkingTokens: agent.MaxThinkingTokens,
		Tools:             agent.Tools,
		AllowedTools:      agent.AllowedTools,
		Env:               provider.Env(agent),
		CanUseTool:        tr.CanUseTool,
	}
	if pf, ok := p.(provider.Preflighter); ok {
		if err := pf.Preflight(ctx, req); err != nil {
			return nil, err
		}
	}
	if r.interrupted.Load() {
		return nil, nil
	}

	if _, err := o.sessions.AddMessage(sessionID, types.Message{Role: types.RoleUser, Content: prompt}); err != nil {
		return nil, err
	}
	messageID, err := o.sessions.AddMessage(sessionID, types.Message{
		Role:          types.RoleAssistant,
		ContentBlocks: []types.ContentBlock{},
		IsStreaming:   true,
	})
	if err != nil {
		return nil, err
	}
	tr.messageID = messageID

	state := &session.QueryState{
		SessionID: sessionID,
		MessageID: messageID,
		Cancel:    r.cancel,
		StartedAt: r.started,
	}
	if err := o.sessions.SetQueryState(state); err != nil {
		return nil, err
	}
	r.state, r.messageID = state, messageID
	o.metrics.QueryStarted()
	o.bus.PublishSync(event.Event{
		Type: event.QueryStateChanged,
		Data: event.QueryStateData{SessionID: sessionID, Loading: true},
	})
	o.log.Info().
		Str("session", sessionID).
		Str("provider", p.Name()).
		Str("mode", string(agent.PermissionMode)).
		Bool("resume", req.Resume != "").
		Msg("query started")

	if r.interrupted.Load() {
		return nil, nil
	}
	stream, err := p.Query(r.ctx, req)
	if err != nil {
		return nil, &ProviderStreamError{Err: err}
	}
	r.setStream(stream)
	defer stream.Close()

	outcome, err := o.consume(r, stream, tr)
	r.finish(err)
	if err != nil || r.interrupted.Load() {
		return nil, err
	}

	// A failed save keeps the session dirty for the periodic flush and is
	// returned alongside the outcome.
	saveErr := o.sessions.SaveNow(context.WithoutCancel(ctx), sessionID)
	if saveErr != nil {
		o.log.Warn().Err(saveErr).Str("session", sessionID).Msg("save after query failed")
	}
	o.sessions.FlushNotifications(sessionID)
	o.bus.PublishSync(event.Event{
		Type: event.QueryComplete,
		Data: event.QueryCompleteData{SessionID: sessionID, Outcome: *outcome},
	})
	o.maybeRefreshTitle(sessionID, agent, workspace)
	return outcome, saveErr
}

// consume drives the translator until the result event, the end of the
// stream or an interrupt. Mutations already applied are kept.
func (o *Orchestrator) consume(r *run, stream provider.Stream, tr *Translator) (*types.QueryOutcome, error) {
	for {
		if r.interrupted.Load() {
			return nil, nil
		}
		msg, err := stream.Recv()
		if r.interrupted.Load() {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			if out := tr.Outcome(); out != nil {
				return out, nil
			}
			return nil, &ProviderStreamError{Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return nil, &ProviderStreamError{Err: err}
		}

		done, err := tr.Apply(msg)
		if err != nil {
			return nil, err
		}
		if done {
			return tr.Outcome(), nil
		}
	}
}

func (o *Orchestrator) workspace(sess *types.Session) (string, error) {
	if sess.WorkspacePath != "" {
		st, err := os.Stat(sess.WorkspacePath)
		if err != nil || !st.IsDir() {
			return "", &ValidationError{Field: "workspace", Message: sess.WorkspacePath + " does not exist"}
		}
		return sess.WorkspacePath, nil
	}
	if o.defaultWorkspace == "" {
		return "", &ValidationError{Field: "workspace", Message: "no workspace configured"}
	}
	if err := os.MkdirAll(o.defaultWorkspace, 0o755); err != nil {
		return "", &ValidationError{Field: "workspace", Message: err.Error()}
	}
	return o.defaultWorkspace, nil
}

func (o *Orchestrator) maybeRefreshTitle(sessionID string, agent types.AgentSettings, workspace string) {
	if !o.titles {
		return
	}
	sess, ok := o.sessions.Get(sessionID)
	if !ok || !ShouldRefreshTitle(sess) {
		return
	}
	count := sess.UserMessageCount()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.bg.Done()
		o.refreshTitle(sessionID, agent, workspace, count)
	}()
}

// Interrupt stops the session's active query. Pending decisions resolve
// as interrupted, the provider is aborted, and a message that was still
// streaming gets InterruptMarker. Interrupting an idle session is a no-op.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	o.broker.CancelAllForSession(sessionID)

	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if !r.interrupted.CompareAndSwap(false, true) {
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.log.Info().Str("session", sessionID).Msg("interrupting query")

	// A decision may have been requested after the first cancel.
	o.broker.CancelAllForSession(sessionID)
	r.cancel()

	if s := r.getStream(); s != nil {
		hctx, cancel := context.WithTimeout(context.Background(), o.interruptTimeout)
		if err := s.Interrupt(hctx); err != nil {
			o.log.Debug().Err(err).Str("session", sessionID).Msg("provider interrupt hook failed")
		}
		cancel()
	}

	<-r.consumed
	o.finalizeInterrupted(ctx, r)
	close(r.finalized)

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) finalizeInterrupted(ctx context.Context, r *run) {
	if r.messageID == "" || r.failed.Load() {
		return
	}
	msgs, err := o.sessions.Messages(r.sessionID)
	if err != nil {
		return
	}
	for i := range msgs {
		if msgs[i].ID != r.messageID || !msgs[i].IsStreaming {
			continue
		}
		if err := o.sessions.AppendToMessage(r.sessionID, r.messageID, types.BlockText, InterruptMarker); err != nil {
			o.log.Warn().Err(err).Str("session", r.sessionID).Msg("interrupt marker not applied")
		}
		streaming := false
		_ = o.sessions.UpdateMessage(r.sessionID, r.messageID, session.MessagePatch{IsStreaming: &streaming})
		break
	}
	if err := o.sessions.SaveNow(context.WithoutCancel(ctx), r.sessionID); err != nil {
		o.log.Warn().Err(err).Str("session", r.sessionID).Msg("save after interrupt failed")
	}
	if r.state != nil {
		o.sessions.ClearQueryState(r.sessionID, r.state)
	}
}

// DeleteSession interrupts the session's query, drops its pending requests
// and remembered approvals, and deletes it from memory and disk.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := o.Interrupt(ctx, sessionID); err != nil {
		return false, err
	}
	o.broker.ClearSession(sessionID)
	o.approvals.Clear(sessionID)
	return o.sessions.Delete(ctx, sessionID)
}

// Close interrupts every active query and waits for background title
// refreshes.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := o.Interrupt(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	o.cancel()

	waited := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) publishError(sessionID string, err error) {
	o.log.Error().Err(err).Str("session", sessionID).Msg("query failed")
	o.bus.PublishSync(event.Event{
		Type: event.QueryError,
		Data: event.QueryErrorData{SessionID: sessionID, Message: err.Error(), Hint: hint(err)},
	})
}
