package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/internal/metrics"
	"github.com/amon-ai/amon/pkg/types"
)

// DefaultTimeout bounds how long a request waits for an answer.
const DefaultTimeout = 60 * time.Second

type pendingRequest struct {
	req    types.PermissionRequest
	result chan types.Decision
	timer  *time.Timer
}

type pendingQuestion struct {
	req    types.QuestionRequest
	result chan types.Answers
	timer  *time.Timer
}

// Pending is a read-only view of one outstanding request. Exactly one of
// Permission and Question is set.
type Pending struct {
	Permission *types.PermissionRequest `json:"permission,omitempty"`
	Question   *types.QuestionRequest   `json:"question,omitempty"`
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithTimeout sets the auto-resolve timeout.
func WithTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) { b.timeout = d }
}

// WithBrokerMetrics records decision metrics.
func WithBrokerMetrics(m *metrics.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// Broker correlates permission and question requests with the answers
// supplied by the UI. Each pending entry is fulfilled exactly once: by
// Resolve, by its timeout, or by CancelAllForSession. Every path removes the
// entry from the table under the lock before acting on it, so only the path
// that removed it delivers a result.
type Broker struct {
	bus     *event.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
	timeout time.Duration
	doom    *DoomLoopDetector

	mu        sync.Mutex
	requests  map[string]*pendingRequest
	questions map[string]*pendingQuestion
}

// NewBroker creates a broker publishing requests on bus.
func NewBroker(bus *event.Bus, opts ...BrokerOption) *Broker {
	b := &Broker{
		bus:       bus,
		log:       logging.Component("permission"),
		timeout:   DefaultTimeout,
		doom:      NewDoomLoopDetector(),
		requests:  make(map[string]*pendingRequest),
		questions: make(map[string]*pendingQuestion),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RequestDecision asks the UI whether the tool call may run and blocks until
// an answer arrives, the timeout fires (deny) or ctx is done (deny).
func (b *Broker) RequestDecision(ctx context.Context, sessionID, toolName string, input map[string]any) types.Decision {
	req := types.PermissionRequest{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		Timestamp: time.Now().UnixMilli(),
		Repeated:  b.doom.Check(sessionID, toolName, input),
	}
	p := &pendingRequest{req: req, result: make(chan types.Decision, 1)}

	b.mu.Lock()
	b.requests[req.ID] = p
	p.timer = time.AfterFunc(b.timeout, func() {
		b.fulfillRequest(req.ID, types.Deny(TimeoutMessage), ResolvedByTimeout)
	})
	b.mu.Unlock()

	b.metrics.DecisionRequested()
	b.log.Info().
		Str("session", sessionID).
		Str("request", req.ID).
		Str("tool", toolName).
		Bool("repeated", req.Repeated).
		Msg("permission requested")
	b.bus.PublishSync(event.Event{
		Type: event.PermissionRequired,
		Data: event.PermissionRequiredData{Request: req},
	})

	select {
	case d := <-p.result:
		return d
	case <-ctx.Done():
		b.fulfillRequest(req.ID, types.Deny(InterruptedMessage), ResolvedByCancel)
		return <-p.result
	}
}

// Resolve answers a pending permission request. It returns false if the id
// is unknown, already answered, timed out or canceled.
func (b *Broker) Resolve(requestID string, d types.Decision) bool {
	if d.Behavior != types.BehaviorAllow {
		d.Behavior = types.BehaviorDeny
		if d.Message == "" {
			d.Message = "Permission denied by user"
		}
	}
	if d.Behavior == types.BehaviorAllow && d.UpdatedInput == nil {
		b.mu.Lock()
		if p, ok := b.requests[requestID]; ok {
			d.UpdatedInput = p.req.Input
		}
		b.mu.Unlock()
	}
	return b.fulfillRequest(requestID, d, ResolvedByResponse)
}

func (b *Broker) fulfillRequest(id string, d types.Decision, reason string) bool {
	b.mu.Lock()
	p, ok := b.requests[id]
	if ok {
		delete(b.requests, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	b.resolved("permission", p.req.ID, p.req.SessionID, reason, event.PermissionResolved)
	p.result <- d
	return true
}

// RequestUserChoice asks the UI to answer questions and blocks until the
// answers arrive, the timeout fires or ctx is done. The latter two yield
// empty answers.
func (b *Broker) RequestUserChoice(ctx context.Context, sessionID string, questions []types.Question) types.Answers {
	req := types.QuestionRequest{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Questions: questions,
		Timestamp: time.Now().UnixMilli(),
	}
	p := &pendingQuestion{req: req, result: make(chan types.Answers, 1)}

	b.mu.Lock()
	b.questions[req.ID] = p
	p.timer = time.AfterFunc(b.timeout, func() {
		b.fulfillQuestion(req.ID, types.Answers{}, ResolvedByTimeout)
	})
	b.mu.Unlock()

	b.metrics.DecisionRequested()
	b.log.Info().Str("session", sessionID).Str("request", req.ID).Int("questions", len(questions)).Msg("question requested")
	b.bus.PublishSync(event.Event{
		Type: event.QuestionRequired,
		Data: event.QuestionRequiredData{Request: req},
	})

	select {
	case a := <-p.result:
		return a
	case <-ctx.Done():
		b.fulfillQuestion(req.ID, types.Answers{}, ResolvedByCancel)
		return <-p.result
	}
}

// ResolveUserChoice answers a pending question request. It returns false if
// the id is unknown or no longer pending.
func (b *Broker) ResolveUserChoice(requestID string, answers types.Answers) bool {
	if answers == nil {
		answers = types.Answers{}
	}
	return b.fulfillQuestion(requestID, answers, ResolvedByResponse)
}

func (b *Broker) fulfillQuestion(id string, a types.Answers, reason string) bool {
	b.mu.Lock()
	p, ok := b.questions[id]
	if ok {
		delete(b.questions, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	b.resolved("question", p.req.ID, p.req.SessionID, reason, event.QuestionResolved)
	p.result <- a
	return true
}

func (b *Broker) resolved(kind, id, sessionID, reason string, t event.EventType) {
	b.metrics.DecisionResolved(kind, reason)
	ev := b.log.Info()
	if reason == ResolvedByTimeout {
		ev = b.log.Warn()
	}
	ev.Str("session", sessionID).Str("request", id).Str("reason", reason).Msg(kind + " resolved")
	b.bus.PublishSync(event.Event{
		Type: t,
		Data: event.ResolvedData{RequestID: id, SessionID: sessionID, Reason: reason},
	})
}

// CancelAllForSession resolves every pending request of the session with
// its interrupted default: deny for permissions, empty answers for
// questions.
func (b *Broker) CancelAllForSession(sessionID string) int {
	b.mu.Lock()
	var reqIDs, qIDs []string
	for id, p := range b.requests {
		if p.req.SessionID == sessionID {
			reqIDs = append(reqIDs, id)
		}
	}
	for id, p := range b.questions {
		if p.req.SessionID == sessionID {
			qIDs = append(qIDs, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range reqIDs {
		if b.fulfillRequest(id, types.Deny(InterruptedMessage), ResolvedByCancel) {
			n++
		}
	}
	for _, id := range qIDs {
		if b.fulfillQuestion(id, types.Answers{}, ResolvedByCancel) {
			n++
		}
	}
	b.doom.Clear(sessionID)
	return n
}

// GetPendingForSession lists the session's outstanding requests, oldest
// first.
func (b *Broker) GetPendingForSession(sessionID string) types.PendingRequests {
	b.mu.Lock()
	out := types.PendingRequests{
		Permissions: []types.PermissionRequest{},
		Questions:   []types.QuestionRequest{},
	}
	for _, p := range b.requests {
		if p.req.SessionID == sessionID {
			out.Permissions = append(out.Permissions, p.req)
		}
	}
	for _, p := range b.questions {
		if p.req.SessionID == sessionID {
			out.Questions = append(out.Questions, p.req)
		}
	}
	b.mu.Unlock()

	sort.Slice(out.Permissions, func(i, j int) bool { return out.Permissions[i].ID < out.Permissions[j].ID })
	sort.Slice(out.Questions, func(i, j int) bool { return out.Questions[i].ID < out.Questions[j].ID })
	return out
}

// GetPendingByID looks up an outstanding request of either kind.
func (b *Broker) GetPendingByID(id string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.requests[id]; ok {
		req := p.req
		return Pending{Permission: &req}, true
	}
	if p, ok := b.questions[id]; ok {
		req := p.req
		return Pending{Question: &req}, true
	}
	return Pending{}, false
}

// ClearSession drops per-session state kept for loop detection.
func (b *Broker) ClearSession(sessionID string) {
	b.doom.Clear(sessionID)
}
