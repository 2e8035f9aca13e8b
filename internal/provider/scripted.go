package provider

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/amon-ai/amon/pkg/types"
)

// Step is one action of a scripted query. Exactly one field besides Delay
// should be set.
type Step struct {
	// Message is returned from Recv.
	Message *Message
	// Tool asks CanUseTool for a decision and records it.
	Tool *ToolUse
	// Err is returned from Recv.
	Err error
	// Block waits until the query is canceled or interrupted.
	Block bool
	// Delay sleeps before the step runs.
	Delay time.Duration
}

// ToolUse is a scripted permission request.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// Emit returns a step yielding each message in order.
func Emit(msgs ...*Message) []Step {
	steps := make([]Step, len(msgs))
	for i, m := range msgs {
		steps[i] = Step{Message: m}
	}
	return steps
}

// ScriptFunc chooses the steps of a query.
type ScriptFunc func(req *Request) []Step

// Scripted is a deterministic Provider driven by a script. It records the
// requests it receives, the decisions returned by CanUseTool and the
// interrupt calls.
type Scripted struct {
	script ScriptFunc

	mu         sync.Mutex
	queue      [][]Step
	requests   []*Request
	decisions  []types.Decision
	interrupts int
	queryErr   error
}

// NewScripted returns a provider that runs fn for every query.
func NewScripted(fn ScriptFunc) *Scripted {
	return &Scripted{script: fn}
}

// Enqueue schedules steps for the next query, ahead of the script.
func (s *Scripted) Enqueue(steps ...Step) {
	s.mu.Lock()
	s.queue = append(s.queue, steps)
	s.mu.Unlock()
}

// FailQueries makes Query itself fail with err.
func (s *Scripted) FailQueries(err error) {
	s.mu.Lock()
	s.queryErr = err
	s.mu.Unlock()
}

// Name implements Provider.
func (s *Scripted) Name() string { return "scripted" }

// Query implements Provider.
func (s *Scripted) Query(ctx context.Context, req *Request) (Stream, error) {
	s.mu.Lock()
	if s.queryErr != nil {
		err := s.queryErr
		s.mu.Unlock()
		return nil, err
	}
	s.requests = append(s.requests, req)
	var steps []Step
	if len(s.queue) > 0 {
		steps = s.queue[0]
		s.queue = s.queue[1:]
	} else if s.script != nil {
		steps = s.script(req)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	return &scriptedStream{
		owner:       s,
		ctx:         ctx,
		cancel:      cancel,
		req:         req,
		steps:       steps,
		interrupted: make(chan struct{}),
	}, nil
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Decisions returns the answers CanUseTool gave, in order.
func (s *Scripted) Decisions() []types.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Decision(nil), s.decisions...)
}

// Interrupts returns how often Interrupt was called.
func (s *Scripted) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

type scriptedStream struct {
	owner  *Scripted
	ctx    context.Context
	cancel context.CancelFunc
	req    *Request
	steps  []Step
	pos    int

	interruptOnce sync.Once
	interrupted   chan struct{}
}

func (st *scriptedStream) Recv() (*Message, error) {
	for st.pos < len(st.steps) {
		step := st.steps[st.pos]
		st.pos++

		if err := st.ctx.Err(); err != nil {
			return nil, err
		}
		if step.Delay > 0 {
			t := time.NewTimer(step.Delay)
			select {
			case <-t.C:
			case <-st.ctx.Done():
				t.Stop()
				return nil, st.ctx.Err()
			}
		}

		switch {
		case step.Block:
			select {
			case <-st.ctx.Done():
				return nil, st.ctx.Err()
			case <-st.interrupted:
				return nil, io.EOF
			}
		case step.Tool != nil:
			d := types.Deny("no permission handler")
			if st.req.CanUseTool != nil {
				d = st.req.CanUseTool(st.ctx, step.Tool.Name, step.Tool.Input)
			}
			st.owner.mu.Lock()
			st.owner.decisions = append(st.owner.decisions, d)
			st.owner.mu.Unlock()
		case step.Err != nil:
			return nil, step.Err
		case step.Message != nil:
			return step.Message, nil
		}
	}
	if err := st.ctx.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (st *scriptedStream) Interrupt(context.Context) error {
	st.owner.mu.Lock()
	st.owner.interrupts++
	st.owner.mu.Unlock()
	st.interruptOnce.Do(func() { close(st.interrupted) })
	return nil
}

func (st *scriptedStream) Close() error {
	st.cancel()
	return nil
}
