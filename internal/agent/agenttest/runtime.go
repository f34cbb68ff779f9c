// Package agenttest provides a scriptable agent.Runtime for tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// Emit sends an event to the handle. It returns false once the turn has been
// cancelled.
type Emit func(ev agent.Event) bool

// Script plays one turn.
type Script func(ctx context.Context, req agent.InvokeRequest, emit Emit)

// Runtime replays queued scripts, one per Invoke. When the queue is empty
// it falls back to Reply("ok").
type Runtime struct {
	mu       sync.Mutex
	scripts  []Script
	calls    []agent.InvokeRequest
	fallback Script
	err      error
}

// New creates a runtime with an optional initial script queue.
func New(scripts ...Script) *Runtime {
	return &Runtime{scripts: scripts, fallback: Reply("ok", "")}
}

// Push queues scripts for the next turns.
func (r *Runtime) Push(scripts ...Script) {
	r.mu.Lock()
	r.scripts = append(r.scripts, scripts...)
	r.mu.Unlock()
}

// SetFallback replaces the script used when the queue is empty.
func (r *Runtime) SetFallback(s Script) {
	r.mu.Lock()
	r.fallback = s
	r.mu.Unlock()
}

// FailInvoke makes the next Invoke calls return err without starting a turn.
func (r *Runtime) FailInvoke(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Calls returns the requests received so far.
func (r *Runtime) Calls() []agent.InvokeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.InvokeRequest, len(r.calls))
	copy(out, r.calls)
	return out
}

// Invoke implements agent.Runtime.
func (r *Runtime) Invoke(ctx context.Context, req agent.InvokeRequest) (<-chan agent.Event, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.calls = append(r.calls, req)
	script := r.fallback
	if len(r.scripts) > 0 {
		script = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	r.mu.Unlock()

	ch := make(chan agent.Event)
	go func() {
		defer close(ch)
		script(ctx, req, func(ev agent.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

// Init returns the init event for remoteID.
func Init(remoteID string) agent.Event {
	return agent.Event{Kind: agent.EventInit, RemoteSessionID: remoteID}
}

// Text returns an assistant message made of text blocks.
func Text(blocks ...string) agent.Event {
	ev := agent.Event{Kind: agent.EventAssistant}
	for _, b := range blocks {
		ev.Blocks = append(ev.Blocks, agent.ContentBlock{Type: agent.BlockText, Text: b})
	}
	return ev
}

// Tool returns an assistant message with a single tool_use block.
func Tool(id, name string, input map[string]any) agent.Event {
	return agent.Event{Kind: agent.EventAssistant, Blocks: []agent.ContentBlock{{
		Type:    agent.BlockToolUse,
		ToolUse: &domain.ToolUse{ID: id, Name: name, Input: input},
	}}}
}

// Result returns a successful terminal event.
func Result(summary, remoteID string) agent.Event {
	return agent.Event{Kind: agent.EventResult, Result: &domain.ResultData{
		Subtype:         "success",
		Summary:         summary,
		RemoteSessionID: remoteID,
		TotalCostUSD:    0.01,
		DurationMs:      1200,
		NumTurns:        1,
		Usage:           &domain.Usage{InputTokens: 10, OutputTokens: 20},
	}}
}

// Failure returns an error terminal event.
func Failure(err error) agent.Event {
	return agent.Event{Kind: agent.EventError, Err: err}
}

// Events plays a fixed sequence.
func Events(events ...agent.Event) Script {
	return func(ctx context.Context, req agent.InvokeRequest, emit Emit) {
		for _, ev := range events {
			if !emit(ev) {
				return
			}
		}
	}
}

// Reply initializes remoteID when set, streams text and finishes.
func Reply(text, remoteID string) Script {
	var events []agent.Event
	if remoteID != "" {
		events = append(events, Init(remoteID))
	}
	events = append(events, Text(text), Result(text, remoteID))
	return Events(events...)
}

// Gate is a script that streams its opening events and then waits until
// released or cancelled.
type Gate struct {
	Opening []agent.Event
	Closing []agent.Event

	started chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewGate creates a gate script.
func NewGate(opening ...agent.Event) *Gate {
	return &Gate{
		Opening: opening,
		Closing: []agent.Event{Result("done", "")},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// Script returns the gate as a Script.
func (g *Gate) Script() Script {
	return func(ctx context.Context, req agent.InvokeRequest, emit Emit) {
		for _, ev := range g.Opening {
			if !emit(ev) {
				return
			}
		}
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			emit(Failure(domain.ErrAborted))
			return
		}
		for _, ev := range g.Closing {
			if !emit(ev) {
				return
			}
		}
	}
}

// Started is closed once the last opening event has been handed to the
// handle. The handle may still be applying it; tests that read streamed
// state wait for it separately.
func (g *Gate) Started() <-chan struct{} { return g.started }

// Release lets the turn finish.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// AskTool asks permission for a tool call and reports the decision: an
// allowed call streams the tool use followed by allowedText, a denied one
// streams the denial message.
func AskTool(id, name string, input map[string]any, allowedText string) Script {
	return func(ctx context.Context, req agent.InvokeRequest, emit Emit) {
		decision := domain.Allow(input)
		if req.CanUseTool != nil {
			decision = req.CanUseTool(ctx, agent.ToolCall{Name: name, Input: input, ToolUseID: id})
		}
		if !decision.Allowed() {
			if !emit(Text("Denied: " + decision.Message)) {
				return
			}
			emit(Result("", ""))
			return
		}
		if !emit(Tool(id, name, decision.UpdatedInput)) {
			return
		}
		if !emit(Text(allowedText)) {
			return
		}
		emit(Result("", ""))
	}
}
