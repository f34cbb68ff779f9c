package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/policy"
)

// PlanModePrefix is prepended to the prompt of plan mode turns.
const PlanModePrefix = "[PLAN MODE] Please think through this request carefully and create a detailed plan before implementing. Explain your approach step by step.\n\n"

// MessageNoHandler is the denial used when a tool needs approval but nobody
// can give it.
const MessageNoHandler = "No permission handler configured"

// EventSink receives the events of a turn in emission order. Exactly one of
// OnResult or OnError is called last.
type EventSink interface {
	OnRaw(raw json.RawMessage)
	// OnText receives the full text accumulated so far in the turn.
	OnText(text string)
	OnToolUse(tool domain.ToolUse)
	OnRemoteSessionID(id string)
	OnResult(result domain.ResultData)
	OnError(err error)
}

// Directories is the allow-list a handle revalidates against.
type Directories interface {
	Contains(path string) bool
	Dirs() []string
}

// ToolPolicy classifies tool calls before they are relayed.
type ToolPolicy interface {
	Evaluate(ctx context.Context, input policy.Input) (string, error)
}

// PermissionFunc relays a tool call to a human.
type PermissionFunc func(ctx context.Context, req domain.PermissionRequest) domain.Decision

// QuestionFunc relays agent questions to a human.
type QuestionFunc func(ctx context.Context, req domain.QuestionRequest) domain.Decision

// Options configure a Handle.
type Options struct {
	WorkingDirectory string
	// RemoteSessionID resumes an existing remote conversation.
	RemoteSessionID string
	// Fork makes the first turn branch off RemoteSessionID instead of
	// continuing it.
	Fork bool

	Directories Directories
	Policy      ToolPolicy
	// Permissions and Questions are nil when interactive permissions are off.
	Permissions PermissionFunc
	Questions   QuestionFunc

	Logger *zap.Logger
}

// Handle owns the agent runtime invocations of one session. At most one
// turn runs at a time.
type Handle struct {
	runtime Runtime
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	remoteID string
	fork     bool
	running  bool
	cancel   context.CancelFunc
}

// NewHandle creates an idle handle.
func NewHandle(runtime Runtime, opts Options) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{
		runtime:  runtime,
		opts:     opts,
		logger:   logger.With(zap.String("working_directory", opts.WorkingDirectory)),
		remoteID: opts.RemoteSessionID,
		fork:     opts.Fork && opts.RemoteSessionID != "",
	}
}

// WorkingDirectory returns the directory turns run in.
func (h *Handle) WorkingDirectory() string { return h.opts.WorkingDirectory }

// RemoteSessionID returns the remote conversation id, if known.
func (h *Handle) RemoteSessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remoteID
}

// IsRunning reports whether a turn is in flight.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Abort cancels the in-flight turn. It is a no-op when idle.
func (h *Handle) Abort() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendTurn runs one turn and blocks until it has ended. It returns an error
// only when the turn could not start: ErrAlreadyRunning or
// ErrDirectoryNotAllowed. Everything that goes wrong afterwards is delivered
// to sink.OnError.
func (h *Handle) SendTurn(ctx context.Context, text string, opts domain.TurnOptions, sink EventSink) error {
	if h.opts.Directories != nil && !h.opts.Directories.Contains(h.opts.WorkingDirectory) {
		return fmt.Errorf("%w: %s", domain.ErrDirectoryNotAllowed, h.opts.WorkingDirectory)
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	turnCtx, cancel := context.WithCancel(ctx)
	h.running = true
	h.cancel = cancel
	req := InvokeRequest{
		WorkingDirectory: h.opts.WorkingDirectory,
		Prompt:           text,
		ResumeID:         h.remoteID,
		Fork:             h.fork,
		Model:            opts.Model,
	}
	h.fork = false
	h.mu.Unlock()

	defer func() {
		cancel()
		h.mu.Lock()
		h.running = false
		h.cancel = nil
		h.mu.Unlock()
	}()

	if opts.PlanMode {
		req.Prompt = PlanModePrefix + text
	}
	if h.opts.Permissions != nil || h.opts.Questions != nil {
		req.CanUseTool = h.canUseTool
	}

	h.run(turnCtx, req, sink)
	return nil
}

func (h *Handle) run(ctx context.Context, req InvokeRequest, sink EventSink) {
	t := &turn{handle: h, sink: sink}
	var events <-chan Event
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("agent turn panicked", zap.Any("panic", r))
			if events != nil {
				go drain(events)
			}
			t.fail(fmt.Errorf("%w: %v", domain.ErrAgentRuntime, r))
		}
	}()

	events, err := h.runtime.Invoke(ctx, req)
	if err != nil {
		t.fail(fmt.Errorf("%w: %w", domain.ErrAgentRuntime, err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			t.fail(domain.ErrAborted)
			// Release the runtime if it is still trying to send.
			go drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					t.fail(domain.ErrAborted)
				} else {
					t.fail(fmt.Errorf("%w: stream ended without a result", domain.ErrAgentRuntime))
				}
				return
			}
			t.apply(ev)
			if t.done {
				go drain(events)
				return
			}
		}
	}
}

func drain(events <-chan Event) {
	for range events {
	}
}

// turn accumulates the state of one in-flight turn.
type turn struct {
	handle *Handle
	sink   EventSink
	text   strings.Builder
	done   bool
}

func (t *turn) apply(ev Event) {
	switch ev.Kind {
	case EventRaw:
		t.sink.OnRaw(ev.Raw)

	case EventInit:
		t.setRemoteID(ev.RemoteSessionID)

	case EventAssistant:
		t.setRemoteID(ev.RemoteSessionID)
		started := false
		for _, block := range ev.Blocks {
			switch block.Type {
			case BlockText:
				// A new assistant message is separated from earlier text by a
				// blank line.
				if !started && t.text.Len() > 0 && block.Text != "" {
					t.text.WriteString("\n\n")
				}
				started = true
				t.text.WriteString(block.Text)
				t.sink.OnText(t.text.String())
			case BlockToolUse:
				if block.ToolUse != nil {
					tool := *block.ToolUse
					if tool.Input == nil {
						tool.Input = map[string]any{}
					}
					t.sink.OnToolUse(tool)
				}
			}
		}

	case EventResult:
		if ev.Result == nil {
			t.fail(fmt.Errorf("%w: empty result", domain.ErrAgentRuntime))
			return
		}
		result := *ev.Result
		t.setRemoteID(result.RemoteSessionID)
		if result.IsError {
			reason := result.Summary
			if reason == "" {
				reason = result.Subtype
			}
			t.fail(fmt.Errorf("%w: %s", domain.ErrAgentRuntime, reason))
			return
		}
		full := t.text.String()
		if result.Summary != "" && !strings.Contains(full, result.Summary) {
			if full != "" {
				full += "\n\n"
			}
			full += result.Summary
		}
		result.Text = full
		result.RemoteSessionID = t.handle.RemoteSessionID()
		t.done = true
		t.sink.OnResult(result)

	case EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown failure")
		}
		if !errors.Is(err, domain.ErrAborted) && !errors.Is(err, domain.ErrAgentRuntime) {
			err = fmt.Errorf("%w: %w", domain.ErrAgentRuntime, err)
		}
		t.fail(err)
	}
}

func (t *turn) setRemoteID(id string) {
	if id == "" {
		return
	}
	h := t.handle
	h.mu.Lock()
	changed := h.remoteID != id
	h.remoteID = id
	h.mu.Unlock()
	if changed {
		h.logger.Debug("remote session initialized", zap.String("remote_session_id", id))
		t.sink.OnRemoteSessionID(id)
	}
}

func (t *turn) fail(err error) {
	if t.done {
		return
	}
	t.done = true
	t.sink.OnError(err)
}

// canUseTool routes a tool call: the policy auto-approves safe calls,
// questions go to the question relay and everything else to the permission
// relay.
func (h *Handle) canUseTool(ctx context.Context, call ToolCall) domain.Decision {
	decision := policy.DecisionAsk
	if call.Name == "AskUserQuestion" {
		decision = policy.DecisionAskUser
	}
	if h.opts.Policy != nil {
		var dirs []string
		if h.opts.Directories != nil {
			dirs = h.opts.Directories.Dirs()
		}
		d, err := h.opts.Policy.Evaluate(ctx, policy.Input{
			ToolName:           call.Name,
			Input:              call.Input,
			WorkingDirectory:   h.opts.WorkingDirectory,
			AllowedDirectories: dirs,
		})
		if err != nil {
			h.logger.Warn("tool policy evaluation failed", zap.String("tool", call.Name), zap.Error(err))
		}
		decision = d
	}

	switch decision {
	case policy.DecisionAllow:
		return domain.Allow(call.Input)

	case policy.DecisionAskUser:
		if h.opts.Questions == nil {
			return domain.Allow(call.Input)
		}
		req, err := parseQuestions(call)
		if err != nil {
			h.logger.Warn("malformed question input", zap.Error(err))
			return domain.Deny("Failed to get user response")
		}
		return h.opts.Questions(ctx, req)

	default:
		if h.opts.Permissions == nil {
			return domain.Deny(MessageNoHandler)
		}
		return h.opts.Permissions(ctx, domain.PermissionRequest{
			ToolName:  call.Name,
			Input:     call.Input,
			Reason:    call.Reason,
			ToolUseID: call.ToolUseID,
		})
	}
}

func parseQuestions(call ToolCall) (domain.QuestionRequest, error) {
	raw, err := json.Marshal(call.Input)
	if err != nil {
		return domain.QuestionRequest{}, err
	}
	var req domain.QuestionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.QuestionRequest{}, err
	}
	req.ToolUseID = call.ToolUseID
	return req, nil
}
