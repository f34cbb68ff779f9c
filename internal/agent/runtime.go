// Package agent drives one agent runtime invocation per turn and turns its
// event stream into ordered, cumulative callbacks.
package agent

import (
	"context"
	"encoding/json"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// EventKind identifies a runtime event.
type EventKind int

const (
	// EventRaw carries an unparsed runtime frame for observability.
	EventRaw EventKind = iota + 1
	// EventInit reports the remote session id.
	EventInit
	// EventAssistant is one assistant message with its content blocks.
	EventAssistant
	// EventResult is the successful terminal frame.
	EventResult
	// EventError is the failed terminal frame.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventRaw:
		return "raw"
	case EventInit:
		return "init"
	case EventAssistant:
		return "assistant"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Content block types.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type    string
	Text    string
	ToolUse *domain.ToolUse
}

// Event is a single frame emitted by a Runtime.
type Event struct {
	Kind            EventKind
	Raw             json.RawMessage
	RemoteSessionID string
	Blocks          []ContentBlock
	Result          *domain.ResultData
	Err             error
}

// ToolCall is a tool invocation the runtime wants approved.
type ToolCall struct {
	Name      string
	Input     map[string]any
	ToolUseID string
	Reason    string
}

// CanUseTool decides a tool call. It may block for as long as a human needs.
type CanUseTool func(ctx context.Context, call ToolCall) domain.Decision

// InvokeRequest describes one turn sent to the runtime.
type InvokeRequest struct {
	WorkingDirectory string
	Prompt           string
	ResumeID         string
	Fork             bool
	Model            domain.ModelType

	// CanUseTool is nil when tool calls should be auto-accepted.
	CanUseTool CanUseTool
}

// Runtime starts agent turns.
//
// Invoke returns a channel that yields the turn's events and is closed once
// the turn ends. A well-behaved runtime sends exactly one EventResult or
// EventError last and stops promptly when ctx is cancelled.
type Runtime interface {
	Invoke(ctx context.Context, req InvokeRequest) (<-chan Event, error)
}
