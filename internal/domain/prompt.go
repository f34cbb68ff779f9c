package domain

import "time"

// Decision is the resolution of a pending prompt as delivered to the agent
// runtime.
type Decision struct {
	Behavior     PermissionBehavior `json:"behavior"`
	UpdatedInput map[string]any     `json:"updatedInput,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Allowed reports whether the decision permits the tool call.
func (d Decision) Allowed() bool { return d.Behavior == BehaviorAllow }

// Allow builds an allow decision carrying input.
func Allow(input map[string]any) Decision {
	if input == nil {
		input = map[string]any{}
	}
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny builds a deny decision with a reason.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// PermissionRequest is a tool call awaiting approval.
type PermissionRequest struct {
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	Reason    string         `json:"reason,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one multiple choice question raised by the agent.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// QuestionRequest is a set of questions the agent wants answered.
type QuestionRequest struct {
	Questions []Question `json:"questions"`
	ToolUseID string     `json:"toolUseId,omitempty"`
}

// PendingPrompt describes an outstanding prompt. It is what clients see.
type PendingPrompt struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Kind      PromptKind     `json:"kind"`
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	Questions []Question     `json:"questions,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}
