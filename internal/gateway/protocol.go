package gateway

import (
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// Message types from client to gateway
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeMessage            = "message"
	TypeAbort              = "abort"
	TypePermissionResponse = "permission_response"
	TypeQuestionResponse   = "question_response"
	TypePing               = "ping"
)

// Message types from gateway to client
const (
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypeUserMessage       = "user_message"
	TypeText              = "text"
	TypeTool              = "tool"
	TypeResult            = "result"
	TypeError             = "error"
	TypeAuthError         = "auth_error"
	TypePermissionRequest = "permission_request"
	TypeClaudeQuestion    = "claude_question"
	TypeSessionUpdated    = "session_updated"
	TypeSessionDeleted    = "session_deleted"
	TypePong              = "pong"
)

// ClientMessage is any intent sent by a client. Fields not used by Type are
// ignored.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// message
	Content string       `json:"content,omitempty"`
	Options *TurnOptions `json:"options,omitempty"`

	// permission_response, question_response
	ID           string            `json:"id,omitempty"`
	Allowed      bool              `json:"allowed,omitempty"`
	AllowSimilar bool              `json:"allowSimilar,omitempty"`
	Message      string            `json:"message,omitempty"`
	Answers      map[string]string `json:"answers,omitempty"`
	Cancelled    bool              `json:"cancelled,omitempty"`
}

// TurnOptions are the per-message options a client may set.
type TurnOptions struct {
	Model    string `json:"model,omitempty"`
	PlanMode bool   `json:"planMode,omitempty"`
}

// ServerMessage is the envelope of every frame sent to clients.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// SubscribedData is the catch-up state sent on subscribe.
type SubscribedData struct {
	IsProcessing   bool                   `json:"isProcessing"`
	StreamingText  string                 `json:"streamingText,omitempty"`
	PendingPrompts []domain.PendingPrompt `json:"pendingPrompts,omitempty"`
}

// ErrorData describes a failed intent or turn.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes that are not derived from the coordinator's errors.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeInternal       = "internal_error"
)
