package domain

import "time"

// Message represents a single message in a session. Messages are immutable
// once created.
type Message struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"sessionId"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata"`
	CreatedAt time.Time        `json:"createdAt"`
}

// MessageMetadata carries usage accounting for assistant messages.
type MessageMetadata struct {
	InputTokens  int64     `json:"inputTokens,omitempty"`
	OutputTokens int64     `json:"outputTokens,omitempty"`
	CostUSD      float64   `json:"costUsd,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	NumTurns     int       `json:"numTurns,omitempty"`
	Model        ModelType `json:"model,omitempty"`
	Imported     bool      `json:"imported,omitempty"`
}

// Usage is token accounting reported by the agent runtime.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// ResultData is the terminal payload of a successful turn.
type ResultData struct {
	Text            string           `json:"text"`
	RemoteSessionID string           `json:"sessionId,omitempty"`
	Subtype         string           `json:"subtype,omitempty"`
	IsError         bool             `json:"is_error,omitempty"`
	TotalCostUSD    float64          `json:"total_cost_usd,omitempty"`
	DurationMs      int64            `json:"duration_ms,omitempty"`
	NumTurns        int              `json:"num_turns,omitempty"`
	Summary         string           `json:"result,omitempty"`
	Usage           *Usage           `json:"usage,omitempty"`
	ModelUsage      map[string]Usage `json:"modelUsage,omitempty"`
}

// ToolUse is a tool invocation reported by the agent.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// TurnOptions customise a single turn.
type TurnOptions struct {
	Model    ModelType `json:"model,omitempty"`
	PlanMode bool      `json:"planMode,omitempty"`

	// Origin identifies the client that sent the turn so the user message
	// echo can skip it. Empty means broadcast to everyone.
	Origin string `json:"-"`
}
