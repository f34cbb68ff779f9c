// Package llm provides an abstraction for single-shot LLM completions used
// by session analysis.
package llm

import "context"

// CompletionRequest is a single user message with an optional system prompt.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
}

// Completer defines the interface for LLM completion calls.
type Completer interface {
	// Complete returns the text of the model's reply.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Ensure Client implements Completer interface.
var _ Completer = (*Client)(nil)
