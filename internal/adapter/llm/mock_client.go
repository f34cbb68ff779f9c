package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a deterministic Completer for tests and OMNI_MODE=MOCK.
// Replies are chosen by the first registered substring found in the prompt;
// otherwise the default reply is returned.
type MockClient struct {
	mu       sync.Mutex
	replies  []mockReply
	fallback string
	err      error
	requests []CompletionRequest
}

type mockReply struct {
	match string
	reply string
}

// NewMockClient creates a new mock client answering with fallback.
func NewMockClient(fallback string) *MockClient {
	return &MockClient{fallback: fallback}
}

// Ensure MockClient implements Completer interface.
var _ Completer = (*MockClient)(nil)

// On registers reply for prompts containing match.
func (m *MockClient) On(match, reply string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, mockReply{match: match, reply: reply})
	return m
}

// Fail makes every subsequent call return err.
func (m *MockClient) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Requests returns the requests received so far.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

// Complete returns the scripted reply.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	for _, r := range m.replies {
		if strings.Contains(req.Prompt, r.match) {
			return r.reply, nil
		}
	}
	return m.fallback, nil
}
