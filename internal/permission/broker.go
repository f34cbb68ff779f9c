// Package permission implements the interactive prompt broker: it parks tool
// permission requests and agent questions until a client, a remembered
// pattern, a timeout or a cancellation resolves them.
package permission

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/metrics"
)

// DefaultTimeout is how long a prompt waits before it is denied.
const DefaultTimeout = 10 * time.Minute

// Denial messages delivered to the agent runtime.
const (
	MessageTimedOut          = "Permission request timed out"
	MessageSessionTerminated = "Session terminated"
	MessageShuttingDown      = "Server shutting down"
	MessageCancelled         = "Request cancelled"
	MessageQuestionCancelled = "User cancelled the question"
)

// Notifier is told about every prompt that needs a human.
type Notifier interface {
	PromptRequested(prompt domain.PendingPrompt)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(prompt domain.PendingPrompt)

func (f NotifierFunc) PromptRequested(prompt domain.PendingPrompt) { f(prompt) }

type pendingPrompt struct {
	prompt domain.PendingPrompt
	// result is buffered so the resolver never blocks.
	result chan domain.Decision
	timer  *time.Timer
}

// Broker tracks pending prompts and per-session allow patterns.
type Broker struct {
	mu       sync.Mutex
	pending  map[string]*pendingPrompt
	patterns map[string][]string
	closed   bool

	timeout  time.Duration
	notifier Notifier
	logger   *zap.Logger
}

// NewBroker creates a broker. A non-positive timeout selects DefaultTimeout.
func NewBroker(timeout time.Duration, logger *zap.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		pending:  make(map[string]*pendingPrompt),
		patterns: make(map[string][]string),
		timeout:  timeout,
		logger:   logger,
	}
}

// SetNotifier installs the request notifier. It must be called before the
// first request.
func (b *Broker) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// RequestPermission blocks until the tool call is allowed or denied. A match
// against the session's allow patterns resolves immediately with the
// original input.
func (b *Broker) RequestPermission(ctx context.Context, sessionID string, req domain.PermissionRequest) domain.Decision {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.Deny(MessageShuttingDown)
	}
	for _, pattern := range b.patterns[sessionID] {
		if MatchesPattern(req.ToolName, req.Input, pattern) {
			b.mu.Unlock()
			b.logger.Debug("auto-approving via pattern",
				zap.String("session_id", sessionID), zap.String("pattern", pattern))
			metrics.PromptsTotal.WithLabelValues(string(domain.PromptKindPermission), "pattern").Inc()
			return domain.Allow(req.Input)
		}
	}
	p := b.registerLocked(domain.PendingPrompt{
		SessionID: sessionID,
		Kind:      domain.PromptKindPermission,
		ToolName:  req.ToolName,
		Input:     req.Input,
		Reason:    req.Reason,
		Pattern:   ExtractPattern(req.ToolName, req.Input),
	})
	notifier := b.notifier
	b.mu.Unlock()

	return b.await(ctx, p, notifier)
}

// RequestQuestion blocks until the questions are answered or cancelled. An
// answer resolves as allow with updated input {"answers": ...}.
func (b *Broker) RequestQuestion(ctx context.Context, sessionID string, req domain.QuestionRequest) domain.Decision {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.Deny(MessageShuttingDown)
	}
	p := b.registerLocked(domain.PendingPrompt{
		SessionID: sessionID,
		Kind:      domain.PromptKindQuestion,
		ToolName:  "AskUserQuestion",
		Questions: req.Questions,
	})
	notifier := b.notifier
	b.mu.Unlock()

	return b.await(ctx, p, notifier)
}

func (b *Broker) registerLocked(prompt domain.PendingPrompt) *pendingPrompt {
	now := time.Now()
	prompt.ID = ulid.Make().String()
	prompt.CreatedAt = now
	prompt.ExpiresAt = now.Add(b.timeout)

	p := &pendingPrompt{
		prompt: prompt,
		result: make(chan domain.Decision, 1),
	}
	id := prompt.ID
	p.timer = time.AfterFunc(b.timeout, func() {
		if b.resolve(id, "", domain.Deny(MessageTimedOut), "timeout") {
			b.logger.Info("prompt timed out", zap.String("prompt_id", id), zap.String("session_id", prompt.SessionID))
		}
	})
	b.pending[id] = p
	return p
}

func (b *Broker) await(ctx context.Context, p *pendingPrompt, notifier Notifier) domain.Decision {
	if notifier != nil {
		notifier.PromptRequested(p.prompt)
	}
	select {
	case d := <-p.result:
		return d
	case <-ctx.Done():
		// Either this resolves it or a concurrent resolver already did; the
		// buffered channel holds the winner in both cases.
		b.resolve(p.prompt.ID, "", domain.Deny(MessageCancelled), "cancelled")
		return <-p.result
	}
}

// resolve settles a prompt exactly once. kind, when set, must match the
// prompt's kind.
func (b *Broker) resolve(id string, kind domain.PromptKind, d domain.Decision, outcome string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok || (kind != "" && p.prompt.Kind != kind) {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	p.timer.Stop()
	p.result <- d
	metrics.PromptsTotal.WithLabelValues(string(p.prompt.Kind), outcome).Inc()
	return true
}

// Allow resolves a permission prompt with the original input. It returns
// false when the id is unknown or already resolved.
func (b *Broker) Allow(id string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	var input map[string]any
	if ok {
		input = p.prompt.Input
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.resolve(id, domain.PromptKindPermission, domain.Allow(input), "allow")
}

// AllowSimilar allows the prompt and remembers its pattern for the session so
// structurally similar requests are approved without a round trip.
func (b *Broker) AllowSimilar(id string) (string, bool) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok || p.prompt.Kind != domain.PromptKindPermission {
		b.mu.Unlock()
		return "", false
	}
	pattern := ExtractPattern(p.prompt.ToolName, p.prompt.Input)
	sessionID := p.prompt.SessionID
	input := p.prompt.Input
	b.mu.Unlock()

	if !b.resolve(id, domain.PromptKindPermission, domain.Allow(input), "allow_similar") {
		return "", false
	}

	b.mu.Lock()
	if !b.closed && !slices.Contains(b.patterns[sessionID], pattern) {
		b.patterns[sessionID] = append(b.patterns[sessionID], pattern)
	}
	b.mu.Unlock()
	b.logger.Info("allow pattern added", zap.String("session_id", sessionID), zap.String("pattern", pattern))
	return pattern, true
}

// Deny resolves any prompt as denied with message.
func (b *Broker) Deny(id, message string) bool {
	if message == "" {
		message = "Permission denied"
	}
	return b.resolve(id, "", domain.Deny(message), "deny")
}

// Answer resolves a question prompt with the user's answers.
func (b *Broker) Answer(id string, answers map[string]string) bool {
	if answers == nil {
		answers = map[string]string{}
	}
	return b.resolve(id, domain.PromptKindQuestion, domain.Allow(map[string]any{"answers": answers}), "answer")
}

// Cancel resolves a question prompt as denied.
func (b *Broker) Cancel(id string) bool {
	return b.resolve(id, domain.PromptKindQuestion, domain.Deny(MessageQuestionCancelled), "cancel")
}

// Get returns a pending prompt by id.
func (b *Broker) Get(id string) (domain.PendingPrompt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return domain.PendingPrompt{}, false
	}
	return p.prompt, true
}

// Pending lists the outstanding prompts of a session, oldest first.
func (b *Broker) Pending(sessionID string) []domain.PendingPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.PendingPrompt
	for _, p := range b.pending {
		if p.prompt.SessionID == sessionID {
			out = append(out, p.prompt)
		}
	}
	slices.SortFunc(out, func(a, c domain.PendingPrompt) int {
		return a.CreatedAt.Compare(c.CreatedAt)
	})
	return out
}

// HasPending reports whether the session has outstanding prompts.
func (b *Broker) HasPending(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p.prompt.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Patterns returns the session's allow patterns in insertion order.
func (b *Broker) Patterns(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.patterns[sessionID])
}

// ClearPatterns forgets the session's allow patterns.
func (b *Broker) ClearPatterns(sessionID string) {
	b.mu.Lock()
	delete(b.patterns, sessionID)
	b.mu.Unlock()
}

// CancelAllForSession denies every pending prompt of the session and clears
// its allow patterns. It returns the number of prompts cancelled.
func (b *Broker) CancelAllForSession(sessionID string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.prompt.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	delete(b.patterns, sessionID)
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.resolve(id, "", domain.Deny(MessageSessionTerminated), "terminated") {
			n++
		}
	}
	return n
}

// Shutdown denies everything outstanding and rejects future requests. It is
// safe to call more than once.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.patterns = make(map[string][]string)
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, "", domain.Deny(MessageShuttingDown), "shutdown")
	}
}
