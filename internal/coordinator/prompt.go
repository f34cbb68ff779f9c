package coordinator

import (
	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// promptRequested relays broker notifications to observers.
func (c *Coordinator) promptRequested(prompt domain.PendingPrompt) {
	switch prompt.Kind {
	case domain.PromptKindQuestion:
		c.notify(func(o Observer) { o.QuestionRequested(prompt) })
	default:
		c.notify(func(o Observer) { o.PermissionRequested(prompt) })
	}
}

// AllowPermission approves a pending permission prompt. It returns false
// when the prompt is unknown or already resolved.
func (c *Coordinator) AllowPermission(promptID string) bool {
	return c.broker.Allow(promptID)
}

// AllowSimilarPermission approves the prompt and remembers its pattern so
// similar requests of the same session are approved without asking.
func (c *Coordinator) AllowSimilarPermission(promptID string) (string, bool) {
	return c.broker.AllowSimilar(promptID)
}

// DenyPermission rejects a pending permission prompt with reason.
func (c *Coordinator) DenyPermission(promptID, reason string) bool {
	return c.broker.Deny(promptID, reason)
}

// AnswerQuestion resolves a pending question prompt.
func (c *Coordinator) AnswerQuestion(promptID string, answers map[string]string) bool {
	return c.broker.Answer(promptID, answers)
}

// CancelQuestion dismisses a pending question prompt.
func (c *Coordinator) CancelQuestion(promptID string) bool {
	return c.broker.Cancel(promptID)
}

// PendingPrompts lists the outstanding prompts of a session, oldest first.
func (c *Coordinator) PendingPrompts(sessionID string) []domain.PendingPrompt {
	return c.broker.Pending(sessionID)
}

// Patterns returns the session's allow patterns.
func (c *Coordinator) Patterns(sessionID string) []string {
	return c.broker.Patterns(sessionID)
}

// PromptSession returns the session owning a pending prompt.
func (c *Coordinator) PromptSession(promptID string) (string, bool) {
	p, ok := c.broker.Get(promptID)
	if !ok {
		return "", false
	}
	return p.SessionID, true
}
