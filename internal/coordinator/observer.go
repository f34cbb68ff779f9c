package coordinator

import (
	"encoding/json"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// Observer receives coordinator events. Events of one turn are delivered in
// emission order from a single goroutine; prompt events arrive from the
// goroutine that raised the prompt. Implementations must not block.
type Observer interface {
	SessionUpdated(record domain.SessionRecord)
	SessionDeleted(sessionID string)
	// UserMessage echoes a persisted user message. origin identifies the
	// client that sent it and is empty for server-side sends.
	UserMessage(message domain.Message, origin string)
	Event(sessionID string, raw json.RawMessage)
	Text(sessionID, text string)
	ToolUse(sessionID string, tool domain.ToolUse)
	Result(sessionID string, result domain.ResultData)
	Error(sessionID string, err error)
	PermissionRequested(prompt domain.PendingPrompt)
	QuestionRequested(prompt domain.PendingPrompt)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionUpdated(domain.SessionRecord) {}
func (NopObserver) SessionDeleted(string) {}
func (NopObserver) UserMessage(domain.Message, string) {}
func (NopObserver) Event(string, json.RawMessage) {}
func (NopObserver) Text(string, string) {}
func (NopObserver) ToolUse(string, domain.ToolUse) {}
func (NopObserver) Result(string, domain.ResultData) {}
func (NopObserver) Error(string, error) {}
func (NopObserver) PermissionRequested(domain.PendingPrompt) {}
func (NopObserver) QuestionRequested(domain.PendingPrompt) {}

var _ Observer = NopObserver{}

// Subscribe registers obs and returns a function removing it.
func (c *Coordinator) Subscribe(obs Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = obs
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Coordinator) notify(fn func(Observer)) {
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.obsMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}
