package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// capture records notified prompts and exposes them over a channel.
type capture struct {
	ch chan domain.PendingPrompt
}

func newCapture() *capture {
	return &capture{ch: make(chan domain.PendingPrompt, 16)}
}

func (c *capture) PromptRequested(p domain.PendingPrompt) { c.ch <- p }

func (c *capture) next(t *testing.T) domain.PendingPrompt {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt")
		return domain.PendingPrompt{}
	}
}

func newTestBroker(t *testing.T, timeout time.Duration) (*Broker, *capture) {
	t.Helper()
	b := NewBroker(timeout, nil)
	c := newCapture()
	b.SetNotifier(c)
	t.Cleanup(b.Shutdown)
	return b, c
}

func requestAsync(b *Broker, ctx context.Context, sessionID string, req domain.PermissionRequest) <-chan domain.Decision {
	out := make(chan domain.Decision, 1)
	go func() { out <- b.RequestPermission(ctx, sessionID, req) }()
	return out
}

func wait(t *testing.T, ch <-chan domain.Decision) domain.Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
		return domain.Decision{}
	}
}

func TestBrokerAllow(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)
	input := map[string]any{"command": "ls -la"}

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: input})
	p := c.next(t)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, domain.PromptKindPermission, p.Kind)
	assert.Equal(t, "Bash:ls", p.Pattern)
	assert.True(t, b.HasPending("s1"))

	require.True(t, b.Allow(p.ID))
	d := wait(t, ch)
	assert.True(t, d.Allowed())
	assert.Equal(t, input, d.UpdatedInput)

	assert.False(t, b.Allow(p.ID), "second resolution must be a no-op")
	assert.False(t, b.Deny(p.ID, "late"))
	assert.False(t, b.HasPending("s1"))
}

func TestBrokerDeny(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Write", Input: map[string]any{"file_path": "/x/y"}})
	p := c.next(t)
	require.True(t, b.Deny(p.ID, "no thanks"))

	d := wait(t, ch)
	assert.False(t, d.Allowed())
	assert.Equal(t, "no thanks", d.Message)
}

func TestBrokerAllowSimilarAutoApproves(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{
		ToolName: "ShellRun",
		Input:    map[string]any{"command": "git commit -m x"},
	})
	p := c.next(t)
	pattern, ok := b.AllowSimilar(p.ID)
	require.True(t, ok)
	assert.Equal(t, "ShellRun:git commit", pattern)
	assert.True(t, wait(t, ch).Allowed())
	assert.Equal(t, []string{"ShellRun:git commit"}, b.Patterns("s1"))

	// Similar command resolves without notifying anyone.
	d := b.RequestPermission(context.Background(), "s1", domain.PermissionRequest{
		ToolName: "ShellRun",
		Input:    map[string]any{"command": "git commit -m y"},
	})
	assert.True(t, d.Allowed())
	assert.Equal(t, "git commit -m y", d.UpdatedInput["command"])
	assert.Empty(t, c.ch)

	// A different subcommand still prompts.
	ch = requestAsync(b, context.Background(), "s1", domain.PermissionRequest{
		ToolName: "ShellRun",
		Input:    map[string]any{"command": "git push"},
	})
	p = c.next(t)
	assert.Equal(t, "ShellRun:git push", p.Pattern)
	require.True(t, b.Deny(p.ID, ""))
	assert.Equal(t, "Permission denied", wait(t, ch).Message)

	// Patterns are per session.
	ch = requestAsync(b, context.Background(), "s2", domain.PermissionRequest{
		ToolName: "ShellRun",
		Input:    map[string]any{"command": "git commit -m z"},
	})
	p = c.next(t)
	assert.Equal(t, "s2", p.SessionID)
	b.Allow(p.ID)
	wait(t, ch)
}

func TestBrokerAllowSimilarDoesNotDuplicate(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	// Two prompts with the same signature are outstanding at once.
	ch1 := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "WebFetch", Input: map[string]any{"url": "a"}})
	p1 := c.next(t)
	ch2 := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "WebFetch", Input: map[string]any{"url": "b"}})
	p2 := c.next(t)

	_, ok := b.AllowSimilar(p1.ID)
	require.True(t, ok)
	_, ok = b.AllowSimilar(p2.ID)
	require.True(t, ok)
	wait(t, ch1)
	wait(t, ch2)

	assert.Equal(t, []string{"WebFetch:*"}, b.Patterns("s1"))
}

func TestBrokerTimeout(t *testing.T) {
	b, c := newTestBroker(t, 30*time.Millisecond)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "make"}})
	p := c.next(t)
	assert.WithinDuration(t, p.CreatedAt.Add(30*time.Millisecond), p.ExpiresAt, time.Millisecond)

	d := wait(t, ch)
	assert.False(t, d.Allowed())
	assert.Equal(t, MessageTimedOut, d.Message)
	assert.False(t, b.Allow(p.ID))
}

func TestBrokerContextCancellation(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	ch := requestAsync(b, ctx, "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "make"}})
	p := c.next(t)
	cancel()

	d := wait(t, ch)
	assert.Equal(t, MessageCancelled, d.Message)
	assert.False(t, b.Allow(p.ID))
	assert.False(t, b.HasPending("s1"))
}

func TestBrokerCancelAllForSession(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch1 := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "a"}})
	c.next(t)
	ch2 := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "b"}})
	c.next(t)
	ch3 := requestAsync(b, context.Background(), "s2", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "c"}})
	other := c.next(t)

	assert.Len(t, b.Pending("s1"), 2)
	assert.Equal(t, 2, b.CancelAllForSession("s1"))
	assert.Equal(t, MessageSessionTerminated, wait(t, ch1).Message)
	assert.Equal(t, MessageSessionTerminated, wait(t, ch2).Message)
	assert.Empty(t, b.Pending("s1"))

	assert.True(t, b.HasPending("s2"))
	require.True(t, b.Allow(other.ID))
	assert.True(t, wait(t, ch3).Allowed())
}

func TestBrokerCancelAllClearsPatterns(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Read", Input: map[string]any{"file_path": "/a/b.go"}})
	p := c.next(t)
	_, ok := b.AllowSimilar(p.ID)
	require.True(t, ok)
	wait(t, ch)
	require.NotEmpty(t, b.Patterns("s1"))

	assert.Equal(t, 0, b.CancelAllForSession("s1"))
	assert.Empty(t, b.Patterns("s1"))
}

func TestBrokerShutdown(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "a"}})
	c.next(t)

	b.Shutdown()
	assert.Equal(t, MessageShuttingDown, wait(t, ch).Message)

	d := b.RequestPermission(context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash"})
	assert.Equal(t, MessageShuttingDown, d.Message)
	d = b.RequestQuestion(context.Background(), "s1", domain.QuestionRequest{})
	assert.Equal(t, MessageShuttingDown, d.Message)

	assert.NotPanics(t, b.Shutdown)
}

func TestBrokerQuestionAnswer(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)
	questions := []domain.Question{{
		Question: "Which database?",
		Header:   "DB",
		Options:  []domain.QuestionOption{{Label: "Postgres"}, {Label: "SQLite"}},
	}}

	out := make(chan domain.Decision, 1)
	go func() {
		out <- b.RequestQuestion(context.Background(), "s1", domain.QuestionRequest{Questions: questions})
	}()
	p := c.next(t)
	assert.Equal(t, domain.PromptKindQuestion, p.Kind)
	assert.Equal(t, questions, p.Questions)

	assert.False(t, b.Allow(p.ID), "allow does not apply to questions")
	_, ok := b.AllowSimilar(p.ID)
	assert.False(t, ok)

	require.True(t, b.Answer(p.ID, map[string]string{"Which database?": "SQLite"}))
	d := wait(t, out)
	assert.True(t, d.Allowed())
	assert.Equal(t, map[string]any{"answers": map[string]string{"Which database?": "SQLite"}}, d.UpdatedInput)
}

func TestBrokerQuestionCancel(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	out := make(chan domain.Decision, 1)
	go func() {
		out <- b.RequestQuestion(context.Background(), "s1", domain.QuestionRequest{})
	}()
	p := c.next(t)
	require.True(t, b.Cancel(p.ID))
	d := wait(t, out)
	assert.False(t, d.Allowed())
	assert.Equal(t, MessageQuestionCancelled, d.Message)
}

func TestBrokerAnswerRejectsPermissionPrompt(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "a"}})
	p := c.next(t)
	assert.False(t, b.Answer(p.ID, nil))
	assert.False(t, b.Cancel(p.ID))
	require.True(t, b.Allow(p.ID))
	wait(t, ch)
}

func TestBrokerConcurrentResolutionIsExactlyOnce(t *testing.T) {
	b, c := newTestBroker(t, time.Minute)

	ch := requestAsync(b, context.Background(), "s1", domain.PermissionRequest{ToolName: "Bash", Input: map[string]any{"command": "a"}})
	p := c.next(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = b.Allow(p.ID)
			} else {
				ok = b.Deny(p.ID, "x")
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	wait(t, ch)
	assert.Equal(t, 1, wins)
}

func TestBrokerUnknownID(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	assert.False(t, b.Allow("nope"))
	assert.False(t, b.Deny("nope", ""))
	assert.False(t, b.Answer("nope", nil))
	assert.False(t, b.Cancel("nope"))
	_, ok := b.Get("nope")
	assert.False(t, ok)
}
