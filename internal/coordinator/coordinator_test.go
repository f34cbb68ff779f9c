package coordinator_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignacioreyna/omni-bot/internal/adapter/llm"
	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/agent/agenttest"
	"github.com/ignacioreyna/omni-bot/internal/analysis"
	"github.com/ignacioreyna/omni-bot/internal/config"
	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/permission"
	"github.com/ignacioreyna/omni-bot/internal/repository"
	"github.com/ignacioreyna/omni-bot/internal/transcript"
	"github.com/ignacioreyna/omni-bot/tests/helpers"
)

const owner = "dev@example.com"

const waitFor = 5 * time.Second

type recorder struct {
	coordinator.NopObserver

	c *coordinator.Coordinator

	mu           sync.Mutex
	kinds        []string
	updates      []domain.SessionRecord
	deleted      []string
	texts        []string
	tools        []domain.ToolUse
	results      []domain.ResultData
	errs         []error
	busyAtResult []bool

	prompts chan domain.PendingPrompt
}

func newRecorder() *recorder {
	return &recorder{prompts: make(chan domain.PendingPrompt, 8)}
}

func (r *recorder) add(kind string) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recorder) SessionUpdated(rec domain.SessionRecord) {
	r.add("session_updated")
	r.mu.Lock()
	r.updates = append(r.updates, rec)
	r.mu.Unlock()
}

func (r *recorder) SessionDeleted(id string) {
	r.add("session_deleted")
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
}

func (r *recorder) UserMessage(domain.Message, string) { r.add("user_message") }

func (r *recorder) Text(_, text string) {
	r.add("text")
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *recorder) ToolUse(_ string, tool domain.ToolUse) {
	r.add("tool")
	r.mu.Lock()
	r.tools = append(r.tools, tool)
	r.mu.Unlock()
}

func (r *recorder) Result(id string, result domain.ResultData) {
	busy := r.c.IsSessionBusy(id)
	r.add("result")
	r.mu.Lock()
	r.results = append(r.results, result)
	r.busyAtResult = append(r.busyAtResult, busy)
	r.mu.Unlock()
}

func (r *recorder) Error(_ string, err error) {
	r.add("error")
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) PermissionRequested(p domain.PendingPrompt) {
	r.add("permission_request")
	r.prompts <- p
}

func (r *recorder) QuestionRequested(p domain.PendingPrompt) {
	r.add("claude_question")
	r.prompts <- p
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, k := range r.snapshot() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) nextPrompt(t *testing.T) domain.PendingPrompt {
	t.Helper()
	select {
	case p := <-r.prompts:
		return p
	case <-time.After(waitFor):
		t.Fatal("no prompt was raised")
		return domain.PendingPrompt{}
	}
}

type fakeTranscripts map[string][]transcript.Message

func (f fakeTranscripts) ReadMessages(id string) []transcript.Message { return f[id] }

type fixture struct {
	c       *coordinator.Coordinator
	rt      *agenttest.Runtime
	store   repository.Store
	llm     *llm.MockClient
	rec     *recorder
	allow   *config.AllowList
	broker  *permission.Broker
	workdir string
}

type fixtureOption func(*coordinator.Options)

func interactive() fixtureOption {
	return func(o *coordinator.Options) { o.InteractivePermissions = true }
}

func maxSessions(n int) fixtureOption {
	return func(o *coordinator.Options) { o.MaxConcurrentSessions = n }
}

func withTranscripts(tr coordinator.Transcripts) fixtureOption {
	return func(o *coordinator.Options) { o.Transcripts = tr }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	root := t.TempDir()
	allow := config.NewAllowList([]string{root})
	completer := llm.NewMockClient("sonnet").
		On("Generate a concise title", "Fix foo.py bug").
		On("choose the appropriate model", "haiku")
	broker := permission.NewBroker(time.Minute, nil)

	o := coordinator.Options{
		MaxConcurrentSessions: 5,
		Directories:           allow,
		Analyzer:              analysis.New(completer, "", nil),
	}
	for _, opt := range opts {
		opt(&o)
	}

	rt := agenttest.New()
	store := helpers.NewTestSQLiteStore(t)
	c := coordinator.New(store, rt, broker, o)
	t.Cleanup(c.Shutdown)

	rec := newRecorder()
	rec.c = c
	c.Subscribe(rec)

	return &fixture{
		c:       c,
		rt:      rt,
		store:   store,
		llm:     completer,
		rec:     rec,
		allow:   allow,
		broker:  broker,
		workdir: filepath.Join(root, "proj"),
	}
}

func (f *fixture) named(t *testing.T, name string) string {
	t.Helper()
	rec, err := f.c.CreateSession(context.Background(), name, f.workdir, owner)
	require.NoError(t, err)
	require.False(t, rec.IsDraft())
	return rec.ID()
}

// sendAsync runs SendMessage in the background and returns its error channel.
func (f *fixture) sendAsync(id, text string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- f.c.SendMessage(context.Background(), id, text, domain.TurnOptions{})
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("SendMessage did not return")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
}

// streaming waits until the session's in-flight turn has applied want.
func (f *fixture) streaming(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		text, ok := f.c.CurrentStreamingText(id)
		return ok && text == want
	}, waitFor, time.Millisecond)
}

func index(kinds []string, kind string) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func TestDraftFirstTurnPromotesAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rt.Push(agenttest.Reply("Fixed it.", "remote-1"))

	rec, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	require.True(t, rec.IsDraft())
	id := rec.ID()

	stored, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, stored, "drafts are not written to the store")

	require.NoError(t, f.c.SendMessage(ctx, id, "fix the bug in foo.py", domain.TurnOptions{}))

	kinds := f.rec.snapshot()
	updated := index(kinds, "session_updated")
	require.GreaterOrEqual(t, updated, 0)
	assert.Less(t, updated, index(kinds, "text"), "promotion is announced before the first text")
	assert.Equal(t, 1, f.rec.count("result"))
	assert.Zero(t, f.rec.count("error"))

	promoted := f.rec.updates[0]
	require.False(t, promoted.IsDraft())
	assert.Equal(t, "Fix foo.py bug", promoted.Session.Name)
	assert.Contains(t, []domain.ModelType{domain.ModelHaiku, domain.ModelSonnet, domain.ModelOpus}, promoted.Session.Model)

	msgs, err := f.store.ListMessages(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "fix the bug in foo.py", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Fixed it.", msgs[1].Content)
	require.NotNil(t, msgs[1].Metadata)
	assert.Equal(t, int64(20), msgs[1].Metadata.OutputTokens)
	assert.Equal(t, domain.ModelHaiku, msgs[1].Metadata.Model)

	session, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "remote-1", session.RemoteSessionID)
	assert.NotNil(t, session.LastMessageAt)
	assert.False(t, f.c.IsDraft(id))

	calls := f.rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.ModelHaiku, calls[0].Model)
	assert.Equal(t, filepath.Clean(f.workdir), calls[0].WorkingDirectory)
}

func TestDraftPromotionFallsBackWhenAnalysisFails(t *testing.T) {
	f := newFixture(t)
	f.llm.Fail(assert.AnError)
	ctx := context.Background()

	rec, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	require.NoError(t, f.c.SendMessage(ctx, rec.ID(), "please refactor the payment module today", domain.TurnOptions{}))

	session, err := f.store.GetSession(ctx, rec.ID())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "please refactor the payment module today", session.Name)
	assert.Equal(t, domain.ModelSonnet, session.Model)
}

func TestDraftPromotedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	gate := agenttest.NewGate(agenttest.Text("working"))
	f.rt.Push(gate.Script())

	rec, err := f.c.CreateSession(context.Background(), "", f.workdir, owner)
	require.NoError(t, err)

	const senders = 6
	done := make(chan error, senders)
	for i := 0; i < senders; i++ {
		go func() {
			done <- f.c.SendMessage(context.Background(), rec.ID(), "fix the bug in foo.py", domain.TurnOptions{})
		}()
	}
	for i := 0; i < senders-1; i++ {
		assert.ErrorIs(t, wait(t, done), domain.ErrBusy)
	}
	gate.Release()
	assert.NoError(t, wait(t, done))

	sessions, err := f.store.ListSessions(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	titles := 0
	for _, req := range f.llm.Requests() {
		if strings.Contains(req.Prompt, "Generate a concise title") {
			titles++
		}
	}
	assert.Equal(t, 1, titles)
	assert.Len(t, f.rt.Calls(), 1)
}

func TestDeniedPermissionBlocksTool(t *testing.T) {
	f := newFixture(t, interactive())
	id := f.named(t, "deny")
	f.rt.Push(agenttest.AskTool("tu_1", "Write",
		map[string]any{"file_path": filepath.Join(f.workdir, "x.go"), "content": "package x"}, "wrote it"))

	done := f.sendAsync(id, "write x.go")
	prompt := f.rec.nextPrompt(t)
	assert.Equal(t, id, prompt.SessionID)
	assert.Equal(t, domain.PromptKindPermission, prompt.Kind)
	assert.Equal(t, "Write", prompt.ToolName)
	assert.NotEmpty(t, prompt.Pattern)
	assert.Len(t, f.c.PendingPrompts(id), 1)

	assert.True(t, f.c.DenyPermission(prompt.ID, "no"))
	require.NoError(t, wait(t, done))

	assert.Empty(t, f.rec.tools)
	require.Len(t, f.rec.results, 1)
	assert.Equal(t, "Denied: no", f.rec.results[0].Text)
	assert.False(t, f.c.AllowPermission(prompt.ID), "a prompt resolves once")
	assert.Empty(t, f.c.PendingPrompts(id))
}

func TestAllowSimilarRemembersPattern(t *testing.T) {
	f := newFixture(t, interactive())
	id := f.named(t, "similar")
	input := map[string]any{"command": "npm test"}
	f.rt.Push(
		agenttest.AskTool("tu_1", "Bash", input, "ran"),
		agenttest.AskTool("tu_2", "Bash", map[string]any{"command": "npm test -- --watch=false"}, "ran again"),
	)

	done := f.sendAsync(id, "run the tests")
	prompt := f.rec.nextPrompt(t)
	pattern, ok := f.c.AllowSimilarPermission(prompt.ID)
	require.True(t, ok)
	assert.Equal(t, "Bash:npm test", pattern)
	require.NoError(t, wait(t, done))

	require.NoError(t, f.c.SendMessage(context.Background(), id, "once more", domain.TurnOptions{}))
	assert.Equal(t, 1, f.rec.count("permission_request"), "the second call is approved by the pattern")
	assert.Len(t, f.rec.tools, 2)
	assert.Equal(t, []string{"Bash:npm test"}, f.c.Patterns(id))

	// Patterns survive a pause.
	_, err := f.c.PauseSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash:npm test"}, f.c.Patterns(id))

	require.NoError(t, f.c.TerminateSession(context.Background(), id))
	assert.Empty(t, f.c.Patterns(id))
}

func TestSecondSendIsBusy(t *testing.T) {
	f := newFixture(t)
	id := f.named(t, "busy")
	gate := agenttest.NewGate(agenttest.Text("working"))
	f.rt.Push(gate.Script())

	first := f.sendAsync(id, "one")
	waitClosed(t, gate.Started())
	f.streaming(t, id, "working")

	assert.ErrorIs(t, f.c.SendMessage(context.Background(), id, "two", domain.TurnOptions{}), domain.ErrBusy)
	assert.True(t, f.c.IsSessionBusy(id))
	assert.Equal(t, 1, f.rec.count("text"))

	gate.Release()
	require.NoError(t, wait(t, first))
	assert.False(t, f.c.IsSessionBusy(id))
	_, ok := f.c.CurrentStreamingText(id)
	assert.False(t, ok)

	require.NoError(t, f.c.SendMessage(context.Background(), id, "three", domain.TurnOptions{}))
	assert.Equal(t, []bool{false, false}, f.rec.busyAtResult, "the slot is free when the result is delivered")

	msgs, err := f.store.ListMessages(context.Background(), id, 0, 0)
	require.NoError(t, err)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"one", "working\n\ndone", "three", "ok"}, contents)
}

func TestTerminateWhileStreaming(t *testing.T) {
	f := newFixture(t, interactive())
	id := f.named(t, "terminate")
	f.rt.Push(func(ctx context.Context, req agent.InvokeRequest, emit agenttest.Emit) {
		if !emit(agenttest.Text("streaming")) {
			return
		}
		d := req.CanUseTool(ctx, agent.ToolCall{Name: "Bash", Input: map[string]any{"command": "rm -rf build"}, ToolUseID: "tu_1"})
		if !d.Allowed() {
			emit(agenttest.Failure(domain.ErrAborted))
			return
		}
		emit(agenttest.Result("done", ""))
	})

	done := f.sendAsync(id, "clean up")
	prompt := f.rec.nextPrompt(t)
	f.streaming(t, id, "streaming")

	require.NoError(t, f.c.TerminateSession(context.Background(), id))
	assert.False(t, f.c.IsSessionBusy(id))
	_, ok := f.c.CurrentStreamingText(id)
	assert.False(t, ok)
	assert.False(t, f.c.AllowPermission(prompt.ID))

	require.NoError(t, wait(t, done))
	assert.Equal(t, 1, f.rec.count("error"))
	assert.ErrorIs(t, f.rec.errs[0], domain.ErrAborted)
	assert.Zero(t, f.c.OpenHandles())

	session, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminated, session.Status)

	err = f.c.SendMessage(context.Background(), id, "again", domain.TurnOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.c.ResumeSession(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

// updateHook runs fn for every SessionUpdated notification.
type updateHook struct {
	coordinator.NopObserver
	fn func(domain.SessionRecord)
}

func (h updateHook) SessionUpdated(rec domain.SessionRecord) { h.fn(rec) }

func TestLateResultAfterTerminateIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	id := f.named(t, "late")
	f.rt.Push(agenttest.Events(
		agenttest.Text("partial"),
		agenttest.Result("final", "remote-late"),
	))

	// The remote id is saved while the result event is applied, which is
	// the last moment before the turn hands its result back.
	var fired atomic.Bool
	unsubscribe := f.c.Subscribe(updateHook{fn: func(rec domain.SessionRecord) {
		if rec.Session == nil || rec.Session.RemoteSessionID != "remote-late" {
			return
		}
		if fired.CompareAndSwap(false, true) {
			assert.NoError(t, f.c.TerminateSession(context.Background(), id))
		}
	}})
	defer unsubscribe()

	require.NoError(t, f.c.SendMessage(context.Background(), id, "go", domain.TurnOptions{}))

	assert.Equal(t, 1, f.rec.count("result"), "the terminal event is still delivered")
	msgs, err := f.store.ListMessages(context.Background(), id, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)

	session, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminated, session.Status)
}

func TestCapacityCountsOpenHandles(t *testing.T) {
	f := newFixture(t, maxSessions(5))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id := f.named(t, "s")
		require.NoError(t, f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{}))
		ids = append(ids, id)
	}
	assert.Equal(t, 5, f.c.OpenHandles())

	_, err := f.c.CreateSession(ctx, "sixth", f.workdir, owner)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	_, err = f.c.ForkSession(ctx, "fork", f.workdir, owner, "remote-x")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	require.NoError(t, f.c.TerminateSession(ctx, ids[0]))
	assert.Equal(t, 4, f.c.OpenHandles())

	_, err = f.c.CreateSession(ctx, "sixth", f.workdir, owner)
	assert.NoError(t, err)
}

func TestIdleSessionsDoNotCount(t *testing.T) {
	f := newFixture(t, maxSessions(1))
	ctx := context.Background()

	_, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	_, err = f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)

	first := f.named(t, "first")
	second := f.named(t, "second")
	require.NoError(t, f.c.SendMessage(ctx, first, "hi", domain.TurnOptions{}))

	err = f.c.SendMessage(ctx, second, "hi", domain.TurnOptions{})
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Equal(t, 1, f.c.OpenHandles())
	assert.False(t, f.c.IsSessionBusy(second))

	_, err = f.c.PauseSession(ctx, first)
	require.NoError(t, err)
	assert.NoError(t, f.c.SendMessage(ctx, second, "hi", domain.TurnOptions{}))
}

func TestDirectoryAllowList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CreateSession(ctx, "outside", "/definitely/not/allowed", owner)
	assert.ErrorIs(t, err, domain.ErrDirectoryNotAllowed)
	_, err = f.c.CreateSession(ctx, "empty", "  ", owner)
	assert.ErrorIs(t, err, domain.ErrDirectoryNotAllowed)

	id := f.named(t, "moving")
	f.allow.Set([]string{t.TempDir()})
	err = f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{})
	assert.ErrorIs(t, err, domain.ErrDirectoryNotAllowed)
	assert.False(t, f.c.IsSessionBusy(id))
	assert.Empty(t, f.rt.Calls())
}

func TestForkImportsTranscript(t *testing.T) {
	tr := fakeTranscripts{"remote-src": {
		{Role: domain.RoleUser, Content: "earlier question", Timestamp: "2026-01-02T10:00:00Z"},
		{Role: domain.RoleAssistant, Content: "earlier answer", Timestamp: "2026-01-02T10:00:05Z"},
	}}
	f := newFixture(t, withTranscripts(tr))
	ctx := context.Background()

	_, err := f.c.ForkSession(ctx, "", f.workdir, owner, "remote-src")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	session, err := f.c.ForkSession(ctx, "forked", f.workdir, owner, "remote-src")
	require.NoError(t, err)
	assert.Equal(t, "remote-src", session.RemoteSessionID)

	msgs, err := f.c.ListMessages(ctx, session.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "earlier question", msgs[0].Content)
	require.NotNil(t, msgs[0].Metadata)
	assert.True(t, msgs[0].Metadata.Imported)

	require.NoError(t, f.c.SendMessage(ctx, session.ID, "continue", domain.TurnOptions{}))
	require.NoError(t, f.c.SendMessage(ctx, session.ID, "and again", domain.TurnOptions{}))

	calls := f.rt.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "remote-src", calls[0].ResumeID)
	assert.True(t, calls[0].Fork)
	assert.False(t, calls[1].Fork)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.named(t, "pausing")
	require.NoError(t, f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{}))
	assert.Equal(t, 1, f.c.OpenHandles())

	session, err := f.c.PauseSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaused, session.Status)
	assert.Zero(t, f.c.OpenHandles())
	assert.ErrorIs(t, f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{}), domain.ErrInvalidState)

	session, err = f.c.ResumeSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, session.Status)
	assert.NoError(t, f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{}))

	draft, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	_, err = f.c.PauseSession(ctx, draft.ID())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.c.PauseSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPauseAbortsInFlightTurn(t *testing.T) {
	f := newFixture(t)
	id := f.named(t, "abort")
	gate := agenttest.NewGate(agenttest.Text("partial"))
	f.rt.Push(gate.Script())

	done := f.sendAsync(id, "long task")
	waitClosed(t, gate.Started())
	_, err := f.c.PauseSession(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, wait(t, done))

	assert.Equal(t, 1, f.rec.count("error"))
	msgs, err := f.store.ListMessages(context.Background(), id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "an aborted turn persists no assistant message")
}

func TestAbortSession(t *testing.T) {
	f := newFixture(t)
	id := f.named(t, "abort")
	gate := agenttest.NewGate()
	f.rt.Push(gate.Script())

	done := f.sendAsync(id, "long task")
	waitClosed(t, gate.Started())
	f.c.AbortSession(id)
	require.NoError(t, wait(t, done))

	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], domain.ErrAborted)
	assert.False(t, f.c.IsSessionBusy(id))
	assert.NoError(t, f.c.SendMessage(context.Background(), id, "next", domain.TurnOptions{}))

	f.c.AbortSession("unknown")
}

func TestStartFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	id := f.named(t, "broken")
	f.rt.FailInvoke(assert.AnError)

	require.NoError(t, f.c.SendMessage(context.Background(), id, "hi", domain.TurnOptions{}))
	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], domain.ErrAgentRuntime)
	assert.False(t, f.c.IsSessionBusy(id))
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.named(t, "doomed")
	require.NoError(t, f.c.SendMessage(ctx, id, "hi", domain.TurnOptions{}))

	require.NoError(t, f.c.DeleteSession(ctx, id))
	_, found, err := f.c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
	n, err := f.store.CountMessages(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{id}, f.rec.deleted)
	assert.Zero(t, f.c.OpenHandles())

	assert.ErrorIs(t, f.c.DeleteSession(ctx, id), domain.ErrNotFound)

	draft, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	assert.ErrorIs(t, f.c.DeleteSession(ctx, draft.ID()), domain.ErrInvalidState)
}

func TestTerminateDraftDiscardsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)

	require.NoError(t, f.c.TerminateSession(ctx, draft.ID()))
	_, found, err := f.c.GetSession(ctx, draft.ID())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{draft.ID()}, f.rec.deleted)
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	_, err = f.c.UpdateSession(ctx, draft.ID(), domain.StringPtr("named"), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	rec, err := f.c.UpdateSession(ctx, draft.ID(), nil, domain.ModelPtr(domain.ModelOpus))
	require.NoError(t, err)
	assert.True(t, rec.IsDraft())
	assert.Equal(t, domain.ModelOpus, rec.Model())

	require.NoError(t, f.c.SendMessage(ctx, draft.ID(), "big refactor", domain.TurnOptions{}))
	assert.Equal(t, domain.ModelOpus, f.rt.Calls()[0].Model)

	id := f.named(t, "before")
	rec, err = f.c.UpdateSession(ctx, id, domain.StringPtr("  after "), nil)
	require.NoError(t, err)
	assert.Equal(t, "after", rec.Session.Name)
	_, err = f.c.UpdateSession(ctx, id, domain.StringPtr(" "), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.c.UpdateSession(ctx, "missing", domain.StringPtr("x"), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAndSearchSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payments := f.named(t, "Payments refactor")
	other := f.named(t, "Other work")
	require.NoError(t, f.c.SendMessage(ctx, other, "the invoice renderer is broken", domain.TurnOptions{}))
	draft, err := f.c.CreateSession(ctx, "", f.workdir, owner)
	require.NoError(t, err)
	_, err = f.c.CreateSession(ctx, "foreign", f.workdir, "someone@else.com")
	require.NoError(t, err)

	all, err := f.c.ListSessions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, draft.ID(), all[0].ID(), "drafts come first")

	byName, err := f.c.SearchSessions(ctx, owner, "payments")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, payments, byName[0].ID())

	byMessage, err := f.c.SearchSessions(ctx, owner, "invoice")
	require.NoError(t, err)
	require.Len(t, byMessage, 1)
	assert.Equal(t, other, byMessage[0].ID())

	hits, err := f.c.SearchMessages(ctx, "invoice", "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestExportSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.named(t, "Fix: the/bug")
	f.rt.Push(agenttest.Reply("Done.", "remote-9"))
	require.NoError(t, f.c.SendMessage(ctx, id, "fix it", domain.TurnOptions{}))

	md, err := f.c.ExportSession(ctx, id, coordinator.ExportMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "Fix_the_bug.md", md.Filename)
	body := string(md.Body)
	assert.True(t, strings.HasPrefix(body, "# Fix: the/bug\n\n**Directory:** "))
	assert.Contains(t, body, "**User** _(")
	assert.Contains(t, body, ")_:\n\nfix it\n\n---\n\n")
	assert.Contains(t, body, "**Assistant** _(")

	js, err := f.c.ExportSession(ctx, id, coordinator.ExportJSON)
	require.NoError(t, err)
	var doc struct {
		Session  domain.Session   `json:"session"`
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(js.Body, &doc))
	assert.Equal(t, id, doc.Session.ID)
	assert.Len(t, doc.Messages, 2)

	_, err = f.c.ExportSession(ctx, id, "pdf")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	tp, err := f.c.TeleportCommand(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "remote-9", tp.SessionID)
	assert.Equal(t, "cd "+filepath.Clean(f.workdir)+" && claude --resume remote-9", tp.Command)

	fresh := f.named(t, "fresh")
	_, err = f.c.TeleportCommand(ctx, fresh)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, interactive())
	id := f.named(t, "shutdown")
	f.rt.Push(agenttest.AskTool("tu_1", "Bash", map[string]any{"command": "make"}, "built"))

	done := f.sendAsync(id, "build")
	f.rec.nextPrompt(t)
	f.c.Shutdown()
	require.NoError(t, wait(t, done))
	f.c.Shutdown()

	assert.Zero(t, f.c.OpenHandles())
	_, err := f.c.CreateSession(context.Background(), "late", f.workdir, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, f.c.SendMessage(context.Background(), id, "late", domain.TurnOptions{}), domain.ErrInvalidState)
}
