package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/analysis"
	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/metrics"
)

// turnState is the coordinator's view of one in-flight turn. It is the
// handle's event sink. text is guarded by Coordinator.mu.
type turnState struct {
	c         *Coordinator
	sessionID string
	model     domain.ModelType
	started   time.Time
	span      trace.Span

	text   string
	result *domain.ResultData
	err    error
}

var _ agent.EventSink = (*turnState)(nil)

// SendMessage runs one turn on the session and blocks until it ends. It
// returns an error only when the turn is refused; failures during the turn
// are delivered to observers as the turn's error event. Cancelling ctx does
// not abort the turn; use AbortSession.
func (c *Coordinator) SendMessage(ctx context.Context, id, text string, opts domain.TurnOptions) error {
	if text == "" {
		return fmt.Errorf("%w: message is empty", domain.ErrInvalidState)
	}
	c.mu.Lock()
	closed := c.closed
	_, isDraft := c.drafts[id]
	c.mu.Unlock()
	if closed {
		return errShutDown
	}

	var (
		session *domain.Session
		err     error
	)
	if isDraft {
		session, err = c.promote(ctx, id, text, opts.Model)
	} else {
		session, err = c.store.GetSession(ctx, id)
		if err == nil && session == nil {
			err = fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
	}
	if err != nil {
		return err
	}

	if session.Status != domain.SessionStatusActive {
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, session.Status)
	}
	if c.opts.Directories != nil && !c.opts.Directories.Contains(session.WorkingDirectory) {
		return fmt.Errorf("%w: %s", domain.ErrDirectoryNotAllowed, session.WorkingDirectory)
	}

	t, h, openedHandle, err := c.admitTurn(session)
	if err != nil {
		return err
	}
	abandon := func() {
		c.mu.Lock()
		if c.turns[id] == t {
			delete(c.turns, id)
		}
		if openedHandle && c.handles[id] == h && !h.IsRunning() {
			delete(c.handles, id)
			metrics.OpenHandles.Set(float64(len(c.handles)))
		}
		c.mu.Unlock()
	}

	model := opts.Model
	if model == "" {
		model = session.Model
	}
	if model == "" && c.opts.Analyzer != nil {
		model = c.opts.Analyzer.SelectModel(ctx, text)
		if updated, err := c.store.UpdateSession(ctx, id, domain.SessionUpdate{Model: &model}); err != nil {
			c.logger.Warn("failed to persist selected model", zap.String("session_id", id), zap.Error(err))
		} else if updated != nil {
			rec := domain.PersistedRecord(updated)
			c.notify(func(o Observer) { o.SessionUpdated(rec) })
		}
	}
	t.model = model

	now := c.now()
	msg := &domain.Message{SessionID: id, Role: domain.RoleUser, Content: text, CreatedAt: now}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		abandon()
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if _, err := c.store.UpdateSession(ctx, id, domain.SessionUpdate{LastMessageAt: &now}); err != nil {
		c.logger.Warn("failed to update last activity", zap.String("session_id", id), zap.Error(err))
	}
	echo := *msg
	c.notify(func(o Observer) { o.UserMessage(echo, opts.Origin) })

	turnCtx, span := c.tracer.Start(context.WithoutCancel(ctx), "coordinator.turn",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.model", string(model)),
			attribute.Bool("turn.plan_mode", opts.PlanMode),
		))
	t.span = span
	t.started = time.Now()

	opts.Model = model
	if err := h.SendTurn(turnCtx, text, opts, t); err != nil {
		span.RecordError(err)
		span.End()
		abandon()
		return err
	}
	c.finishTurn(t)
	return nil
}

// admitTurn claims the session's turn slot and handle. The busy check and
// the handle count update happen under one lock.
func (c *Coordinator) admitTurn(session *domain.Session) (*turnState, *agent.Handle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, false, errShutDown
	}
	if _, busy := c.turns[session.ID]; busy {
		return nil, nil, false, domain.ErrBusy
	}
	_, existed := c.handles[session.ID]
	h, err := c.handleLocked(session)
	if err != nil {
		return nil, nil, false, err
	}
	t := &turnState{c: c, sessionID: session.ID}
	c.turns[session.ID] = t
	return t, h, !existed, nil
}

// promote turns the draft into a persisted session exactly once. Concurrent
// first turns share one promotion.
func (c *Coordinator) promote(ctx context.Context, id, text string, requested domain.ModelType) (*domain.Session, error) {
	v, err, _ := c.promotions.Do(id, func() (any, error) {
		c.mu.Lock()
		d, ok := c.drafts[id]
		var draft domain.Draft
		if ok {
			draft = *d
		}
		c.mu.Unlock()
		if !ok {
			// Promoted by a call that finished before this one started.
			session, err := c.store.GetSession(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to get session: %w", err)
			}
			if session == nil {
				return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
			}
			return session, nil
		}

		if draft.Model == "" && requested != "" {
			draft.Model = requested
		}
		var (
			title string
			model domain.ModelType
		)
		if c.opts.Analyzer != nil {
			title, model = c.opts.Analyzer.Analyze(ctx, text, draft.Model == "")
		}
		if title == "" {
			title = analysis.FallbackTitleFor(text)
		}

		session := draft.Promote(title, model, c.now())
		if err := c.store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to persist draft: %w", err)
		}

		c.mu.Lock()
		delete(c.drafts, id)
		c.mu.Unlock()

		metrics.DraftPromotions.Inc()
		c.logger.Info("draft promoted",
			zap.String("session_id", id),
			zap.String("name", session.Name),
			zap.String("model", string(session.Model)))
		rec := domain.PersistedRecord(session)
		c.notify(func(o Observer) { o.SessionUpdated(rec) })
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	session := *v.(*domain.Session)
	return &session, nil
}

// current reports whether t still owns its session's turn slot. A paused or
// terminated session loses the slot before its turn winds down.
func (t *turnState) current() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.turns[t.sessionID] == t
}

func (t *turnState) OnRaw(raw json.RawMessage) {
	if !t.current() {
		return
	}
	t.c.notify(func(o Observer) { o.Event(t.sessionID, raw) })
}

func (t *turnState) OnText(text string) {
	t.c.mu.Lock()
	current := t.c.turns[t.sessionID] == t
	if current {
		t.text = text
	}
	t.c.mu.Unlock()
	if current {
		t.c.notify(func(o Observer) { o.Text(t.sessionID, text) })
	}
}

func (t *turnState) OnToolUse(tool domain.ToolUse) {
	if !t.current() {
		return
	}
	t.c.notify(func(o Observer) { o.ToolUse(t.sessionID, tool) })
}

func (t *turnState) OnRemoteSessionID(remoteID string) {
	ctx, cancel := t.c.storeContext()
	defer cancel()
	updated, err := t.c.store.UpdateSession(ctx, t.sessionID, domain.SessionUpdate{RemoteSessionID: &remoteID})
	if err != nil {
		t.c.logger.Warn("failed to save remote session id", zap.String("session_id", t.sessionID), zap.Error(err))
		return
	}
	if updated != nil {
		rec := domain.PersistedRecord(updated)
		t.c.notify(func(o Observer) { o.SessionUpdated(rec) })
	}
}

func (t *turnState) OnResult(result domain.ResultData) { t.result = &result }

func (t *turnState) OnError(err error) { t.err = err }

// finishTurn persists the assistant message, frees the turn slot and only
// then emits the terminal event, so a send issued on receipt is admitted.
// A turn that lost its slot to pause or terminate persists nothing.
func (c *Coordinator) finishTurn(t *turnState) {
	defer t.span.End()
	elapsed := time.Since(t.started)
	metrics.TurnDuration.Observe(elapsed.Seconds())

	if t.result != nil {
		result := *t.result
		if t.current() {
			c.saveAssistantMessage(t, result)
		} else {
			c.logger.Info("dropping result of a released turn", zap.String("session_id", t.sessionID))
		}
		c.clearTurn(t)
		metrics.TurnsTotal.WithLabelValues("result").Inc()
		t.span.SetAttributes(attribute.Float64("turn.cost_usd", result.TotalCostUSD))
		c.logger.Info("turn completed",
			zap.String("session_id", t.sessionID),
			zap.Duration("elapsed", elapsed),
			zap.Float64("cost_usd", result.TotalCostUSD))
		c.notify(func(o Observer) { o.Result(t.sessionID, result) })
		return
	}

	err := t.err
	if err == nil {
		err = fmt.Errorf("%w: turn ended without a result", domain.ErrAgentRuntime)
	}
	c.clearTurn(t)
	outcome := "error"
	if errors.Is(err, domain.ErrAborted) {
		outcome = "aborted"
	}
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("turn failed", zap.String("session_id", t.sessionID), zap.Error(err))
	c.notify(func(o Observer) { o.Error(t.sessionID, err) })
}

func (c *Coordinator) clearTurn(t *turnState) {
	c.mu.Lock()
	if c.turns[t.sessionID] == t {
		delete(c.turns, t.sessionID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) saveAssistantMessage(t *turnState, result domain.ResultData) {
	if result.Text == "" {
		return
	}
	ctx, cancel := c.storeContext()
	defer cancel()

	meta := &domain.MessageMetadata{
		CostUSD:    result.TotalCostUSD,
		DurationMs: result.DurationMs,
		NumTurns:   result.NumTurns,
		Model:      t.model,
	}
	if result.Usage != nil {
		meta.InputTokens = result.Usage.InputTokens
		meta.OutputTokens = result.Usage.OutputTokens
	}
	now := c.now()
	msg := &domain.Message{SessionID: t.sessionID, Role: domain.RoleAssistant, Content: result.Text, Metadata: meta, CreatedAt: now}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		c.logger.Error("failed to save assistant message", zap.String("session_id", t.sessionID), zap.Error(err))
		return
	}
	update := domain.SessionUpdate{LastMessageAt: &now}
	if result.RemoteSessionID != "" {
		update.RemoteSessionID = &result.RemoteSessionID
	}
	if _, err := c.store.UpdateSession(ctx, t.sessionID, update); err != nil {
		c.logger.Warn("failed to update session after turn", zap.String("session_id", t.sessionID), zap.Error(err))
	}
}

// AbortSession signals the session's in-flight turn to stop. It is a no-op
// when the session has no handle.
func (c *Coordinator) AbortSession(id string) {
	c.mu.Lock()
	h := c.handles[id]
	c.mu.Unlock()
	if h != nil {
		c.logger.Info("aborting turn", zap.String("session_id", id))
		h.Abort()
	}
}

// CurrentStreamingText returns the text accumulated so far by the session's
// in-flight turn.
func (c *Coordinator) CurrentStreamingText(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[id]
	if !ok || t.text == "" {
		return "", false
	}
	return t.text, true
}

// IsSessionBusy reports whether a turn is in flight for the session.
func (c *Coordinator) IsSessionBusy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.turns[id]
	return ok
}
