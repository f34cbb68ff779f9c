package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// validateDirectory resolves dir and checks it against the allow-list.
func (c *Coordinator) validateDirectory(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("%w: working directory is required", domain.ErrDirectoryNotAllowed)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrDirectoryNotAllowed, dir)
	}
	abs = filepath.Clean(abs)
	if c.opts.Directories != nil && !c.opts.Directories.Contains(abs) {
		return "", fmt.Errorf("%w: %s", domain.ErrDirectoryNotAllowed, abs)
	}
	return abs, nil
}

// CreateSession creates a session in dir. Without a name the session is a
// draft held in memory until its first turn.
func (c *Coordinator) CreateSession(ctx context.Context, name, dir, owner string) (domain.SessionRecord, error) {
	dir, err := c.validateDirectory(dir)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	name = strings.TrimSpace(name)
	now := c.now()
	id := uuid.New().String()

	c.mu.Lock()
	if err := c.admitLocked(); err != nil {
		c.mu.Unlock()
		return domain.SessionRecord{}, err
	}
	if name == "" {
		draft := &domain.Draft{ID: id, WorkingDirectory: dir, OwnerEmail: owner, CreatedAt: now}
		c.drafts[id] = draft
		c.mu.Unlock()
		c.logger.Info("draft session created", zap.String("session_id", id), zap.String("working_directory", dir))
		return domain.DraftRecord(draft), nil
	}
	c.mu.Unlock()

	session := &domain.Session{
		ID:               id,
		Name:             name,
		WorkingDirectory: dir,
		Status:           domain.SessionStatusActive,
		OwnerEmail:       owner,
		CreatedAt:        now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to create session: %w", err)
	}
	c.logger.Info("session created", zap.String("session_id", id), zap.String("working_directory", dir))
	return domain.PersistedRecord(session), nil
}

// ForkSession persists a session seeded with the messages of an external
// transcript. Its first turn forks the transcript's remote conversation.
func (c *Coordinator) ForkSession(ctx context.Context, name, dir, owner, sourceID string) (*domain.Session, error) {
	name = strings.TrimSpace(name)
	sourceID = strings.TrimSpace(sourceID)
	if name == "" || sourceID == "" {
		return nil, fmt.Errorf("%w: fork requires a name and a source session", domain.ErrInvalidState)
	}
	dir, err := c.validateDirectory(dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = c.admitLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	now := c.now()
	session := &domain.Session{
		ID:               uuid.New().String(),
		Name:             name,
		WorkingDirectory: dir,
		Status:           domain.SessionStatusActive,
		RemoteSessionID:  sourceID,
		OwnerEmail:       owner,
		CreatedAt:        now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	imported := c.importTranscript(ctx, session.ID, sourceID, now)
	if imported > 0 {
		last := now
		if updated, err := c.store.UpdateSession(ctx, session.ID, domain.SessionUpdate{LastMessageAt: &last}); err == nil && updated != nil {
			session = updated
		}
	}

	c.mu.Lock()
	c.forks[session.ID] = true
	c.mu.Unlock()

	c.logger.Info("session forked",
		zap.String("session_id", session.ID),
		zap.String("source", sourceID),
		zap.Int("imported", imported))
	return session, nil
}

// importTranscript copies the source transcript into the session. Missing
// or corrupt transcripts import nothing.
func (c *Coordinator) importTranscript(ctx context.Context, sessionID, sourceID string, now time.Time) int {
	if c.opts.Transcripts == nil {
		return 0
	}
	source := c.opts.Transcripts.ReadMessages(sourceID)
	if len(source) == 0 {
		return 0
	}
	msgs := make([]domain.Message, 0, len(source))
	for _, m := range source {
		created, err := time.Parse(time.RFC3339Nano, m.Timestamp)
		if err != nil {
			created = now
		}
		msgs = append(msgs, domain.Message{
			SessionID: sessionID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  &domain.MessageMetadata{Imported: true},
			CreatedAt: created,
		})
	}
	n, err := c.store.BulkCreateMessages(ctx, msgs)
	if err != nil {
		c.logger.Warn("failed to import transcript", zap.String("source", sourceID), zap.Error(err))
		return 0
	}
	return n
}

// GetSession returns the draft or persisted session with id.
func (c *Coordinator) GetSession(ctx context.Context, id string) (domain.SessionRecord, bool, error) {
	c.mu.Lock()
	if d, ok := c.drafts[id]; ok {
		draft := *d
		c.mu.Unlock()
		return domain.DraftRecord(&draft), true, nil
	}
	c.mu.Unlock()

	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return domain.SessionRecord{}, false, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return domain.SessionRecord{}, false, nil
	}
	return domain.PersistedRecord(session), true, nil
}

// IsDraft reports whether id names a draft.
func (c *Coordinator) IsDraft(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.drafts[id]
	return ok
}

// ListSessions lists drafts newest first, followed by persisted sessions by
// last activity then creation. An empty owner lists everything.
func (c *Coordinator) ListSessions(ctx context.Context, owner string) ([]domain.SessionRecord, error) {
	c.mu.Lock()
	drafts := make([]*domain.Draft, 0, len(c.drafts))
	for _, d := range c.drafts {
		if owner == "" || d.OwnerEmail == owner {
			draft := *d
			drafts = append(drafts, &draft)
		}
	}
	c.mu.Unlock()
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].CreatedAt.After(drafts[j].CreatedAt) })

	sessions, err := c.store.ListSessions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]domain.SessionRecord, 0, len(drafts)+len(sessions))
	for _, d := range drafts {
		out = append(out, domain.DraftRecord(d))
	}
	for i := range sessions {
		out = append(out, domain.PersistedRecord(&sessions[i]))
	}
	return out, nil
}

// UpdateSession renames a session or changes its model. Drafts only accept
// a model; they are named by their first message.
func (c *Coordinator) UpdateSession(ctx context.Context, id string, name *string, model *domain.ModelType) (domain.SessionRecord, error) {
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return domain.SessionRecord{}, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidState)
		}
		name = &trimmed
	}

	c.mu.Lock()
	if d, ok := c.drafts[id]; ok {
		if name != nil {
			c.mu.Unlock()
			return domain.SessionRecord{}, fmt.Errorf("%w: a draft is named by its first message", domain.ErrInvalidState)
		}
		if model != nil {
			d.Model = *model
		}
		draft := *d
		c.mu.Unlock()
		rec := domain.DraftRecord(&draft)
		c.notify(func(o Observer) { o.SessionUpdated(rec) })
		return rec, nil
	}
	c.mu.Unlock()

	session, err := c.store.UpdateSession(ctx, id, domain.SessionUpdate{Name: name, Model: model})
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to update session: %w", err)
	}
	if session == nil {
		return domain.SessionRecord{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	rec := domain.PersistedRecord(session)
	c.notify(func(o Observer) { o.SessionUpdated(rec) })
	return rec, nil
}

// persisted loads a stored session, failing for drafts and unknown ids.
func (c *Coordinator) persisted(ctx context.Context, id string) (*domain.Session, error) {
	if c.IsDraft(id) {
		return nil, fmt.Errorf("%w: session %s is a draft", domain.ErrInvalidState, id)
	}
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return session, nil
}

func (c *Coordinator) setStatus(ctx context.Context, id string, status domain.SessionStatus) (*domain.Session, error) {
	session, err := c.store.UpdateSession(ctx, id, domain.SessionUpdate{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	rec := domain.PersistedRecord(session)
	c.notify(func(o Observer) { o.SessionUpdated(rec) })
	return session, nil
}

// PauseSession cancels any in-flight turn, releases the handle and marks the
// session paused. Allow patterns are kept.
func (c *Coordinator) PauseSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := c.persisted(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusTerminated {
		return nil, fmt.Errorf("%w: session is terminated", domain.ErrInvalidState)
	}
	c.release(id)
	c.logger.Info("session paused", zap.String("session_id", id))
	return c.setStatus(ctx, id, domain.SessionStatusPaused)
}

// ResumeSession reactivates a paused session.
func (c *Coordinator) ResumeSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := c.persisted(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusTerminated {
		return nil, fmt.Errorf("%w: cannot resume a terminated session", domain.ErrInvalidState)
	}
	if session.Status == domain.SessionStatusActive {
		return session, nil
	}
	return c.setStatus(ctx, id, domain.SessionStatusActive)
}

// TerminateSession ends a session for good: the in-flight turn is cancelled,
// pending prompts are denied and allow patterns are cleared. Terminating a
// draft discards it.
func (c *Coordinator) TerminateSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if _, ok := c.drafts[id]; ok {
		delete(c.drafts, id)
		c.mu.Unlock()
		c.logger.Info("draft discarded", zap.String("session_id", id))
		c.notify(func(o Observer) { o.SessionDeleted(id) })
		return nil
	}
	c.mu.Unlock()

	if _, err := c.persisted(ctx, id); err != nil {
		return err
	}
	c.release(id)
	cancelled := c.broker.CancelAllForSession(id)
	c.logger.Info("session terminated", zap.String("session_id", id), zap.Int("prompts_cancelled", cancelled))
	_, err := c.setStatus(ctx, id, domain.SessionStatusTerminated)
	return err
}

// DeleteSession erases a persisted session and its messages. A busy session
// is aborted first. Drafts cannot be deleted.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	if _, err := c.persisted(ctx, id); err != nil {
		return err
	}
	c.release(id)
	c.broker.CancelAllForSession(id)

	if _, err := c.store.DeleteMessagesForSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	ok, err := c.store.DeleteSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	c.logger.Info("session deleted", zap.String("session_id", id))
	c.notify(func(o Observer) { o.SessionDeleted(id) })
	return nil
}

// SearchSessions returns the owner's sessions whose name contains query or
// that have a message matching it.
func (c *Coordinator) SearchSessions(ctx context.Context, owner, query string) ([]domain.SessionRecord, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	all, err := c.ListSessions(ctx, owner)
	if err != nil {
		return nil, err
	}
	hits, err := c.store.SearchMessages(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	matched := make(map[string]bool, len(hits))
	for _, m := range hits {
		matched[m.SessionID] = true
	}

	var out []domain.SessionRecord
	for _, rec := range all {
		if rec.IsDraft() {
			continue
		}
		if matched[rec.ID()] || strings.Contains(strings.ToLower(rec.Session.Name), query) {
			out = append(out, rec)
		}
	}
	return out, nil
}
