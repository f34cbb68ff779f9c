package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createSession(t *testing.T, s *SQLiteStore, id, owner string, created time.Time) *domain.Session {
	t.Helper()
	session := &domain.Session{
		ID:               id,
		Name:             "session " + id,
		WorkingDirectory: "/tmp/" + id,
		OwnerEmail:       owner,
		CreatedAt:        created,
	}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func TestSQLiteStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	createSession(t, store, "s1", "a@example.com", created)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "session s1", got.Name)
	assert.Equal(t, domain.SessionStatusActive, got.Status)
	assert.Equal(t, "a@example.com", got.OwnerEmail)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.LastMessageAt)
	assert.Empty(t, got.RemoteSessionID)

	missing, err := store.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreUpdateSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())

	now := time.Now().Truncate(time.Second)
	updated, err := store.UpdateSession(ctx, "s1", domain.SessionUpdate{
		Name:            domain.StringPtr("renamed"),
		Status:          domain.StatusPtr(domain.SessionStatusPaused),
		RemoteSessionID: domain.StringPtr("remote-1"),
		LastMessageAt:   &now,
		Model:           domain.ModelPtr(domain.ModelOpus),
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, domain.SessionStatusPaused, updated.Status)
	assert.Equal(t, "remote-1", updated.RemoteSessionID)
	assert.Equal(t, domain.ModelOpus, updated.Model)
	require.NotNil(t, updated.LastMessageAt)
	assert.True(t, updated.LastMessageAt.Equal(now))

	gone, err := store.UpdateSession(ctx, "missing", domain.SessionUpdate{Name: domain.StringPtr("x")})
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLiteStoreListSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	createSession(t, store, "old-idle", "o", base)
	createSession(t, store, "new-idle", "o", base.Add(time.Minute))
	createSession(t, store, "active-early", "o", base.Add(-time.Minute))
	createSession(t, store, "active-late", "o", base.Add(-2*time.Minute))
	createSession(t, store, "other-owner", "x", base)

	early := base.Add(10 * time.Minute)
	late := base.Add(20 * time.Minute)
	_, err := store.UpdateSession(ctx, "active-early", domain.SessionUpdate{LastMessageAt: &early})
	require.NoError(t, err)
	_, err = store.UpdateSession(ctx, "active-late", domain.SessionUpdate{LastMessageAt: &late})
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx, "o")
	require.NoError(t, err)
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"active-late", "active-early", "new-idle", "old-idle"}, ids)

	all, err := store.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSQLiteStoreMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())

	base := time.Now()
	for i := 0; i < 3; i++ {
		msg := &domain.Message{
			SessionID: "s1",
			Role:      domain.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}
	meta := &domain.MessageMetadata{InputTokens: 10, OutputTokens: 20, CostUSD: 0.5, DurationMs: 1200}
	require.NoError(t, store.CreateMessage(ctx, &domain.Message{
		SessionID: "s1", Role: domain.RoleAssistant, Content: "answer", Metadata: meta,
		CreatedAt: base.Add(5 * time.Second),
	}))

	messages, err := store.ListMessages(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "message 0", messages[0].Content)
	assert.Equal(t, "answer", messages[3].Content)
	require.NotNil(t, messages[3].Metadata)
	assert.Equal(t, int64(20), messages[3].Metadata.OutputTokens)
	assert.Nil(t, messages[0].Metadata)

	page, err := store.ListMessages(ctx, "s1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "message 1", page[0].Content)

	count, err := store.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestSQLiteStoreBulkCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())

	n, err := store.BulkCreateMessages(ctx, []domain.Message{
		{SessionID: "s1", Role: domain.RoleUser, Content: "imported question"},
		{SessionID: "s1", Role: domain.RoleAssistant, Content: "imported answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.BulkCreateMessages(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := store.DeleteMessagesForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	results, err := store.SearchMessages(ctx, "imported", "")
	require.NoError(t, err)
	assert.Empty(t, results, "fts index follows deletes")
}

func TestSQLiteStoreBulkCreateRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())

	_, err := store.BulkCreateMessages(ctx, []domain.Message{
		{SessionID: "s1", Role: domain.RoleUser, Content: "ok"},
		{SessionID: "s1", Role: "system", Content: "violates role check"},
	})
	require.Error(t, err)

	count, err := store.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStoreSearchMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())
	createSession(t, store, "s2", "", time.Now())

	base := time.Now()
	add := func(session, content string, offset time.Duration) {
		require.NoError(t, store.CreateMessage(ctx, &domain.Message{
			SessionID: session, Role: domain.RoleUser, Content: content, CreatedAt: base.Add(offset),
		}))
	}
	add("s1", "fix the parser bug", 0)
	add("s1", "parser now handles quotes", time.Second)
	add("s2", "unrelated parser talk", 2*time.Second)
	add("s2", "nothing to see", 3*time.Second)

	results, err := store.SearchMessages(ctx, "parser", "")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "unrelated parser talk", results[0].Content, "newest first")

	scoped, err := store.SearchMessages(ctx, "parser", "s1")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	multi, err := store.SearchMessages(ctx, `parser "bug`, "")
	require.NoError(t, err)
	require.Len(t, multi, 1)
	assert.Equal(t, "fix the parser bug", multi[0].Content)

	empty, err := store.SearchMessages(ctx, "   ", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStoreDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createSession(t, store, "s1", "", time.Now())
	require.NoError(t, store.CreateMessage(ctx, &domain.Message{SessionID: "s1", Role: domain.RoleUser, Content: "cascade me"}))

	ok, err := store.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := store.CountMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, count)

	results, err := store.SearchMessages(ctx, "cascade", "")
	require.NoError(t, err)
	assert.Empty(t, results)

	ok, err = store.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreMigrationsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.migrate())

	version, err := store.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestSQLiteStoreSurfacesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := &SQLiteStore{db: db}
	t.Cleanup(func() { _ = store.Close() })

	boom := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO messages").WillReturnError(boom)

	err = store.CreateMessage(context.Background(), &domain.Message{SessionID: "s1", Role: domain.RoleUser, Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id = ?").
		WithArgs("s1").
		WillReturnError(boom)
	_, err = store.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, boom)

	mock.ExpectExec("UPDATE sessions SET status = \\?").WillReturnResult(sqlmock.NewResult(0, 0))
	got, err := store.UpdateSession(context.Background(), "s1", domain.SessionUpdate{Status: domain.StatusPtr(domain.SessionStatusPaused)})
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}
