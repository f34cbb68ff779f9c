// Package repository defines the session store interface and its SQLite
// implementation.
package repository

import (
	"context"

	"github.com/ignacioreyna/omni-bot/internal/domain"
)

// DefaultMessageLimit is used when ListMessages is called with limit <= 0.
const DefaultMessageLimit = 100

// SearchLimit caps full-text search results.
const SearchLimit = 100

// Store defines the interface for session and message persistence.
type Store interface {
	// Session operations. Getters return (nil, nil) when the row is missing.
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, ownerEmail string) ([]domain.Session, error)
	UpdateSession(ctx context.Context, sessionID string, update domain.SessionUpdate) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	BulkCreateMessages(ctx context.Context, messages []domain.Message) (int, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	SearchMessages(ctx context.Context, query, sessionID string) ([]domain.Message, error)
	DeleteMessagesForSession(ctx context.Context, sessionID string) (int64, error)

	// Lifecycle
	Close() error
}
