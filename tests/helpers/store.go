// Package helpers provides shared fixtures for package tests.
package helpers

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignacioreyna/omni-bot/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewMockSQLiteStore returns a store backed by sqlmock for driver failure
// paths. Expectations are checked at cleanup.
func NewMockSQLiteStore(t *testing.T) (*repository.SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
		_ = db.Close()
	})

	return repository.NewSQLiteStoreFromDB(db), mock
}
