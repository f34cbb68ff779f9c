package repository

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	stmts   []string
	// post runs after stmts within the same migration step.
	post func(s *SQLiteStore) error
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				working_directory TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused', 'terminated')),
				claude_session_id TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_message_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'tool')),
				content TEXT NOT NULL,
				metadata TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts4(content)`,
			`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts(docid, content) VALUES (new.id, new.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
				DELETE FROM messages_fts WHERE docid = old.id;
			END`,
			`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
				DELETE FROM messages_fts WHERE docid = old.id;
				INSERT INTO messages_fts(docid, content) VALUES (new.id, new.content);
			END`,
		},
	},
	{
		version: 2,
		post: func(s *SQLiteStore) error {
			if err := s.ensureColumn("sessions", "model", "ALTER TABLE sessions ADD COLUMN model TEXT"); err != nil {
				return err
			}
			if err := s.ensureColumn("sessions", "owner_email", "ALTER TABLE sessions ADD COLUMN owner_email TEXT"); err != nil {
				return err
			}
			_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_email)`)
			return err
		},
	},
}

// migrate runs database migrations newer than the recorded schema version.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d failed: %w\n%s", m.version, err, stmt)
			}
		}
		if m.post != nil {
			if err := m.post(s); err != nil {
				return fmt.Errorf("migration v%d failed: %w", m.version, err)
			}
		}
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) schemaVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// ensureColumn adds a column to existing databases (SQLite has limited ALTER
// TABLE support).
func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}
