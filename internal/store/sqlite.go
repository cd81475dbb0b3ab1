// ABOUTME: SQLite-backed coordination database using modernc.org/sqlite
// ABOUTME: Opens in WAL mode with a busy timeout so several agent processes can share one file

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat keeps sub-second precision and sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore holds the registry log, task board, and approval audit log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS registrations (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			order_key      INTEGER NOT NULL DEFAULT 0,
			agent_id       TEXT NOT NULL,
			role           TEXT NOT NULL DEFAULT '',
			capabilities   TEXT NOT NULL DEFAULT '[]',
			url            TEXT NOT NULL DEFAULT '',
			public_key     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			kind           TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			registered     TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'idle', 'busy')),
			CHECK (kind IN ('register', 'heartbeat', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_registrations_agent ON registrations(agent_id, seq);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority    INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			created_by  TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			claimed_by  TEXT NOT NULL DEFAULT '',
			context     TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			attempts    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (status IN ('available', 'claimed', 'in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status);

		CREATE TABLE IF NOT EXISTS approvals (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			tool         TEXT NOT NULL,
			parameters   TEXT NOT NULL DEFAULT '{}',
			context      TEXT NOT NULL DEFAULT '',
			urgency      TEXT NOT NULL DEFAULT 'normal',
			approved     INTEGER NOT NULL,
			decided_by   TEXT NOT NULL DEFAULT '',
			reason       TEXT NOT NULL DEFAULT '',
			channel      TEXT NOT NULL DEFAULT '',
			requested_at TEXT NOT NULL,
			decided_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approvals(agent_id, decided_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
