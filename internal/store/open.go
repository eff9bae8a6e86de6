// Package store holds the job, crew, assignment and alert tables the
// workflow core reads and updates, plus the shared SQLite bootstrap.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crewflow/internal/queue"
)

// Open opens the SQLite database at path and applies every schema.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if busyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if err := queue.EnsureSchema(db); err != nil {
		return fmt.Errorf("task schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("job schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  customer_name TEXT NOT NULL DEFAULT '',
  customer_phone TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  zip TEXT NOT NULL DEFAULT '',
  price TEXT NOT NULL DEFAULT '0',
  scheduled_date TEXT NOT NULL,
  scheduled_time TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('scheduled','completed','cancelled')) DEFAULT 'scheduled',
  cleaner_id TEXT,
  customer_notified INTEGER NOT NULL DEFAULT 0,
  cleaner_confirmed INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_date ON jobs(scheduled_date, status);
CREATE TABLE IF NOT EXISTS cleaners (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  phone TEXT NOT NULL DEFAULT '',
  chat_id TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS assignments (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  cleaner_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','confirmed','declined')) DEFAULT 'pending',
  assigned_at INTEGER NOT NULL,
  responded_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_assignments_job ON assignments(job_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_outstanding ON assignments(job_id)
  WHERE status IN ('pending','confirmed');
CREATE TABLE IF NOT EXISTS alerts (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  job_id TEXT,
  threshold INTEGER NOT NULL DEFAULT 0,
  actual INTEGER NOT NULL DEFAULT 0,
  message TEXT NOT NULL,
  acknowledged INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
`
