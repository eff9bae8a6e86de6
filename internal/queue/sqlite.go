package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewflow/internal/domain"
)

var ErrNotFound = errors.New("task not found")

const (
	DefaultMaxAttempts       = 3
	DefaultVisibilityTimeout = 300 // seconds
)

// EnsureSchema creates the task tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  tenant_id TEXT,
  type TEXT NOT NULL,
  dedup_key TEXT,
  due_at INTEGER NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  visibility_timeout INTEGER NOT NULL DEFAULT 300,
  last_error TEXT NOT NULL DEFAULT '',
  claimed_at INTEGER,
  executed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, due_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup ON tasks(dedup_key)
  WHERE dedup_key IS NOT NULL AND status IN ('pending','processing');
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the durable task queue. Expected races (a claim lost to another
// poller, completing a task that is no longer processing) are reported through
// boolean or zero results, never as errors.
type Repository interface {
	Schedule(ctx context.Context, t domain.NewTask) (id string, created bool, err error)
	Cancel(ctx context.Context, dedupKey string) (int, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	Claim(ctx context.Context, id string, now time.Time) (domain.Task, bool, error)
	Complete(ctx context.Context, id string, now time.Time) (bool, error)
	Fail(ctx context.Context, id, errMsg string, retryDelay time.Duration, now time.Time) (domain.TaskStatus, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskCols = `id,tenant_id,type,dedup_key,due_at,payload,status,attempts,max_attempts,visibility_timeout,last_error,claimed_at,executed_at,created_at,updated_at`

func (r *sqliteRepo) Schedule(ctx context.Context, t domain.NewTask) (string, bool, error) {
	if !t.Type.Valid() {
		return "", false, fmt.Errorf("unknown task type %q", t.Type)
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode payload: %w", err)
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	if t.VisibilityTimeout <= 0 {
		t.VisibilityTimeout = DefaultVisibilityTimeout
	}
	var key *string
	if k := strings.TrimSpace(t.DedupKey); k != "" {
		key = &k
	}

	id := "tsk_" + uuid.NewString()
	now := time.Now().UnixMilli()
	// OR IGNORE turns a collision on the partial dedup index into a no-op.
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO tasks (id,tenant_id,type,dedup_key,due_at,payload,status,attempts,max_attempts,visibility_timeout,created_at,updated_at)
VALUES (?,?,?,?,?,?,'pending',0,?,?,?,?)
`, id, t.TenantID, string(t.Type), key, t.DueAt.UnixMilli(), payload, t.MaxAttempts, t.VisibilityTimeout, now, now)
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}
	if key == nil {
		return "", false, errors.New("task insert ignored without dedup key")
	}

	row := r.db.QueryRowContext(ctx, `
SELECT id FROM tasks WHERE dedup_key = ? AND status IN ('pending','processing')`, *key)
	var existingID string
	if err := row.Scan(&existingID); err != nil {
		return "", false, fmt.Errorf("lookup deduplicated task: %w", err)
	}
	return existingID, false, nil
}

func (r *sqliteRepo) Cancel(ctx context.Context, dedupKey string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='cancelled', updated_at=? WHERE dedup_key=? AND status='pending'`,
		time.Now().UnixMilli(), dedupKey)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskCols+`
FROM tasks
WHERE status='pending' AND due_at <= ?
ORDER BY due_at ASC, created_at ASC
LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// Claim moves one task from pending to processing and counts the attempt in
// the same statement. A false result means another worker got there first.
func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time) (domain.Task, bool, error) {
	ms := now.UnixMilli()
	row := r.db.QueryRowContext(ctx, `
UPDATE tasks
SET status='processing', attempts=attempts+1, claimed_at=?, updated_at=?
WHERE id=? AND status='pending'
RETURNING `+taskCols, ms, ms, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := now.UnixMilli()
	var attempt int
	err = tx.QueryRowContext(ctx, `
UPDATE tasks SET status='completed', executed_at=?, updated_at=?
WHERE id=? AND status='processing'
RETURNING attempts`, ms, ms, id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, attempt, finished_at, success, error) VALUES (?,?,?,1,'')`,
		id, attempt, ms); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Fail records a failed attempt. The task goes back to pending while attempts
// remain (due time pushed out by retryDelay) and to failed otherwise. The
// returned status is empty when the task was not processing.
func (r *sqliteRepo) Fail(ctx context.Context, id, errMsg string, retryDelay time.Duration, now time.Time) (domain.TaskStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	ms := now.UnixMilli()
	var (
		status  string
		attempt int
	)
	err = tx.QueryRowContext(ctx, `
UPDATE tasks
SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
    due_at = CASE WHEN attempts < max_attempts THEN ? ELSE due_at END,
    last_error = ?,
    claimed_at = NULL,
    updated_at = ?
WHERE id=? AND status='processing'
RETURNING status, attempts`, now.Add(retryDelay).UnixMilli(), errMsg, ms, id).Scan(&status, &attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, attempt, finished_at, success, error) VALUES (?,?,?,0,?)`,
		id, attempt, ms, errMsg); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return domain.TaskStatus(status), nil
}

// RecoverStale releases tasks whose worker claimed them and never reported
// back within the visibility timeout. They re-enter pending and go through
// Claim again, or fail outright when no attempts remain.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	ms := now.UnixMilli()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
    last_error = 'lease expired',
    claimed_at = NULL,
    updated_at = ?
WHERE status='processing' AND claimed_at IS NOT NULL AND claimed_at + visibility_timeout*1000 <= ?`, ms, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r *sqliteRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.TaskStatus]int{}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(s)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                           domain.Task
		tenant, key                 sql.NullString
		typ, status                 string
		dueAt, createdAt, updatedAt int64
		claimedAt, executedAt       sql.NullInt64
	)
	err := row.Scan(&t.ID, &tenant, &typ, &key, &dueAt, &t.Payload, &status, &t.Attempts, &t.MaxAttempts,
		&t.VisibilityTimeout, &t.LastError, &claimedAt, &executedAt, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	t.DueAt = time.UnixMilli(dueAt)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	if tenant.Valid {
		s := tenant.String
		t.TenantID = &s
	}
	if key.Valid {
		s := key.String
		t.DedupKey = &s
	}
	if claimedAt.Valid {
		c := time.UnixMilli(claimedAt.Int64)
		t.ClaimedAt = &c
	}
	if executedAt.Valid {
		e := time.UnixMilli(executedAt.Int64)
		t.ExecutedAt = &e
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
