package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crewflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOutstanding is returned when a job already has a pending or confirmed assignment.
	ErrOutstanding = errors.New("job already has an outstanding assignment")
)

type Repository interface {
	CreateJob(ctx context.Context, j domain.Job) (string, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	JobsOnDate(ctx context.Context, date string) ([]domain.Job, error)
	CountJobsByDate(ctx context.Context, dates []string) (map[string]int, error)
	UpdateJobDate(ctx context.Context, id, date string) error
	ConfirmCleaner(ctx context.Context, jobID, cleanerID string) error
	SetCustomerNotified(ctx context.Context, jobID string, notified bool) error
	SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error

	CreateCleaner(ctx context.Context, c domain.Cleaner) (string, error)
	GetCleaner(ctx context.Context, id string) (domain.Cleaner, error)
	ActiveCleanersByLoad(ctx context.Context, date string) ([]domain.Cleaner, error)

	CreateAssignment(ctx context.Context, jobID, cleanerID string, now time.Time) (domain.Assignment, error)
	GetAssignment(ctx context.Context, id string) (domain.Assignment, error)
	SettleAssignment(ctx context.Context, id string, to domain.AssignmentStatus, now time.Time) (bool, error)
	ListAssignments(ctx context.Context, jobID string) ([]domain.Assignment, error)
	DeclinedCleaners(ctx context.Context, jobID string) ([]string, error)

	CreateAlert(ctx context.Context, a domain.Alert) (string, error)
	ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]domain.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) (bool, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const jobCols = `id,customer_name,customer_phone,address,zip,price,scheduled_date,scheduled_time,status,cleaner_id,customer_notified,cleaner_confirmed,updated_at`

func (r *sqliteRepo) CreateJob(ctx context.Context, j domain.Job) (string, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.JobScheduled
	}
	if _, err := time.Parse(domain.DateLayout, j.ScheduledDate); err != nil {
		return "", fmt.Errorf("scheduled date: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.CustomerName, j.CustomerPhone, j.Address, j.Zip, j.Price.String(), j.ScheduledDate,
		j.ScheduledTime, string(j.Status), j.CleanerID, j.CustomerNotified, j.CleanerConfirmed, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (r *sqliteRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// JobsOnDate returns the still-scheduled jobs for date, earliest start first.
func (r *sqliteRepo) JobsOnDate(ctx context.Context, date string) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE scheduled_date=? AND status='scheduled'
ORDER BY scheduled_time ASC, id ASC`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobsByDate reports the scheduled job count for every requested date,
// including dates with no jobs.
func (r *sqliteRepo) CountJobsByDate(ctx context.Context, dates []string) (map[string]int, error) {
	out := make(map[string]int, len(dates))
	if len(dates) == 0 {
		return out, nil
	}
	args := make([]any, len(dates))
	for i, d := range dates {
		out[d] = 0
		args[i] = d
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(dates)), ",")
	rows, err := r.db.QueryContext(ctx, `
SELECT scheduled_date, COUNT(*) FROM jobs
WHERE status='scheduled' AND scheduled_date IN (`+placeholders+`)
GROUP BY scheduled_date`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d string
			n int
		)
		if err := rows.Scan(&d, &n); err != nil {
			return nil, err
		}
		out[d] = n
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateJobDate(ctx context.Context, id, date string) error {
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return fmt.Errorf("scheduled date: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET scheduled_date=?, customer_notified=0, updated_at=? WHERE id=? AND status='scheduled'`,
		date, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteRepo) ConfirmCleaner(ctx context.Context, jobID, cleanerID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET cleaner_id=?, cleaner_confirmed=1, updated_at=? WHERE id=?`,
		cleanerID, time.Now().UnixMilli(), jobID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteRepo) SetCustomerNotified(ctx context.Context, jobID string, notified bool) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET customer_notified=?, updated_at=? WHERE id=?`, notified, time.Now().UnixMilli(), jobID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetJobStatus closes out a scheduled job. Only scheduled jobs change.
func (r *sqliteRepo) SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	switch status {
	case domain.JobCompleted, domain.JobCancelled:
	default:
		return fmt.Errorf("cannot move job to %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status='scheduled'`, string(status), time.Now().UnixMilli(), jobID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteRepo) CreateCleaner(ctx context.Context, c domain.Cleaner) (string, error) {
	if c.ID == "" {
		c.ID = "cln_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO cleaners (id,name,phone,chat_id,active,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.Phone, c.ChatID, c.Active, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (r *sqliteRepo) GetCleaner(ctx context.Context, id string) (domain.Cleaner, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,phone,chat_id,active,created_at FROM cleaners WHERE id=?`, id)
	var (
		c       domain.Cleaner
		created int64
	)
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.ChatID, &c.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cleaner{}, ErrNotFound
	}
	if err != nil {
		return domain.Cleaner{}, err
	}
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}

// ActiveCleanersByLoad lists active cleaners, least busy on date first.
func (r *sqliteRepo) ActiveCleanersByLoad(ctx context.Context, date string) ([]domain.Cleaner, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id, c.name, c.phone, c.chat_id, c.active, c.created_at
FROM cleaners c
LEFT JOIN jobs j ON j.cleaner_id = c.id AND j.scheduled_date = ? AND j.status = 'scheduled'
WHERE c.active = 1
GROUP BY c.id
ORDER BY COUNT(j.id) ASC, c.id ASC`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Cleaner
	for rows.Next() {
		var (
			c       domain.Cleaner
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.ChatID, &c.Active, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAssignment records a pending offer. The partial unique index on
// outstanding assignments makes a second live offer for the same job a no-op,
// reported as ErrOutstanding.
func (r *sqliteRepo) CreateAssignment(ctx context.Context, jobID, cleanerID string, now time.Time) (domain.Assignment, error) {
	a := domain.Assignment{
		ID:         "asg_" + uuid.NewString(),
		JobID:      jobID,
		CleanerID:  cleanerID,
		Status:     domain.AssignmentPending,
		AssignedAt: time.UnixMilli(now.UnixMilli()),
	}
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO assignments (id,job_id,cleaner_id,status,assigned_at) VALUES (?,?,?,'pending',?)`,
		a.ID, a.JobID, a.CleanerID, now.UnixMilli())
	if err != nil {
		return domain.Assignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Assignment{}, ErrOutstanding
	}
	return a, nil
}

const assignmentCols = `id,job_id,cleaner_id,status,assigned_at,responded_at`

func (r *sqliteRepo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Assignment{}, ErrNotFound
	}
	return a, err
}

// SettleAssignment moves a pending assignment to its final status. False means
// it was no longer pending.
func (r *sqliteRepo) SettleAssignment(ctx context.Context, id string, to domain.AssignmentStatus, now time.Time) (bool, error) {
	if to != domain.AssignmentConfirmed && to != domain.AssignmentDeclined {
		return false, fmt.Errorf("cannot settle assignment to %q", to)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE assignments SET status=?, responded_at=? WHERE id=? AND status='pending'`,
		string(to), now.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) ListAssignments(ctx context.Context, jobID string) ([]domain.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+assignmentCols+` FROM assignments WHERE job_id=? ORDER BY assigned_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) DeclinedCleaners(ctx context.Context, jobID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT cleaner_id FROM assignments WHERE job_id=? AND status='declined'`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteRepo) CreateAlert(ctx context.Context, a domain.Alert) (string, error) {
	id := "alr_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (id,type,job_id,threshold,actual,message,acknowledged,created_at) VALUES (?,?,?,?,?,?,0,?)`,
		id, string(a.Type), a.JobID, a.Threshold, a.Actual, a.Message, time.Now().UnixMilli())
	return id, err
}

func (r *sqliteRepo) ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]domain.Alert, error) {
	q := `SELECT id,type,job_id,threshold,actual,message,acknowledged,created_at FROM alerts`
	if unacknowledgedOnly {
		q += ` WHERE acknowledged=0`
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a       domain.Alert
			typ     string
			jobID   sql.NullString
			created int64
		)
		if err := rows.Scan(&a.ID, &typ, &jobID, &a.Threshold, &a.Actual, &a.Message, &a.Acknowledged, &created); err != nil {
			return nil, err
		}
		a.Type = domain.AlertType(typ)
		a.CreatedAt = time.UnixMilli(created)
		if jobID.Valid {
			s := jobID.String
			a.JobID = &s
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) AcknowledgeAlert(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET acknowledged=1 WHERE id=? AND acknowledged=0`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j         domain.Job
		price     string
		status    string
		cleanerID sql.NullString
		updated   int64
	)
	err := row.Scan(&j.ID, &j.CustomerName, &j.CustomerPhone, &j.Address, &j.Zip, &price, &j.ScheduledDate,
		&j.ScheduledTime, &status, &cleanerID, &j.CustomerNotified, &j.CleanerConfirmed, &updated)
	if err != nil {
		return domain.Job{}, err
	}
	j.Price, err = decimal.NewFromString(price)
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %s price: %w", j.ID, err)
	}
	j.Status = domain.JobStatus(status)
	j.UpdatedAt = time.UnixMilli(updated)
	if cleanerID.Valid {
		s := cleanerID.String
		j.CleanerID = &s
	}
	return j, nil
}

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var (
		a         domain.Assignment
		status    string
		assigned  int64
		responded sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.CleanerID, &status, &assigned, &responded); err != nil {
		return domain.Assignment{}, err
	}
	a.Status = domain.AssignmentStatus(status)
	a.AssignedAt = time.UnixMilli(assigned)
	if responded.Valid {
		t := time.UnixMilli(responded.Int64)
		a.RespondedAt = &t
	}
	return a, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
