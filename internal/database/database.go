package database

import (
	"context"
	"database/sql"
	"errors"
	"extrato-queue/internal/models"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database with the job store operations
type DB struct {
	*sql.DB
}

// New opens a SQLite database at path. Transactions start with BEGIN IMMEDIATE so the
// submit check-then-insert holds the write lock for its whole duration.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	return &DB{db}, nil
}

var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// sqliteDSN builds a file: URI for path. Characters that would end the URI path are
// percent-encoded so the query options always apply.
func sqliteDSN(path string) string {
	return "file:" + uriPathEscaper.Replace(path) +
		"?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS extrato_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requested_by INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'done', 'error')),
		period TEXT NOT NULL,
		customer TEXT NOT NULL,
		artifact_path TEXT,
		error_message TEXT,
		trace_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		leased_until DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_extrato_jobs_status ON extrato_jobs(status, id);
	CREATE INDEX IF NOT EXISTS idx_extrato_jobs_requester ON extrato_jobs(requested_by, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_extrato_jobs_in_flight
		ON extrato_jobs(requested_by) WHERE status IN ('pending', 'running');
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `id, requested_by, status, period, customer, artifact_path, error_message,
	trace_id, created_at, started_at, finished_at, leased_until`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SubmitJob inserts job unless the requester already has one pending or running, in which
// case the existing job is returned and created is false.
func (db *DB) SubmitJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := activeJob(ctx, tx, job.RequestedBy)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO extrato_jobs (requested_by, status, period, customer, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.RequestedBy, string(models.StatusPending), job.Period, job.Customer, job.TraceID, job.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := activeJob(ctx, tx, job.RequestedBy); lookupErr == nil && existing != nil {
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("requester %d already has a job in flight: %w", job.RequestedBy, models.ErrConflict)
		}
		return nil, false, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	created := *job
	created.ID = id
	created.Status = models.StatusPending
	created.CreatedAt = job.CreatedAt.UTC()
	return &created, true, nil
}

// ActiveJobForRequester returns the requester's pending or running job, or nil
func (db *DB) ActiveJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error) {
	return activeJob(ctx, db, requesterID)
}

func activeJob(ctx context.Context, q queryer, requesterID int64) (*models.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM extrato_jobs
		WHERE requested_by = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1
	`, requesterID, string(models.StatusPending), string(models.StatusRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// LatestJobForRequester returns the most recently created job of the requester, or nil
func (db *DB) LatestJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM extrato_jobs WHERE requested_by = ?
		ORDER BY id DESC LIMIT 1
	`, requesterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// GetJobByID retrieves a job by its ID
func (db *DB) GetJobByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM extrato_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ClaimNextJob moves the oldest claimable job to running. A job is claimable when it is
// pending, or running with an expired lease. lease <= 0 claims without a lease, which
// leaves the job running until the worker reports back.
func (db *DB) ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	now = now.UTC()
	var leasedUntil sql.NullTime
	if lease > 0 {
		leasedUntil = sql.NullTime{Time: now.Add(lease), Valid: true}
	}

	for {
		var id int64
		err := db.QueryRowContext(ctx, `
			SELECT id FROM extrato_jobs
			WHERE status = ? OR (status = ? AND leased_until IS NOT NULL AND leased_until < ?)
			ORDER BY id ASC
			LIMIT 1
		`, string(models.StatusPending), string(models.StatusRunning), now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		// Compare-and-swap: only one claimer can move this row out of its claimable state.
		res, err := db.ExecContext(ctx, `
			UPDATE extrato_jobs
			SET status = ?, started_at = COALESCE(started_at, ?), error_message = NULL, leased_until = ?
			WHERE id = ? AND (status = ? OR (status = ? AND leased_until IS NOT NULL AND leased_until < ?))
		`, string(models.StatusRunning), now, leasedUntil, id,
			string(models.StatusPending), string(models.StatusRunning), now)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		return db.GetJobByID(ctx, id)
	}
}

// CompleteJob marks a pending or running job as done with its artifact location
func (db *DB) CompleteJob(ctx context.Context, id int64, artifactPath string, now time.Time) (*models.Job, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE extrato_jobs
		SET status = ?, artifact_path = ?, finished_at = COALESCE(finished_at, ?),
		    error_message = NULL, leased_until = NULL
		WHERE id = ? AND status IN (?, ?)
	`, string(models.StatusDone), artifactPath, now.UTC(), id,
		string(models.StatusPending), string(models.StatusRunning))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		job, err := db.GetJobByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %d is %s: %w", id, job.Status, models.ErrConflict)
	}
	return db.GetJobByID(ctx, id)
}

// FailJob marks any existing job as failed. finished_at keeps its first value.
func (db *DB) FailJob(ctx context.Context, id int64, message string, now time.Time) (*models.Job, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE extrato_jobs
		SET status = ?, finished_at = COALESCE(finished_at, ?), error_message = ?, leased_until = NULL
		WHERE id = ?
	`, string(models.StatusError), now.UTC(), message, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("job %d: %w", id, models.ErrNotFound)
	}
	return db.GetJobByID(ctx, id)
}

// CountCreatedSince returns how many jobs the requester created at or after since
func (db *DB) CountCreatedSince(ctx context.Context, requesterID int64, since time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM extrato_jobs WHERE requested_by = ? AND created_at >= ?",
		requesterID, since.UTC(),
	).Scan(&count)
	return count, err
}

// GetMetrics retrieves queue counters
func (db *DB) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	var metrics models.Metrics
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM extrato_jobs
	`, string(models.StatusPending), string(models.StatusRunning),
		string(models.StatusDone), string(models.StatusError)).Scan(
		&metrics.TotalJobs, &metrics.PendingJobs, &metrics.RunningJobs,
		&metrics.CompletedJobs, &metrics.FailedJobs)
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Helper functions

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	var artifactPath, errorMessage sql.NullString
	var startedAt, finishedAt, leasedUntil sql.NullTime

	err := row.Scan(&job.ID, &job.RequestedBy, &status, &job.Period, &job.Customer,
		&artifactPath, &errorMessage, &job.TraceID, &job.CreatedAt,
		&startedAt, &finishedAt, &leasedUntil)
	if err != nil {
		return nil, err
	}

	job.Status = models.Status(status)
	job.ArtifactPath = artifactPath.String
	job.ErrorMessage = errorMessage.String
	job.StartedAt = nullTime(startedAt)
	job.FinishedAt = nullTime(finishedAt)
	job.LeasedUntil = nullTime(leasedUntil)
	return &job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
