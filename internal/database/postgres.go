package database

import (
	"context"
	"crypto/sha256"
	"errors"
	"extrato-queue/internal/models"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresDB is the job store backed by a pgx connection pool
type PostgresDB struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects to PostgreSQL and verifies the connection
func NewPostgres(ctx context.Context, params ConnectionParams) (*PostgresDB, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		params.Host,
		params.Port,
		params.User,
		params.Password,
		params.DBName,
		params.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

// Close closes the connection pool
func (p *PostgresDB) Close() error {
	p.Pool.Close()
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS extrato_jobs (
		id BIGSERIAL PRIMARY KEY,
		requested_by BIGINT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'done', 'error')),
		period TEXT NOT NULL,
		customer TEXT NOT NULL,
		artifact_path TEXT,
		error_message TEXT,
		trace_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		leased_until TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extrato_jobs_status ON extrato_jobs(status, id)`,
	`CREATE INDEX IF NOT EXISTS idx_extrato_jobs_requester ON extrato_jobs(requested_by, id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_extrato_jobs_in_flight
		ON extrato_jobs(requested_by) WHERE status IN ('pending', 'running')`,
}

// InitSchema initializes the database schema
func (p *PostgresDB) InitSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// requesterLockID derives the advisory lock key that serializes submissions per requester
func requesterLockID(requesterID int64) int64 {
	h := sha256.New()
	h.Write([]byte("extrato_jobs:submit:"))
	h.Write([]byte(strconv.FormatInt(requesterID, 10)))
	hash := h.Sum(nil)

	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}

// SubmitJob inserts job unless the requester already has one pending or running
func (p *PostgresDB) SubmitJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("rollback failed", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", requesterLockID(job.RequestedBy)); err != nil {
		return nil, false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	existing, err := scanPgJob(tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM extrato_jobs
		WHERE requested_by = $1 AND status IN ($2, $3)
		ORDER BY id DESC LIMIT 1
	`, job.RequestedBy, string(models.StatusPending), string(models.StatusRunning)))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	created, err := scanPgJob(tx.QueryRow(ctx, `
		INSERT INTO extrato_jobs (requested_by, status, period, customer, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		job.RequestedBy, string(models.StatusPending), job.Period, job.Customer, job.TraceID, job.CreatedAt.UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, false, fmt.Errorf("requester %d already has a job in flight: %w", job.RequestedBy, models.ErrConflict)
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, true, nil
}

// ActiveJobForRequester returns the requester's pending or running job, or nil
func (p *PostgresDB) ActiveJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error) {
	job, err := scanPgJob(p.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM extrato_jobs
		WHERE requested_by = $1 AND status IN ($2, $3)
		ORDER BY id DESC LIMIT 1
	`, requesterID, string(models.StatusPending), string(models.StatusRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// LatestJobForRequester returns the most recently created job of the requester, or nil
func (p *PostgresDB) LatestJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error) {
	job, err := scanPgJob(p.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM extrato_jobs WHERE requested_by = $1
		ORDER BY id DESC LIMIT 1
	`, requesterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// GetJobByID retrieves a job by its ID
func (p *PostgresDB) GetJobByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanPgJob(p.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM extrato_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ClaimNextJob claims the oldest claimable job with SKIP LOCKED so concurrent claimers
// never select the same row.
func (p *PostgresDB) ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	now = now.UTC()
	var leasedUntil *time.Time
	if lease > 0 {
		t := now.Add(lease)
		leasedUntil = &t
	}

	job, err := scanPgJob(p.Pool.QueryRow(ctx, `
		UPDATE extrato_jobs
		SET status = $1, started_at = COALESCE(started_at, $2), error_message = NULL, leased_until = $3
		WHERE id = (
			SELECT id FROM extrato_jobs
			WHERE status = $4 OR (status = $1 AND leased_until IS NOT NULL AND leased_until < $2)
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(models.StatusRunning), now, leasedUntil, string(models.StatusPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error claiming job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a pending or running job as done with its artifact location
func (p *PostgresDB) CompleteJob(ctx context.Context, id int64, artifactPath string, now time.Time) (*models.Job, error) {
	job, err := scanPgJob(p.Pool.QueryRow(ctx, `
		UPDATE extrato_jobs
		SET status = $1, artifact_path = $2, finished_at = COALESCE(finished_at, $3),
		    error_message = NULL, leased_until = NULL
		WHERE id = $4 AND status IN ($5, $6)
		RETURNING `+jobColumns,
		string(models.StatusDone), artifactPath, now.UTC(), id,
		string(models.StatusPending), string(models.StatusRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := p.GetJobByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %d is %s: %w", id, current.Status, models.ErrConflict)
	}
	return job, err
}

// FailJob marks any existing job as failed. finished_at keeps its first value.
func (p *PostgresDB) FailJob(ctx context.Context, id int64, message string, now time.Time) (*models.Job, error) {
	job, err := scanPgJob(p.Pool.QueryRow(ctx, `
		UPDATE extrato_jobs
		SET status = $1, finished_at = COALESCE(finished_at, $2), error_message = $3, leased_until = NULL
		WHERE id = $4
		RETURNING `+jobColumns,
		string(models.StatusError), now.UTC(), message, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, models.ErrNotFound)
	}
	return job, err
}

// CountCreatedSince returns how many jobs the requester created at or after since
func (p *PostgresDB) CountCreatedSince(ctx context.Context, requesterID int64, since time.Time) (int, error) {
	var count int
	err := p.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM extrato_jobs WHERE requested_by = $1 AND created_at >= $2",
		requesterID, since.UTC(),
	).Scan(&count)
	return count, err
}

// GetMetrics retrieves queue counters
func (p *PostgresDB) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	var metrics models.Metrics
	err := p.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'running'),
		       COUNT(*) FILTER (WHERE status = 'done'),
		       COUNT(*) FILTER (WHERE status = 'error')
		FROM extrato_jobs
	`).Scan(&metrics.TotalJobs, &metrics.PendingJobs, &metrics.RunningJobs,
		&metrics.CompletedJobs, &metrics.FailedJobs)
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var status string
	var artifactPath, errorMessage *string

	err := row.Scan(&job.ID, &job.RequestedBy, &status, &job.Period, &job.Customer,
		&artifactPath, &errorMessage, &job.TraceID, &job.CreatedAt,
		&job.StartedAt, &job.FinishedAt, &job.LeasedUntil)
	if err != nil {
		return nil, err
	}

	job.Status = models.Status(status)
	if artifactPath != nil {
		job.ArtifactPath = *artifactPath
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	job.CreatedAt = job.CreatedAt.UTC()
	for _, t := range []*time.Time{job.StartedAt, job.FinishedAt, job.LeasedUntil} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &job, nil
}
