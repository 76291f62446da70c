package jobs

import (
	"context"
	"errors"
	"extrato-queue/internal/artifact"
	"extrato-queue/internal/models"
	"extrato-queue/internal/ratelimit"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact is an opened PDF ready to be streamed to its requester
type Artifact struct {
	Body        io.ReadCloser
	FileName    string
	ContentType string
}

// Queue serves the requester-facing operations
type Queue struct {
	store     Store
	artifacts artifact.Store
	limiter   *ratelimit.RateLimiter
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue creates a new requester-facing queue. limiter may be nil.
func NewQueue(store Store, artifacts artifact.Store, limiter *ratelimit.RateLimiter, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		artifacts: artifacts,
		limiter:   limiter,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit returns the requester's in-flight job, or queues a new one. created reports
// whether a job was inserted.
func (q *Queue) Submit(ctx context.Context, req models.Requester, period, customer string) (job *models.Job, created bool, err error) {
	existing, err := q.store.ActiveJobForRequester(ctx, req.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := q.now().UTC()
	ok, err := q.limiter.Allow(ctx, req.ID, now)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		q.logger.Warn("submission rate limit exceeded", "event", "rate_limit", "requester", req.ID)
		return nil, false, fmt.Errorf("requester %d: %w", req.ID, models.ErrRateLimited)
	}

	job, created, err = q.store.SubmitJob(ctx, &models.Job{
		RequestedBy: req.ID,
		Period:      withDefault(period, q.opts.DefaultPeriod),
		Customer:    withDefault(customer, q.opts.DefaultCustomer),
		TraceID:     uuid.NewString(),
		CreatedAt:   now,
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		q.logger.Info("job submitted", "event", "submit", "trace_id", job.TraceID,
			"job_id", job.ID, "requester", req.ID, "status", job.Status)
	}
	return job, created, nil
}

// LatestForRequester returns the requester's newest job, or nil when there is none
func (q *Queue) LatestForRequester(ctx context.Context, req models.Requester) (*models.Job, error) {
	return q.store.LatestJobForRequester(ctx, req.ID)
}

// FetchArtifact opens the PDF of a finished job. The caller closes Body.
func (q *Queue) FetchArtifact(ctx context.Context, jobID int64, req models.Requester) (*Artifact, error) {
	job, err := q.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !req.Admin && job.RequestedBy != req.ID {
		return nil, fmt.Errorf("job %d belongs to another requester: %w", jobID, models.ErrForbidden)
	}
	if !job.ArtifactAvailable() {
		return nil, fmt.Errorf("job %d has no pdf (status %s): %w", jobID, job.Status, models.ErrNotFound)
	}

	body, err := q.artifacts.Open(ctx, job.ArtifactPath)
	if err != nil {
		q.logger.Error("artifact unavailable", "trace_id", job.TraceID, "job_id", job.ID,
			"path", job.ArtifactPath, "error", err)
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("job %d pdf file missing: %w", jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("open pdf of job %d: %w", jobID, err)
	}

	return &Artifact{
		Body:        body,
		FileName:    filepath.Base(job.ArtifactPath),
		ContentType: "application/pdf",
	}, nil
}

// Metrics returns queue counters to administrators
func (q *Queue) Metrics(ctx context.Context, req models.Requester) (*models.Metrics, error) {
	if !req.Admin {
		return nil, fmt.Errorf("metrics require an administrator: %w", models.ErrForbidden)
	}
	return q.store.GetMetrics(ctx)
}

func withDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}
