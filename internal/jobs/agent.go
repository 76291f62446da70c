package jobs

import (
	"context"
	"extrato-queue/internal/artifact"
	"extrato-queue/internal/models"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"
)

// Upload is a PDF reported by the worker
type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// Agent serves the worker-facing operations
type Agent struct {
	store     Store
	artifacts artifact.Store
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewAgent creates a new worker-facing coordinator
func NewAgent(store Store, artifacts artifact.Store, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ErrorMaxLen <= 0 {
		opts.ErrorMaxLen = defaultErrorMaxLen
	}
	return &Agent{
		store:     store,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// ClaimNext moves the oldest pending job to running. It returns nil when the queue is idle.
func (a *Agent) ClaimNext(ctx context.Context) (*models.Job, error) {
	job, err := a.store.ClaimNextJob(ctx, a.now().UTC(), a.opts.LeaseTimeout)
	if err != nil || job == nil {
		return nil, err
	}
	a.logger.Info("job claimed", "event", "claim", "trace_id", job.TraceID, "job_id", job.ID,
		"status", job.Status)
	return job, nil
}

// ReportSuccess stores the PDF of a pending or running job and marks it done
func (a *Agent) ReportSuccess(ctx context.Context, jobID int64, upload Upload) (*models.Job, error) {
	if err := validatePDF(upload); err != nil {
		return nil, err
	}

	job, err := a.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.InFlight() {
		return nil, fmt.Errorf("job %d is %s, not running: %w", jobID, job.Status, models.ErrConflict)
	}

	name := artifact.FileName(job.ID, job.Period, job.Customer)
	staged, err := a.artifacts.Save(ctx, artifact.StagingName(), upload.Body)
	if err != nil {
		return nil, fmt.Errorf("store artifact for job %d: %w", jobID, err)
	}

	// Only the report that completes the job publishes under the final name.
	done, err := a.store.CompleteJob(ctx, jobID, a.artifacts.Location(name), a.now().UTC())
	if err != nil {
		a.discardArtifact(ctx, jobID, staged)
		return nil, err
	}

	location, err := a.artifacts.Move(ctx, staged, name)
	if err != nil {
		a.discardArtifact(ctx, jobID, staged)
		a.logger.Error("failed to publish artifact", "trace_id", done.TraceID, "job_id", done.ID,
			"path", done.ArtifactPath, "error", err)
		if _, failErr := a.store.FailJob(ctx, jobID, "failed to store pdf", a.now().UTC()); failErr != nil {
			a.logger.Error("failed to mark job as failed", "job_id", jobID, "error", failErr)
		}
		return nil, fmt.Errorf("publish artifact for job %d: %w", jobID, err)
	}

	a.logger.Info("job finished", "event", "finish", "trace_id", done.TraceID, "job_id", done.ID,
		"status", done.Status, "path", location)
	return done, nil
}

// discardArtifact removes a staged PDF that was not published
func (a *Agent) discardArtifact(ctx context.Context, jobID int64, location string) {
	if err := a.artifacts.Remove(ctx, location); err != nil {
		a.logger.Warn("failed to discard artifact", "job_id", jobID, "path", location, "error", err)
	}
}

// ReportFailure marks any existing job as failed with a bounded message
func (a *Agent) ReportFailure(ctx context.Context, jobID int64, message string) (*models.Job, error) {
	if strings.TrimSpace(message) == "" {
		message = unknownError
	}
	message = models.TruncateRunes(message, a.opts.ErrorMaxLen)

	job, err := a.store.FailJob(ctx, jobID, message, a.now().UTC())
	if err != nil {
		return nil, err
	}
	a.logger.Warn("job failed", "event", "fail", "trace_id", job.TraceID, "job_id", job.ID,
		"error_message", job.ErrorMessage)
	return job, nil
}

var pdfMediaTypes = map[string]bool{
	"application/pdf":          true,
	"application/x-pdf":        true,
	"application/octet-stream": true,
}

func validatePDF(upload Upload) error {
	if !strings.HasSuffix(strings.ToLower(upload.FileName), ".pdf") {
		return fmt.Errorf("only PDF is accepted, got %q: %w", upload.FileName, models.ErrInvalidInput)
	}
	if upload.ContentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(upload.ContentType)
	if err != nil || !pdfMediaTypes[mediaType] {
		return fmt.Errorf("only PDF is accepted, got content type %q: %w", upload.ContentType, models.ErrInvalidInput)
	}
	return nil
}
