package worker

import (
	"context"
	"errors"
	"extrato-queue/internal/artifact"
	"extrato-queue/internal/models"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// AgentAPI is the server side of the worker protocol
type AgentAPI interface {
	Next(ctx context.Context) (*models.JobView, error)
	Complete(ctx context.Context, jobID int64, fileName string, pdf []byte) error
	Fail(ctx context.Context, jobID int64, message string) error
}

// Config holds the worker loop settings
type Config struct {
	PollInterval    time.Duration
	GenerateTimeout time.Duration
	FailMessageMax  int
	ReportRetries   int
	// RetryBase is the first Fibonacci backoff step between report attempts.
	RetryBase time.Duration
}

// Worker claims jobs, generates their PDFs and reports the outcome
type Worker struct {
	api    AgentAPI
	gen    Generator
	cfg    Config
	logger *slog.Logger
}

// New creates a new worker
func New(api AgentAPI, gen Generator, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.ReportRetries < 0 {
		cfg.ReportRetries = 0
	}
	return &Worker{
		api:    api,
		gen:    gen,
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the worker until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker shutting down")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. processed reports whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (processed bool, err error) {
	job, err := w.api.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.logger.Info("job claimed", "event", "claim", "job_id", job.ID, "period", job.Period,
		"customer", job.Customer)

	start := time.Now()
	pdf, err := w.generate(ctx, job)
	if err != nil {
		w.logger.Warn("generation failed", "job_id", job.ID, "error", err)
		return true, w.reportFailure(ctx, job.ID, err.Error())
	}

	fileName := artifact.FileName(job.ID, job.Period, job.Customer)
	err = w.report(ctx, job.ID, "complete", func(ctx context.Context) error {
		return w.api.Complete(ctx, job.ID, fileName, pdf)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			w.logger.Warn("job no longer accepts a pdf", "job_id", job.ID, "error", err)
			return true, err
		}
		if !retryable(err) {
			w.logger.Warn("server refused the pdf", "job_id", job.ID, "error", err)
			return true, w.reportFailure(ctx, job.ID, "pdf rejected: "+err.Error())
		}
		w.logger.Error("pdf upload gave up", "job_id", job.ID, "error", err)
		return true, w.reportFailure(ctx, job.ID, "failed to upload pdf: "+err.Error())
	}

	w.logger.Info("job finished", "event", "finish", "job_id", job.ID, "bytes", len(pdf),
		"duration", time.Since(start))
	return true, nil
}

// generate runs the generator under the local timeout, turning panics into errors
func (w *Worker) generate(ctx context.Context, job *models.JobView) (pdf []byte, err error) {
	if w.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.GenerateTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &GenerationError{Step: "generator", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	pdf, err = w.gen.Generate(ctx, Params{JobID: job.ID, Period: job.Period, Customer: job.Customer})
	if errors.Is(err, context.DeadlineExceeded) || (err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return nil, fmt.Errorf("generation timed out after %s: %w", w.cfg.GenerateTimeout, err)
	}
	if err == nil && len(pdf) == 0 {
		err = &GenerationError{Step: "generator", Err: errors.New("empty pdf")}
	}
	return pdf, err
}

func (w *Worker) reportFailure(ctx context.Context, jobID int64, message string) error {
	message = models.TruncateRunes(strings.TrimSpace(message), w.cfg.FailMessageMax)
	err := w.report(ctx, jobID, "fail", func(ctx context.Context) error {
		return w.api.Fail(ctx, jobID, message)
	})
	if err != nil {
		w.logger.Error("failure report not delivered", "job_id", jobID, "error", err)
		return err
	}
	w.logger.Warn("job failed", "event", "fail", "job_id", jobID, "error_message", message)
	return nil
}

// report retries transient errors with Fibonacci backoff
func (w *Worker) report(ctx context.Context, jobID int64, action string, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(w.cfg.RetryBase)
	return retry.Do(ctx, retry.WithMaxRetries(uint64(w.cfg.ReportRetries), b), func(ctx context.Context) error {
		err := task(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		w.logger.Warn(action+" report failed, will retry", "job_id", jobID, "error", err)
		return retry.RetryableError(err)
	})
}

// retryable reports whether err is a transport failure or a transient server answer
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, models.ErrRateLimited) {
		return true
	}
	for _, permanent := range []error{
		models.ErrInvalidInput, models.ErrUnauthorized, models.ErrForbidden,
		models.ErrNotFound, models.ErrConflict,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusRequestTimeout
	}
	return true
}
