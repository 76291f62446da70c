// Package jobs implements the extrato job queue: the requester-facing Queue and the
// worker-facing Agent, both operating on a shared Store.
package jobs

import (
	"context"
	"extrato-queue/internal/models"
	"time"
)

// Store is the durable job record. Implementations must run SubmitJob and ClaimNextJob as
// atomic units: SubmitJob never leaves two in-flight jobs for one requester and
// ClaimNextJob never hands one job to two callers.
type Store interface {
	SubmitJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	ActiveJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error)
	LatestJobForRequester(ctx context.Context, requesterID int64) (*models.Job, error)
	GetJobByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, id int64, artifactPath string, now time.Time) (*models.Job, error)
	FailJob(ctx context.Context, id int64, message string, now time.Time) (*models.Job, error)
	CountCreatedSince(ctx context.Context, requesterID int64, since time.Time) (int, error)
	GetMetrics(ctx context.Context) (*models.Metrics, error)
}

// Options carries the queue settings each service is constructed with
type Options struct {
	DefaultPeriod   string
	DefaultCustomer string
	// ErrorMaxLen caps stored failure messages, in runes.
	ErrorMaxLen int
	// LeaseTimeout > 0 lets a running job be claimed again once it has been held that long.
	LeaseTimeout time.Duration
}

const (
	defaultErrorMaxLen = 1000
	unknownError       = "Unknown error"
)
