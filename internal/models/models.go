package models

import "time"

// Status is the lifecycle state of an extrato job
type Status string

// Status constants
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// InFlight reports whether s counts against the one-job-per-requester rule
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRunning
}

// Job represents one requested extrato generation
type Job struct {
	ID           int64
	RequestedBy  int64
	Status       Status
	Period       string
	Customer     string
	ArtifactPath string
	ErrorMessage string
	TraceID      string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	LeasedUntil  *time.Time
}

// ArtifactAvailable is true only for finished jobs with a stored PDF
func (j *Job) ArtifactAvailable() bool {
	return j.Status == StatusDone && j.ArtifactPath != ""
}

// JobView is the wire representation shared by requesters and the agent
type JobView struct {
	ID                int64   `json:"id"`
	Status            Status  `json:"status"`
	Period            string  `json:"period"`
	Customer          string  `json:"customer"`
	ArtifactAvailable bool    `json:"artifact_available"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	CreatedAt         string  `json:"created_at,omitempty"`
	StartedAt         *string `json:"started_at,omitempty"`
	FinishedAt        *string `json:"finished_at,omitempty"`
}

// View converts a job into its wire representation
func (j *Job) View() *JobView {
	v := &JobView{
		ID:                j.ID,
		Status:            j.Status,
		Period:            j.Period,
		Customer:          j.Customer,
		ArtifactAvailable: j.ArtifactAvailable(),
		StartedAt:         formatTime(j.StartedAt),
		FinishedAt:        formatTime(j.FinishedAt),
	}
	if j.Status == StatusError {
		v.ErrorMessage = j.ErrorMessage
	}
	if !j.CreatedAt.IsZero() {
		v.CreatedAt = j.CreatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// Requester identifies the authenticated caller of the job queue API
type Requester struct {
	ID    int64
	Admin bool
}

// Metrics holds queue counters
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
}

// JobSubmitRequest represents a job submission request
type JobSubmitRequest struct {
	Period   string `json:"period,omitempty"`
	Customer string `json:"customer,omitempty"`
}
