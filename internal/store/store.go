package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id int64, processed, failed int) error
	// FailStaleJobs marks every non-terminal job failed with msg and returns how many were touched.
	FailStaleJobs(ctx context.Context, msg string) (int64, error)

	UpsertResourceAnalysis(ctx context.Context, a *models.ResourceAnalysis) error
	ListResourceAnalyses(ctx context.Context, jobID int64) ([]*models.ResourceAnalysis, error)
	GetResourceAnalysis(ctx context.Context, jobID int64, vmID string) (*models.ResourceAnalysis, error)

	InsertReport(ctx context.Context, r *models.Report) error
	ListReports(ctx context.Context, jobID int64) ([]*models.Report, error)
}

// JobUpdate holds the optional fields of a status update.
type JobUpdate struct {
	ErrorMessage *string
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdate resolves opts into a JobUpdate.
func ApplyJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

var validTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
