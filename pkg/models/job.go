package models

import (
	"math"
	"time"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job tracks one batch-analysis run over a snapshot of the cluster inventory.
// The API returns the job id on POST /api/v1/batch/jobs; the client polls
// GET /api/v1/batch/jobs/{job_id}/status until status is completed or failed.
type Job struct {
	ID                 int64      `db:"id"                  json:"id"`
	Status             string     `db:"status"              json:"status"`
	TotalResources     int        `db:"total_resources"     json:"total_resources"`
	ProcessedResources int        `db:"processed_resources" json:"processed_resources"`
	FailedResources    int        `db:"failed_resources"    json:"failed_resources"`
	ErrorMessage       *string    `db:"error_message"       json:"error_message,omitempty"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Progress is a point-in-time view of a job's resource counters.
type Progress struct {
	Processed  int `json:"processed"`
	Total      int `json:"total"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// JobProgress is the polled status snapshot for a job.
type JobProgress struct {
	JobID        int64      `json:"job_id"`
	Status       string     `json:"status"`
	Progress     Progress   `json:"progress"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewProgress builds a Progress with percentage = round(processed*100/total),
// or 0 when total is 0.
func NewProgress(processed, total, failed int) Progress {
	p := Progress{Processed: processed, Total: total, Failed: failed}
	if total > 0 {
		p.Percentage = int(math.Round(float64(processed) * 100 / float64(total)))
	}
	return p
}

// Snapshot returns the status snapshot of j.
func (j *Job) Snapshot() JobProgress {
	return JobProgress{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     NewProgress(j.ProcessedResources, j.TotalResources, j.FailedResources),
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}
