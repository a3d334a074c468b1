package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pvebatch/internal/api/response"
	"github.com/kiranshivaraju/pvebatch/internal/batch"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobService defines the batch operations the handlers depend on.
// batch.Coordinator implements it.
type JobService interface {
	StartJob(ctx context.Context) (int64, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	GetJobDetail(ctx context.Context, id int64) (*models.JobDetail, error)
	GetJobStatus(ctx context.Context, id int64) (*models.JobProgress, error)
	GetResourceAnalysis(ctx context.Context, id int64, vmID string) (*models.ResourceAnalysis, error)
	CheckDownloadable(ctx context.Context, id int64) error
	DownloadJob(ctx context.Context, id int64, w io.Writer) error
	CancelJob(ctx context.Context, id int64) error
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/batch/jobs.
func NewStartJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := svc.StartJob(r.Context())
		if err != nil {
			if errors.Is(err, batch.ErrJobInProgress) {
				response.Error(w, http.StatusConflict, "JOB_IN_PROGRESS",
					"Another batch job is already running", nil)
				return
			}
			response.InternalError(w, r, err)
			return
		}
		response.Accepted(w, startJobResponse{JobID: id})
	}
}

type startJobResponse struct {
	JobID int64 `json:"job_id"`
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/batch/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxListLimit)
		}

		jobs, err := svc.ListJobs(r.Context(), limit)
		if err != nil {
			response.InternalError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.ListMeta{Limit: limit, Count: len(jobs)})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/batch/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		detail, err := svc.GetJobDetail(r.Context(), id)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/batch/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		p, err := svc.GetJobStatus(r.Context(), id)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewResourceAnalysisHandler returns an http.HandlerFunc for
// GET /api/v1/batch/jobs/{jobID}/analyses/{vmID}.
func NewResourceAnalysisHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		vmID := chi.URLParam(r, "vmID")
		a, err := svc.GetResourceAnalysis(r.Context(), id, vmID)
		if err != nil {
			if errors.Is(err, batch.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "ANALYSIS_NOT_FOUND",
					fmt.Sprintf("No analysis for resource %s in job %d", vmID, id), nil)
				return
			}
			response.InternalError(w, r, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/batch/jobs/{jobID}/download.
// The archive is streamed, so a failure after the first byte can only be logged.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := svc.CheckDownloadable(r.Context(), id); err != nil {
			writeJobError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="proxmox_batch_job_%d.zip"`, id))
		if err := svc.DownloadJob(r.Context(), id, w); err != nil {
			slog.Error("stream job archive failed", "job_id", id, "error", err)
		}
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/batch/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := svc.CancelJob(r.Context(), id); err != nil {
			writeJobError(w, r, err)
			return
		}
		response.Accepted(w, cancelJobResponse{JobID: id, Status: "cancelling"})
	}
}

type cancelJobResponse struct {
	JobID  int64  `json:"job_id"`
	Status string `json:"status"`
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, batch.ErrNotReady):
		response.Error(w, http.StatusConflict, "JOB_NOT_READY",
			"Job outputs are available once the job has completed", nil)
	case errors.Is(err, batch.ErrNotActive):
		response.Error(w, http.StatusConflict, "JOB_NOT_ACTIVE", "Job is not running", nil)
	default:
		response.InternalError(w, r, err)
	}
}
