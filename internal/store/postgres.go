package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, status, total_resources, processed_resources, failed_resources,
	error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.TotalResources, &j.ProcessedResources, &j.FailedResources,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts job and fills in its generated id and timestamps.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if models.IsTerminal(job.Status) {
		completedAt = &now
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO batch_jobs (status, total_resources, error_message, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 RETURNING id, created_at, updated_at`,
		job.Status, job.TotalResources, job.ErrorMessage, completedAt, now,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	job.CompletedAt = completedAt
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first. A non-positive limit returns all jobs.
func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to status, stamping started_at on running and
// completed_at on a terminal status. The current status is read under a row
// lock so concurrent transitions cannot both succeed.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdate(opts...)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job status update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var currentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !CanTransition(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE batch_jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
	}

	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job status update: %w", err)
	}
	return nil
}

// UpdateJobProgress records the processed and failed counters. Counters never move backwards.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id int64, processed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs
		 SET processed_resources = GREATEST(processed_resources, $2),
		     failed_resources = GREATEST(failed_resources, $3),
		     updated_at = NOW()
		 WHERE id = $1`, id, processed, failed)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, msg string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs
		 SET status = 'failed', error_message = $1, completed_at = NOW(), updated_at = NOW()
		 WHERE status IN ('queued', 'running')`, msg)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Resource analyses ---

const analysisColumns = `id, job_id, vm_id, vm_type, vm_name, node, config, analysis, security_review,
	optimization_recommendations, terraform_template, ansible_playbook, outcome, failed_stage, error,
	analyzed_at, created_at, updated_at`

func scanAnalysis(row pgx.Row) (*models.ResourceAnalysis, error) {
	var a models.ResourceAnalysis
	err := row.Scan(&a.ID, &a.JobID, &a.VMID, &a.VMType, &a.VMName, &a.Node, &a.Config, &a.Analysis,
		&a.SecurityReview, &a.OptimizationRecommendations, &a.TerraformTemplate, &a.AnsiblePlaybook,
		&a.Outcome, &a.FailedStage, &a.Error, &a.AnalyzedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertResourceAnalysis inserts or updates the record for (job, vm_type, vm_id).
// A record whose outcome is already terminal is left untouched.
func (s *PostgresStore) UpsertResourceAnalysis(ctx context.Context, a *models.ResourceAnalysis) error {
	now := time.Now().UTC()
	a.UpdatedAt = now
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.Outcome == "" {
		a.Outcome = models.OutcomePending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO vm_analyses (`+analysisColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (job_id, vm_type, vm_id) DO UPDATE SET
		   vm_name = EXCLUDED.vm_name,
		   node = EXCLUDED.node,
		   config = EXCLUDED.config,
		   analysis = EXCLUDED.analysis,
		   security_review = EXCLUDED.security_review,
		   optimization_recommendations = EXCLUDED.optimization_recommendations,
		   terraform_template = EXCLUDED.terraform_template,
		   ansible_playbook = EXCLUDED.ansible_playbook,
		   outcome = EXCLUDED.outcome,
		   failed_stage = EXCLUDED.failed_stage,
		   error = EXCLUDED.error,
		   analyzed_at = EXCLUDED.analyzed_at,
		   updated_at = EXCLUDED.updated_at
		 WHERE vm_analyses.outcome = 'pending'`,
		a.ID, a.JobID, a.VMID, a.VMType, a.VMName, a.Node, a.Config, a.Analysis, a.SecurityReview,
		a.OptimizationRecommendations, a.TerraformTemplate, a.AnsiblePlaybook, a.Outcome, a.FailedStage,
		a.Error, a.AnalyzedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("upsert resource analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResourceAnalyses(ctx context.Context, jobID int64) ([]*models.ResourceAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+analysisColumns+` FROM vm_analyses WHERE job_id = $1 ORDER BY vm_type, vm_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list resource analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*models.ResourceAnalysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

func (s *PostgresStore) GetResourceAnalysis(ctx context.Context, jobID int64, vmID string) (*models.ResourceAnalysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM vm_analyses WHERE job_id = $1 AND vm_id = $2
		 ORDER BY vm_type LIMIT 1`, jobID, vmID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resource analysis: %w", err)
	}
	return a, nil
}

// --- Reports ---

func (s *PostgresStore) InsertReport(ctx context.Context, r *models.Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO infrastructure_reports (id, job_id, report_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.JobID, r.Type, r.Content, r.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReports(ctx context.Context, jobID int64) ([]*models.Report, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, report_type, content, created_at
		 FROM infrastructure_reports WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []*models.Report{}
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.JobID, &r.Type, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
