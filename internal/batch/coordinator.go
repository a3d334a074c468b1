package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pvebatch/internal/metrics"
	"github.com/kiranshivaraju/pvebatch/internal/store"
	"github.com/kiranshivaraju/pvebatch/internal/summary"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// Messages stored on jobs that end without a systemic error of their own.
const (
	MsgCancelled = "job cancelled"
	MsgShutdown  = "server shutting down"
)

// Options configures a Coordinator.
type Options struct {
	// PoolSize bounds the resources analyzed concurrently within one job.
	PoolSize int
	// Stages are the enabled pipeline stages, in order.
	Stages []Stage
	// SummaryReport enables the generated executive summary.
	SummaryReport bool
	// FailureThreshold fails a job once failed/total reaches it. Zero disables it.
	FailureThreshold float64
	// Exclusive rejects StartJob while another job is running.
	Exclusive bool
	// StatusTTL is how long mirrored progress lives in the cache.
	StatusTTL time.Duration
}

// Coordinator owns the lifecycle of batch jobs: it enumerates resources,
// fans them out over a Pool, and finalizes each job exactly once.
type Coordinator struct {
	enum      Enumerator
	client    AnalysisClient
	store     store.Store
	artifacts ArtifactWriter
	cache     StatusCache
	opts      Options
	pool      *Pool
	pipeline  *Pipeline

	mu       sync.Mutex
	runs     map[int64]*run
	starting bool
	wg       sync.WaitGroup
}

// NewCoordinator creates a Coordinator. cache may be nil.
func NewCoordinator(enum Enumerator, client AnalysisClient, st store.Store, artifacts ArtifactWriter,
	cache StatusCache, opts Options) *Coordinator {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 24 * time.Hour
	}
	return &Coordinator{
		enum:      enum,
		client:    client,
		store:     st,
		artifacts: artifacts,
		cache:     cache,
		opts:      opts,
		pool:      NewPool(opts.PoolSize),
		pipeline:  NewPipeline(opts.Stages, client, st),
		runs:      make(map[int64]*run),
	}
}

// run is the in-process state of one executing job.
type run struct {
	job       *models.Job
	resources []models.Resource
	nodes     []string
	tracker   *Tracker

	// dispatch stops scheduling new resources; work is observed by in-flight calls.
	dispatch     context.Context
	stopDispatch context.CancelFunc
	work         context.Context
	cancelWork   context.CancelFunc
	finalizeOnce sync.Once
	done         chan struct{}

	mu         sync.Mutex
	results    []*models.ResourceAnalysis
	systemic   error
	cancelMsg  string
	finalizing bool
}

// fail records the first systemic error and stops dispatch.
func (r *run) fail(err error) {
	r.mu.Lock()
	if r.systemic == nil {
		r.systemic = err
	}
	r.mu.Unlock()
	r.stopDispatch()
}

// cancel stops dispatch and in-flight work. It reports false once finalization began.
func (r *run) cancel(msg string) bool {
	r.mu.Lock()
	if r.finalizing {
		r.mu.Unlock()
		return false
	}
	if r.cancelMsg == "" {
		r.cancelMsg = msg
	}
	r.mu.Unlock()
	r.stopDispatch()
	r.cancelWork()
	return true
}

// StartJob enumerates the cluster and starts a job over the result. It returns
// as soon as the job is recorded; analysis continues in the background.
func (c *Coordinator) StartJob(ctx context.Context) (int64, error) {
	if c.opts.Exclusive {
		c.mu.Lock()
		if c.starting || len(c.runs) > 0 {
			c.mu.Unlock()
			return 0, ErrJobInProgress
		}
		c.starting = true
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.starting = false
			c.mu.Unlock()
		}()
	}

	resources, err := c.enum.List(ctx)
	if err != nil {
		return c.createFailedJob(ctx, fmt.Sprintf("enumerate resources: %v", err))
	}

	now := time.Now().UTC()
	job := &models.Job{
		Status:         models.JobStatusQueued,
		TotalResources: len(resources),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	metrics.JobsStarted.Inc()

	if len(resources) == 0 {
		if err := c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
			return job.ID, fmt.Errorf("completing empty job %d: %w", job.ID, err)
		}
		job.Status = models.JobStatusCompleted
		job.CompletedAt = &now
		slog.Info("batch job completed with empty inventory", "job_id", job.ID)
		metrics.JobsFinished.WithLabelValues(job.Status).Inc()
		c.mirror(ctx, job.Snapshot())
		return job.ID, nil
	}

	if err := c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		_ = c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(fmt.Sprintf("start job: %v", err)))
		metrics.JobsFinished.WithLabelValues(models.JobStatusFailed).Inc()
		return job.ID, fmt.Errorf("starting job %d: %w", job.ID, err)
	}
	job.Status = models.JobStatusRunning
	job.StartedAt = &now

	r := c.newRun(job, resources)
	c.mirror(ctx, job.Snapshot())

	c.mu.Lock()
	c.runs[job.ID] = r
	c.mu.Unlock()

	slog.Info("batch job started", "job_id", job.ID, "resources", len(resources), "pool_size", c.pool.Size())

	c.wg.Add(1)
	go c.execute(r)

	return job.ID, nil
}

func (c *Coordinator) createFailedJob(ctx context.Context, msg string) (int64, error) {
	now := time.Now().UTC()
	job := &models.Job{
		Status:       models.JobStatusFailed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	slog.Error("batch job failed before start", "job_id", job.ID, "error", msg)
	metrics.JobsStarted.Inc()
	metrics.JobsFinished.WithLabelValues(job.Status).Inc()
	c.mirror(ctx, job.Snapshot())
	return job.ID, nil
}

func (c *Coordinator) newRun(job *models.Job, resources []models.Resource) *run {
	r := &run{
		job:       job,
		resources: resources,
		nodes:     nodesOf(resources),
		results:   make([]*models.ResourceAnalysis, len(resources)),
		done:      make(chan struct{}),
	}
	r.dispatch, r.stopDispatch = context.WithCancel(context.Background())
	r.work, r.cancelWork = context.WithCancel(context.Background())
	r.tracker = NewTracker(job, c.store, c.cache, c.opts.StatusTTL, func() { c.finalize(r) })
	return r
}

// execute drives r from dispatch to finalization.
func (c *Coordinator) execute(r *run) {
	defer c.wg.Done()
	defer close(r.done)
	defer c.unregister(r.job.ID)
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	defer r.stopDispatch()
	defer r.cancelWork()

	defer func() {
		if v := recover(); v != nil {
			slog.Error("panic in batch job", "job_id", r.job.ID, "error", v)
			r.fail(fmt.Errorf("panic: %v", v))
			c.finalize(r)
		}
	}()

	undispatched := c.pool.Run(r.dispatch, r.resources,
		func(i int, res models.Resource) {
			result := c.pipeline.Execute(r.work, r.job.ID, res, r.nodes)
			c.complete(r, i, res, result.Analysis)
		},
		func(i int, res models.Resource, v any) {
			c.complete(r, i, res, c.panicRecord(r, i, res, v))
		},
	)
	if len(undispatched) > 0 {
		slog.Warn("batch job stopped before dispatching every resource",
			"job_id", r.job.ID, "undispatched", len(undispatched))
	}

	c.finalize(r)
}

// complete stores the terminal record of one resource and counts it.
func (c *Coordinator) complete(r *run, i int, res models.Resource, a *models.ResourceAnalysis) {
	r.mu.Lock()
	r.results[i] = a
	r.mu.Unlock()

	metrics.ResourcesProcessed.WithLabelValues(a.Outcome).Inc()
	if err := r.tracker.Record(context.WithoutCancel(r.work), res.Key(), a.Outcome); err != nil {
		slog.Error("batch job progress could not be recorded", "job_id", r.job.ID, "error", err)
		r.fail(err)
	}
}

// panicRecord converts a recovered pipeline panic into a failed record. A
// terminal record the pipeline already produced is kept as is.
func (c *Coordinator) panicRecord(r *run, i int, res models.Resource, v any) *models.ResourceAnalysis {
	r.mu.Lock()
	existing := r.results[i]
	r.mu.Unlock()
	if existing != nil {
		slog.Warn("panic after resource outcome was recorded", "job_id", r.job.ID, "vm_id", res.ID, "error", v)
		return existing
	}
	ctx := context.WithoutCancel(r.work)
	if saved, err := c.store.GetResourceAnalysis(ctx, r.job.ID, res.ID); err == nil &&
		saved.VMType == res.Type && saved.Outcome != models.OutcomePending {
		slog.Warn("panic after resource outcome was persisted", "job_id", r.job.ID, "vm_id", res.ID, "error", v)
		return saved
	}

	a := models.NewResourceAnalysis(r.job.ID, res)
	a.Outcome = models.OutcomeFailed
	msg := fmt.Sprintf("panic: %v", v)
	a.Error = &msg
	if err := c.store.UpsertResourceAnalysis(ctx, a); err != nil {
		slog.Warn("persist resource outcome failed", "job_id", r.job.ID, "vm_id", res.ID, "error", err)
	}
	return a
}

// finalize runs doFinalize once. sync.Once treats a panic as done, so a panic
// is turned into a failed terminal status here rather than leaving the job running.
func (c *Coordinator) finalize(r *run) {
	r.finalizeOnce.Do(func() {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			slog.Error("panic while finalizing batch job", "job_id", r.job.ID, "error", v)
			ctx := context.WithoutCancel(r.work)
			msg := fmt.Sprintf("finalize: panic: %v", v)
			if saved, savedMsg, ok := c.persistFinal(ctx, r.job.ID, models.JobStatusFailed, msg); ok {
				c.mirrorFinal(ctx, r, saved, savedMsg)
				metrics.JobsFinished.WithLabelValues(saved).Inc()
			}
		}()
		c.doFinalize(r)
	})
}

// doFinalize decides the terminal status of r. Artifacts and the summary
// report are only produced for a job that completes.
func (c *Coordinator) doFinalize(r *run) {
	r.mu.Lock()
	r.finalizing = true
	systemic, cancelMsg := r.systemic, r.cancelMsg
	r.mu.Unlock()

	ctx := context.WithoutCancel(r.work)
	id := r.job.ID
	total := r.job.TotalResources
	processed, failed := r.tracker.Counts()

	status := models.JobStatusCompleted
	var msg string
	switch {
	case systemic != nil:
		status, msg = models.JobStatusFailed, systemic.Error()
	case cancelMsg != "":
		status, msg = models.JobStatusFailed, cancelMsg
	case processed < total:
		status, msg = models.JobStatusFailed, fmt.Sprintf("only %d of %d resources were processed", processed, total)
	case c.opts.FailureThreshold > 0 && total > 0 && float64(failed)/float64(total) >= c.opts.FailureThreshold:
		status, msg = models.JobStatusFailed, fmt.Sprintf("%d of %d resources failed", failed, total)
	}

	if status == models.JobStatusCompleted {
		c.writeOutputs(ctx, r)
	}

	status, msg, ok := c.persistFinal(ctx, id, status, msg)
	if !ok {
		return
	}
	c.mirrorFinal(ctx, r, status, msg)
	metrics.JobsFinished.WithLabelValues(status).Inc()

	if status == models.JobStatusFailed {
		slog.Error("batch job failed", "job_id", id, "processed", processed, "failed", failed, "error", msg)
		return
	}
	slog.Info("batch job completed", "job_id", id, "processed", processed, "failed", failed)
}

// persistFinal writes the terminal status of job id. When the write fails it
// falls back to marking the job failed. It returns the status and message that
// were actually stored, and ok=false when neither write succeeded.
func (c *Coordinator) persistFinal(ctx context.Context, id int64, status, msg string) (string, string, bool) {
	err := c.store.UpdateJobStatus(ctx, id, status, errorMessage(msg)...)
	if err == nil {
		return status, msg, true
	}
	slog.Error("finalize job failed", "job_id", id, "status", status, "error", err)

	fallback := "finalize: " + err.Error()
	if msg != "" {
		fallback = msg + "; " + fallback
	}
	if err := c.store.UpdateJobStatus(ctx, id, models.JobStatusFailed, errorMessage(fallback)...); err != nil {
		slog.Error("mark job failed after finalize error", "job_id", id, "error", err)
		return "", "", false
	}
	return models.JobStatusFailed, fallback, true
}

func errorMessage(msg string) []store.JobUpdateOption {
	if msg == "" {
		return nil
	}
	return []store.JobUpdateOption{store.WithErrorMessage(msg)}
}

// mirrorFinal publishes the stored terminal status of r to the cache.
func (c *Coordinator) mirrorFinal(ctx context.Context, r *run, status, msg string) {
	snap := r.tracker.Snapshot(status)
	now := time.Now().UTC()
	snap.CompletedAt = &now
	if msg != "" {
		snap.ErrorMessage = &msg
	}
	c.mirror(ctx, snap)
}

// writeOutputs writes per-resource artifacts, the summary report and the
// consolidated IaC projects. Every step is best-effort.
func (c *Coordinator) writeOutputs(ctx context.Context, r *run) {
	id := r.job.ID

	r.mu.Lock()
	analyses := make([]*models.ResourceAnalysis, 0, len(r.results))
	for _, a := range r.results {
		if a != nil {
			analyses = append(analyses, a)
		}
	}
	r.mu.Unlock()

	for _, a := range analyses {
		if err := c.artifacts.WriteResource(ctx, id, a); err != nil {
			slog.Warn("write resource artifacts failed", "job_id", id, "vm_id", a.VMID, "error", err)
		}
	}

	stats := summary.Build(analyses)
	var narrative string
	if c.opts.SummaryReport {
		text, err := c.client.Summarize(ctx, summary.Request(stats, analyses, r.nodes))
		if err != nil {
			slog.Warn("generate summary failed", "job_id", id, "error", err)
		}
		narrative = text
	}
	content := summary.Render(id, stats, narrative, time.Now())

	if err := c.artifacts.WriteSummary(ctx, id, content); err != nil {
		slog.Warn("write summary failed", "job_id", id, "error", err)
	}
	report := &models.Report{
		ID:        uuid.New(),
		JobID:     id,
		Type:      models.ReportTypeSummary,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.InsertReport(ctx, report); err != nil {
		slog.Warn("insert summary report failed", "job_id", id, "error", err)
	}

	if err := c.artifacts.WriteConsolidated(ctx, id, analyses); err != nil {
		slog.Warn("write consolidated artifacts failed", "job_id", id, "error", err)
	}
}

func (c *Coordinator) unregister(id int64) {
	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
}

func (c *Coordinator) active(id int64) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

func (c *Coordinator) mirror(ctx context.Context, p models.JobProgress) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJobProgress(ctx, p, c.opts.StatusTTL); err != nil {
		slog.Warn("mirror job progress failed", "job_id", p.JobID, "error", err)
	}
}

// GetJobStatus returns the status and progress of a job. The cache is consulted
// first; a non-terminal cached entry for a job this process is not running is stale.
func (c *Coordinator) GetJobStatus(ctx context.Context, id int64) (*models.JobProgress, error) {
	if c.cache != nil {
		p, ok, err := c.cache.GetJobProgress(ctx, id)
		if err != nil {
			slog.Warn("read cached job progress failed", "job_id", id, "error", err)
		}
		if ok && (models.IsTerminal(p.Status) || c.active(id) != nil) {
			return p, nil
		}
	}

	job, err := c.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	p := job.Snapshot()
	return &p, nil
}

// GetJobDetail returns a job with its resource analyses and reports.
func (c *Coordinator) GetJobDetail(ctx context.Context, id int64) (*models.JobDetail, error) {
	job, err := c.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	analyses, err := c.store.ListResourceAnalyses(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing analyses: %w", err)
	}
	reports, err := c.store.ListReports(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return &models.JobDetail{Job: job, Analyses: analyses, Reports: reports}, nil
}

// GetResourceAnalysis returns the record of one resource within a job.
func (c *Coordinator) GetResourceAnalysis(ctx context.Context, id int64, vmID string) (*models.ResourceAnalysis, error) {
	a, err := c.store.GetResourceAnalysis(ctx, id, vmID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting analysis: %w", err)
	}
	return a, nil
}

// ListJobs returns up to limit jobs, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	jobs, err := c.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// DownloadJob streams the archive of a completed job's output to w.
func (c *Coordinator) DownloadJob(ctx context.Context, id int64, w io.Writer) error {
	if err := c.CheckDownloadable(ctx, id); err != nil {
		return err
	}
	return c.artifacts.Archive(ctx, id, w)
}

// CheckDownloadable returns ErrNotReady unless the job is completed.
func (c *Coordinator) CheckDownloadable(ctx context.Context, id int64) error {
	job, err := c.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusCompleted {
		return fmt.Errorf("%w: status is %s", ErrNotReady, job.Status)
	}
	return nil
}

// CancelJob stops a running job. In-flight resources end as cancelled and the
// job is finalized as failed in the background.
func (c *Coordinator) CancelJob(ctx context.Context, id int64) error {
	if r := c.active(id); r != nil && r.cancel(MsgCancelled) {
		slog.Info("batch job cancellation requested", "job_id", id)
		return nil
	}
	if _, err := c.getJob(ctx, id); err != nil {
		return err
	}
	return ErrNotActive
}

// Wait blocks until the run of job id finished or ctx is done. It returns
// immediately for a job this process is not running.
func (c *Coordinator) Wait(ctx context.Context, id int64) error {
	r := c.active(id)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs returns the ids of jobs running in this process.
func (c *Coordinator) ActiveJobs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every active job and waits for them to finalize.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.runs {
		r.cancel(MsgShutdown)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch jobs: %w", ctx.Err())
	}
}

func (c *Coordinator) getJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// nodesOf returns the distinct nodes of resources in first-seen order.
func nodesOf(resources []models.Resource) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, r := range resources {
		if !seen[r.Node] {
			seen[r.Node] = true
			nodes = append(nodes, r.Node)
		}
	}
	return nodes
}
