package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/pvebatch/internal/store"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// --- store ---

// memStore is an in-memory store.Store that also checks job invariants on every write.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	jobs       map[int64]*models.Job
	history    map[int64][]string
	analyses   map[string]*models.ResourceAnalysis
	reports    []*models.Report
	violations []string

	createJobErr    error
	progressErr     error
	progressErrAt   int // fail UpdateJobProgress once processed reaches this value; 0 fails every call
	upsertErr       func(a *models.ResourceAnalysis) error
	statusErr       func(status string) error
	insertReportErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[int64]*models.Job),
		history:  make(map[int64][]string),
		analyses: make(map[string]*models.ResourceAnalysis),
	}
}

func analysisKey(jobID int64, vmType, vmID string) string {
	return fmt.Sprintf("%d/%s/%s", jobID, vmType, vmID)
}

func (s *memStore) Ping(_ context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	if s.createJobErr != nil {
		return s.createJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	cp := *job
	s.jobs[job.ID] = &cp
	s.history[job.ID] = []string{job.Status}
	return nil
}

func (s *memStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListJobs(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, id int64, status string, opts ...store.JobUpdateOption) error {
	if s.statusErr != nil {
		if err := s.statusErr(status); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		s.violations = append(s.violations, fmt.Sprintf("job %d: %s -> %s", id, j.Status, status))
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusRunning {
		j.StartedAt = &now
	}
	if models.IsTerminal(status) {
		j.CompletedAt = &now
	}
	if u := store.ApplyJobUpdate(opts...); u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	s.history[id] = append(s.history[id], status)
	return nil
}

func (s *memStore) UpdateJobProgress(_ context.Context, id int64, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progressErr != nil && (s.progressErrAt == 0 || processed >= s.progressErrAt) {
		return s.progressErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if processed < j.ProcessedResources || processed > j.TotalResources || failed > processed {
		s.violations = append(s.violations,
			fmt.Sprintf("job %d: progress %d/%d (was %d), failed %d", id, processed, j.TotalResources, j.ProcessedResources, failed))
	}
	j.ProcessedResources = processed
	j.FailedResources = failed
	return nil
}

func (s *memStore) FailStaleJobs(_ context.Context, msg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if !models.IsTerminal(j.Status) {
			j.Status = models.JobStatusFailed
			j.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpsertResourceAnalysis(_ context.Context, a *models.ResourceAnalysis) error {
	if s.upsertErr != nil {
		if err := s.upsertErr(a); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := analysisKey(a.JobID, a.VMType, a.VMID)
	if prev, ok := s.analyses[key]; ok && prev.Outcome != models.OutcomePending {
		s.violations = append(s.violations, "terminal record rewritten: "+key)
		return nil
	}
	s.analyses[key] = a.Clone()
	return nil
}

func (s *memStore) ListResourceAnalyses(_ context.Context, jobID int64) ([]*models.ResourceAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ResourceAnalysis
	for _, a := range s.analyses {
		if a.JobID == jobID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].VMType != out[k].VMType {
			return out[i].VMType < out[k].VMType
		}
		return out[i].VMID < out[k].VMID
	})
	return out, nil
}

func (s *memStore) GetResourceAnalysis(_ context.Context, jobID int64, vmID string) (*models.ResourceAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.analyses {
		if a.JobID == jobID && a.VMID == vmID {
			return a.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) InsertReport(_ context.Context, r *models.Report) error {
	if s.insertReportErr != nil {
		return s.insertReportErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports = append(s.reports, &cp)
	return nil
}

func (s *memStore) ListReports(_ context.Context, jobID int64) ([]*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Report
	for _, r := range s.reports {
		if r.JobID == jobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) statusHistory(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[id]...)
}

func (s *memStore) invariantViolations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

var _ store.Store = (*memStore)(nil)

// --- enumerator ---

type fakeEnumerator struct {
	resources []models.Resource
	err       error
}

func (e *fakeEnumerator) List(_ context.Context) ([]models.Resource, error) {
	if e.err != nil {
		return nil, e.err
	}
	return append([]models.Resource(nil), e.resources...), nil
}

// --- analysis client ---

type fakeClient struct {
	RunFunc       func(ctx context.Context, stage string, req models.StageRequest) (string, error)
	SummarizeFunc func(ctx context.Context, req models.SummaryRequest) (string, error)

	mu    sync.Mutex
	calls []string
}

func (c *fakeClient) Run(ctx context.Context, stage string, req models.StageRequest) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Resource.ID+":"+stage)
	c.mu.Unlock()
	if c.RunFunc != nil {
		return c.RunFunc(ctx, stage, req)
	}
	return fmt.Sprintf("%s for %s", stage, req.Resource.ID), nil
}

func (c *fakeClient) Summarize(ctx context.Context, req models.SummaryRequest) (string, error) {
	if c.SummarizeFunc != nil {
		return c.SummarizeFunc(ctx, req)
	}
	return "Executive summary", nil
}

func (c *fakeClient) callsFor(vmID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if len(call) > len(vmID) && call[:len(vmID)+1] == vmID+":" {
			out = append(out, call[len(vmID)+1:])
		}
	}
	return out
}

// --- artifacts ---

type fakeArtifacts struct {
	mu           sync.Mutex
	resources    []string
	summary      string
	consolidated int
	writeErr     map[string]error
}

func (f *fakeArtifacts) WriteResource(_ context.Context, _ int64, a *models.ResourceAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeErr[a.VMID]; err != nil {
		return err
	}
	f.resources = append(f.resources, a.VMID)
	return nil
}

func (f *fakeArtifacts) WriteSummary(_ context.Context, _ int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary = content
	return nil
}

func (f *fakeArtifacts) WriteConsolidated(_ context.Context, _ int64, analyses []*models.ResourceAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consolidated = len(analyses)
	return nil
}

func (f *fakeArtifacts) Archive(_ context.Context, jobID int64, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "archive of job %d:", jobID)
	for _, id := range f.resources {
		fmt.Fprintf(&buf, " %s", id)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (f *fakeArtifacts) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.resources...)
	sort.Strings(out)
	return out
}

// --- cache ---

type fakeCache struct {
	mu     sync.Mutex
	items  map[int64]models.JobProgress
	getErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[int64]models.JobProgress)}
}

func (c *fakeCache) SetJobProgress(_ context.Context, p models.JobProgress, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[p.JobID] = p
	return nil
}

func (c *fakeCache) GetJobProgress(_ context.Context, id int64) (*models.JobProgress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	p, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

// --- helpers ---

var errBoom = errors.New("boom")

func resourcesN(n int) []models.Resource {
	out := make([]models.Resource, n)
	for i := range out {
		typ := models.ResourceTypeQEMU
		if i%2 == 1 {
			typ = models.ResourceTypeLXC
		}
		out[i] = models.Resource{
			ID:     fmt.Sprintf("%d", 100+i),
			Type:   typ,
			Name:   fmt.Sprintf("guest-%d", 100+i),
			Node:   fmt.Sprintf("pve%d", i%2+1),
			Status: "running",
			Config: map[string]any{"cores": i + 1},
		}
	}
	return out
}
