package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/pvebatch/internal/store"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// Tracker counts per-resource terminal outcomes for one job. It is the only
// writer of the job's progress counters.
type Tracker struct {
	store      store.Store
	cache      StatusCache
	ttl        time.Duration
	onComplete func()

	mu        sync.Mutex
	base      models.JobProgress
	processed int
	failed    int
	seen      map[string]struct{}
}

// NewTracker creates a Tracker for job. onComplete runs once, outside the lock,
// when the last resource is recorded. cache may be nil.
func NewTracker(job *models.Job, st store.Store, cache StatusCache, ttl time.Duration, onComplete func()) *Tracker {
	return &Tracker{
		store:      st,
		cache:      cache,
		ttl:        ttl,
		onComplete: onComplete,
		base:       job.Snapshot(),
		processed:  job.ProcessedResources,
		failed:     job.FailedResources,
		seen:       make(map[string]struct{}),
	}
}

// Record counts the terminal outcome of the resource identified by key.
// A key that was already recorded is ignored. A persistence failure is
// returned; the in-memory counters still advance.
func (t *Tracker) Record(ctx context.Context, key, outcome string) error {
	t.mu.Lock()
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		slog.Warn("resource outcome recorded twice", "job_id", t.base.JobID, "resource", key)
		return nil
	}
	t.seen[key] = struct{}{}
	t.processed++
	if outcome != models.OutcomeSucceeded {
		t.failed++
	}
	processed, failed, total := t.processed, t.failed, t.base.Progress.Total

	err := t.store.UpdateJobProgress(ctx, t.base.JobID, processed, failed)
	if err == nil {
		t.mirror(ctx, processed, failed)
	}
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist job progress: %w", err)
	}
	if processed == total && t.onComplete != nil {
		t.onComplete()
	}
	return nil
}

// Counts returns the processed and failed counters.
func (t *Tracker) Counts() (processed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed, t.failed
}

// Snapshot returns the current progress with the given status.
func (t *Tracker) Snapshot(status string) models.JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.base
	p.Status = status
	p.Progress = models.NewProgress(t.processed, p.Progress.Total, t.failed)
	return p
}

// mirror must be called with t.mu held.
func (t *Tracker) mirror(ctx context.Context, processed, failed int) {
	if t.cache == nil {
		return
	}
	p := t.base
	p.Status = models.JobStatusRunning
	p.Progress = models.NewProgress(processed, p.Progress.Total, failed)
	if err := t.cache.SetJobProgress(ctx, p, t.ttl); err != nil {
		slog.Warn("mirror job progress failed", "job_id", p.JobID, "error", err)
	}
}
