package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningJob(t *testing.T, st *memStore, total int) *models.Job {
	t.Helper()
	job := &models.Job{Status: models.JobStatusQueued, TotalResources: total}
	require.NoError(t, st.CreateJob(context.Background(), job))
	require.NoError(t, st.UpdateJobStatus(context.Background(), job.ID, models.JobStatusRunning))
	job.Status = models.JobStatusRunning
	return job
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 50)
	var completions atomic.Int32
	tr := NewTracker(job, st, nil, time.Minute, func() { completions.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := models.OutcomeSucceeded
			if i%10 == 0 {
				outcome = models.OutcomeFailed
			}
			assert.NoError(t, tr.Record(context.Background(), fmt.Sprintf("qemu/%d", i), outcome))
		}()
	}
	wg.Wait()

	processed, failed := tr.Counts()
	assert.Equal(t, 50, processed)
	assert.Equal(t, 5, failed)
	assert.Equal(t, int32(1), completions.Load())

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.ProcessedResources)
	assert.Equal(t, 5, stored.FailedResources)
	assert.Empty(t, st.invariantViolations())
}

func TestTracker_DuplicateIgnored(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 2)
	var completions atomic.Int32
	tr := NewTracker(job, st, nil, time.Minute, func() { completions.Add(1) })

	require.NoError(t, tr.Record(context.Background(), "qemu/1", models.OutcomeSucceeded))
	require.NoError(t, tr.Record(context.Background(), "qemu/1", models.OutcomeFailed))

	processed, failed := tr.Counts()
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)
	assert.Zero(t, completions.Load())
}

func TestTracker_CancelledCountsAsFailed(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 1)
	tr := NewTracker(job, st, nil, time.Minute, nil)

	require.NoError(t, tr.Record(context.Background(), "lxc/1", models.OutcomeCancelled))
	processed, failed := tr.Counts()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)
}

func TestTracker_PersistFailure(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 1)
	st.progressErr = errBoom
	var completions atomic.Int32
	tr := NewTracker(job, st, nil, time.Minute, func() { completions.Add(1) })

	err := tr.Record(context.Background(), "qemu/1", models.OutcomeSucceeded)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, completions.Load(), "completion is not signalled when progress could not be stored")
}

func TestTracker_MirrorsToCache(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 4)
	now := time.Now().UTC()
	job.StartedAt = &now
	ca := newFakeCache()
	tr := NewTracker(job, st, ca, time.Minute, nil)

	require.NoError(t, tr.Record(context.Background(), "qemu/1", models.OutcomeSucceeded))
	require.NoError(t, tr.Record(context.Background(), "qemu/2", models.OutcomeFailed))

	p, ok, err := ca.GetJobProgress(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, p.Status)
	assert.Equal(t, models.Progress{Processed: 2, Total: 4, Failed: 1, Percentage: 50}, p.Progress)
	assert.Equal(t, &now, p.StartedAt)
}

func TestTracker_Snapshot(t *testing.T) {
	st := newMemStore()
	job := runningJob(t, st, 3)
	tr := NewTracker(job, st, nil, time.Minute, nil)
	require.NoError(t, tr.Record(context.Background(), "qemu/1", models.OutcomeSucceeded))

	snap := tr.Snapshot(models.JobStatusCompleted)
	assert.Equal(t, job.ID, snap.JobID)
	assert.Equal(t, models.JobStatusCompleted, snap.Status)
	assert.Equal(t, 33, snap.Progress.Percentage)
}
