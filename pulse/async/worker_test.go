package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.GetJob(id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestWorkerPoolRunsPendingJobs(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respondAll(OutcomeCreated)))

	pool := NewWorkerPool(context.Background(), h.sched, WorkerPoolConfig{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
	}, nil)
	pool.Start()
	defer pool.Stop()

	a := h.submit(t, "A")
	b := h.submit(t, "B", "C")

	waitForStatus(t, h.queue, a, JobStatusCompleted)
	job := waitForStatus(t, h.queue, b, JobStatusCompleted)
	assert.Equal(t, 2, job.SuccessCount)

	assert.Eventually(t, func() bool {
		processed, _ := pool.Stats()
		return processed == 2 && h.sink.Count() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPoolWakesOnSubmit(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respondAll(OutcomeCreated)))

	// Poll interval far longer than the test; only the wake-up can run the job
	pool := NewWorkerPool(context.Background(), h.sched, WorkerPoolConfig{
		Workers:      1,
		PollInterval: time.Hour,
	}, nil)
	pool.Start()
	defer pool.Stop()

	id := h.submit(t, "A")
	waitForStatus(t, h.queue, id, JobStatusCompleted)
}

func TestWorkerPoolLeavesRetriesToSweeper(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respond("A:error"), respondAll(OutcomeCreated)))
	id := h.submit(t, "A")
	h.run(t, id)
	h.clock.Advance(DefaultRetryDelay)

	pool := NewWorkerPool(context.Background(), h.sched, WorkerPoolConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	pool.Start()
	time.Sleep(100 * time.Millisecond)
	pool.Stop()

	job, err := h.queue.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusWaitingRetry, job.Status)
	assert.Len(t, h.exec.Calls(), 1)
}

func TestWorkerPoolRecoversOrphansOnStart(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respondAll(OutcomeCreated)))
	id := h.submit(t, "A")

	// A previous process claimed the job and died
	_, ok, err := h.sched.claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	h.clock.Advance(time.Hour)

	pool := NewWorkerPool(context.Background(), h.sched, WorkerPoolConfig{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		StaleAttemptAfter: 15 * time.Minute,
	}, nil)
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, h.queue, id, JobStatusCompleted)
}

func TestWorkerPoolStopAndRestart(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respondAll(OutcomeCreated)))

	pool := NewWorkerPool(context.Background(), h.sched, WorkerPoolConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	pool.Start()
	pool.Stop()

	pool.Start()
	defer pool.Stop()

	id := h.submit(t, "A")
	waitForStatus(t, h.queue, id, JobStatusCompleted)
}

func TestWorkerPoolParentContextStopsWorkers(t *testing.T) {
	h := newHarness(t, newScriptedExecutor(respondAll(OutcomeCreated)))
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewWorkerPool(ctx, h.sched, WorkerPoolConfig{PollInterval: 10 * time.Millisecond}, nil)
	assert.Equal(t, 1, pool.Workers())
	pool.Start()

	cancel()
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after parent context was cancelled")
	}
}

func TestDefaultWorkerPoolConfig(t *testing.T) {
	cfg := DefaultWorkerPoolConfig()
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.StaleAttemptAfter)
}
