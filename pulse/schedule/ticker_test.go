package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
	segtest "github.com/teranos/segpulse/internal/testing"
	"github.com/teranos/segpulse/pulse/async"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	results []SweepResult
}

func (b *recordingBroadcaster) BroadcastRetrySweep(r SweepResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, r)
}

func (b *recordingBroadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failFirstAttempt fails every item on a job's first attempt and creates it on retry
func failFirstAttempt() async.BatchExecutor {
	var mu sync.Mutex
	seen := map[string]bool{}
	return async.BatchExecutorFunc(func(_ context.Context, items []string) ([]async.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]async.Outcome, 0, len(items))
		for _, item := range items {
			status := async.OutcomeError
			if seen[item] {
				status = async.OutcomeCreated
			}
			seen[item] = true
			out = append(out, async.Outcome{ItemID: item, Status: status})
		}
		return out, nil
	})
}

func setup(t *testing.T) (*async.Scheduler, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	queue := async.NewQueue(segtest.CreateTestDB(t)).WithClock(c.Now)
	return async.NewScheduler(queue, failFirstAttempt(), async.DefaultSchedulerConfig(), nil), c
}

func waitingJob(t *testing.T, sched *async.Scheduler, item string) string {
	t.Helper()
	id, err := sched.Queue().SubmitJob(context.Background(), []string{item}, async.SubmitOptions{Source: "test"})
	require.NoError(t, err)
	require.NoError(t, sched.RunAttempt(context.Background(), id))

	job, err := sched.Queue().GetJob(id)
	require.NoError(t, err)
	require.Equal(t, async.JobStatusWaitingRetry, job.Status)
	return id
}

func TestSweepRunsDueRetries(t *testing.T) {
	sched, c := setup(t)
	b := &recordingBroadcaster{}
	sweeper := NewRetrySweeper(context.Background(), sched, b, DefaultSweeperConfig(), nil)

	ids := []string{waitingJob(t, sched, "A"), waitingJob(t, sched, "B")}

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Ran, "nothing is due yet")
	require.NotNil(t, result.NextRetry)
	assert.True(t, result.NextRetry.Equal(c.Now().Add(async.DefaultRetryDelay)))
	assert.Equal(t, 2, result.ActiveJobs)
	assert.Zero(t, b.Count())

	c.Advance(async.DefaultRetryDelay)
	result, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ran)
	assert.Nil(t, result.NextRetry)
	assert.Zero(t, result.ActiveJobs)
	assert.Equal(t, 1, b.Count())

	for _, id := range ids {
		job, err := sched.Queue().GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, async.JobStatusCompleted, job.Status)
	}

	stats := sweeper.GetStats()
	assert.Equal(t, 2, stats["last_result"].(SweepResult).Ran)
}

func TestSetBroadcasterAfterConstruction(t *testing.T) {
	sched, c := setup(t)
	sweeper := NewRetrySweeper(context.Background(), sched, nil, DefaultSweeperConfig(), nil)
	waitingJob(t, sched, "A")

	b := &recordingBroadcaster{}
	sweeper.SetBroadcaster(b)

	c.Advance(async.DefaultRetryDelay)
	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ran)
	assert.Equal(t, 1, b.Count())
}

func TestSweepSkipsCancelledJobs(t *testing.T) {
	sched, c := setup(t)
	sweeper := NewRetrySweeper(context.Background(), sched, nil, DefaultSweeperConfig(), nil)

	id := waitingJob(t, sched, "A")
	require.NoError(t, sched.Queue().CancelJob(context.Background(), id))

	c.Advance(time.Hour)
	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Ran)

	job, err := sched.Queue().GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusCancelled, job.Status)
}

func TestSweeperLoopRunsOnInterval(t *testing.T) {
	sched, c := setup(t)
	id := waitingJob(t, sched, "A")
	c.Advance(async.DefaultRetryDelay)

	sweeper := NewRetrySweeper(context.Background(), sched, nil, SweeperConfig{Interval: 10 * time.Millisecond}, nil)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		job, err := sched.Queue().GetJob(id)
		return err == nil && job.Status == async.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return sweeper.GetStats()["ticks_since_start"].(int64) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweeperStopsWithParentContext(t *testing.T) {
	sched, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	sweeper := NewRetrySweeper(ctx, sched, nil, SweeperConfig{Interval: 10 * time.Millisecond}, nil)
	sweeper.Start()
	cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepReportsStoreErrors(t *testing.T) {
	sched, _ := setup(t)
	b := &recordingBroadcaster{}
	sweeper := NewRetrySweeper(context.Background(), sched, b, DefaultSweeperConfig(), nil)

	require.NoError(t, sched.Queue().Store().DB().Close())

	result, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, result.Error, "failed to run due retries")
	assert.Equal(t, 1, b.Count())
	assert.False(t, errors.IsNotFoundError(err))
}

func TestDefaultSweeperConfig(t *testing.T) {
	sweeper := NewRetrySweeper(context.Background(), nil, nil, SweeperConfig{}, nil)
	assert.Equal(t, DefaultSweeperConfig(), sweeper.cfg)
}

func TestActivityMessage(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	next := now.Add(90 * time.Second)

	assert.Equal(t, "Pulse - no retries scheduled", activityMessage(0, nil, now))
	assert.Equal(t, "꩜ Pulse - no retries scheduled, 3 jobs active", activityMessage(3, nil, now))
	assert.Equal(t, "꩜ ꩜ Pulse - next retry in 1m30s, 7 jobs active", activityMessage(7, &next, now))
	assert.Equal(t, "Pulse - next retry in 0s", activityMessage(0, &now, next))
}
