package async

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	segtest "github.com/teranos/segpulse/internal/testing"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedExecutor answers each call with the next step of its script;
// the last step repeats once the script runs out.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls [][]string
	steps []func(items []string) ([]Outcome, error)
}

func newScriptedExecutor(steps ...func(items []string) ([]Outcome, error)) *scriptedExecutor {
	return &scriptedExecutor{steps: steps}
}

func (e *scriptedExecutor) Execute(_ context.Context, items []string) ([]Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), items...))
	step := e.steps[min(len(e.calls), len(e.steps))-1]
	e.mu.Unlock()
	return step(items)
}

func (e *scriptedExecutor) Calls() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.calls...)
}

// respond builds a script step from "ITEM:status" pairs
func respond(pairs ...string) func([]string) ([]Outcome, error) {
	return func([]string) ([]Outcome, error) {
		out := make([]Outcome, 0, len(pairs))
		for _, p := range pairs {
			item, status, _ := strings.Cut(p, ":")
			out = append(out, Outcome{ItemID: item, Status: OutcomeStatus(status)})
		}
		return out, nil
	}
}

// respondAll answers every requested item with status
func respondAll(status OutcomeStatus) func([]string) ([]Outcome, error) {
	return func(items []string) ([]Outcome, error) {
		out := make([]Outcome, 0, len(items))
		for _, item := range items {
			out = append(out, Outcome{ItemID: item, Status: status})
		}
		return out, nil
	}
}

// recordingSink keeps every completion it receives
type recordingSink struct {
	mu          sync.Mutex
	jobIDs      []string
	completions []Completion
}

func (r *recordingSink) Notify(_ context.Context, jobID string, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs = append(r.jobIDs, jobID)
	r.completions = append(r.completions, c)
	return nil
}

func (r *recordingSink) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions)
}

func (r *recordingSink) Last() Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completions[len(r.completions)-1]
}

type harness struct {
	queue *Queue
	clock *fakeClock
	sink  *recordingSink
	exec  *scriptedExecutor
	sched *Scheduler
}

func newHarness(t *testing.T, exec *scriptedExecutor) *harness {
	t.Helper()

	clock := newFakeClock()
	queue := NewQueue(segtest.CreateTestDB(t)).WithClock(clock.Now)
	sink := &recordingSink{}
	queue.SetNotifier(NewCompletionNotifier(sink, nil))

	return &harness{
		queue: queue,
		clock: clock,
		sink:  sink,
		exec:  exec,
		sched: NewScheduler(queue, exec, DefaultSchedulerConfig(), nil),
	}
}

func (h *harness) submit(t *testing.T, items ...string) string {
	t.Helper()
	id, err := h.queue.SubmitJob(context.Background(), items, SubmitOptions{Source: "test", Label: "batch"})
	require.NoError(t, err)
	return id
}

func (h *harness) run(t *testing.T, id string) *Job {
	t.Helper()
	require.NoError(t, h.sched.RunAttempt(context.Background(), id))
	job, err := h.queue.GetJob(id)
	require.NoError(t, err)
	return job
}

// drain returns the statuses published so far
func drain(ch chan *Job) []JobStatus {
	var out []JobStatus
	for {
		select {
		case job := <-ch:
			out = append(out, job.Status)
		default:
			return out
		}
	}
}
