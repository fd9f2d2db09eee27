package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/pulse/async"
)

func partialCompletion() async.Completion {
	return async.Completion{
		Status:       async.JobStatusCompletedWithErrors,
		Label:        "spring campaign",
		SuccessCount: 1,
		TotalCount:   2,
		FailedItems:  []string{"B"},
		ErrorMessage: "gave up after 3 attempts: B: rate limited",
		CompletedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core).Sugar())

	require.NoError(t, sink.Notify(context.Background(), "job-1", partialCompletion()))
	require.NoError(t, sink.Notify(context.Background(), "job-2", async.Completion{
		Status: async.JobStatusCompleted, SuccessCount: 2, TotalCount: 2,
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "job-1", entries[0].ContextMap()["job_id"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	require.NoError(t, rec.Notify(context.Background(), "job-1", partialCompletion()))
	require.NoError(t, rec.Notify(context.Background(), "job-2", partialCompletion()))

	assert.Len(t, rec.Deliveries(), 2)
	assert.Equal(t, 1, rec.CountFor("job-1"))
	assert.Equal(t, 0, rec.CountFor("job-3"))
}

func TestMultiDeliversToEverySink(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	failing := async.CompletionSinkFunc(func(context.Context, string, async.Completion) error {
		return errors.New("webhook down")
	})
	panicking := async.CompletionSinkFunc(func(context.Context, string, async.Completion) error {
		panic("boom")
	})

	err := Multi{a, failing, nil, panicking, b}.Notify(context.Background(), "job-1", partialCompletion())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 5 sinks failed")
	assert.Contains(t, err.Error(), "webhook down")

	assert.Equal(t, 1, a.CountFor("job-1"))
	assert.Equal(t, 1, b.CountFor("job-1"), "a failing sink does not stop later ones")

	require.NoError(t, Multi{a}.Notify(context.Background(), "job-2", partialCompletion()))
}

func newWebhook(t *testing.T, handler http.HandlerFunc) *WebhookSink {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink, err := NewWebhookSink(WebhookConfig{
		URL:            srv.URL + "/hooks/segments",
		AllowPrivate:   true,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return sink
}

func TestWebhookPostsPayload(t *testing.T) {
	var got map[string]any
	sink := newWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hooks/segments", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, sink.Notify(context.Background(), "job-1", partialCompletion()))

	assert.Equal(t, "segment_job.finished", got["event"])
	assert.Equal(t, "job-1", got["job_id"])
	assert.Equal(t, "completed_with_errors", got["status"])
	assert.Equal(t, float64(1), got["success_count"])
	assert.Equal(t, []any{"B"}, got["failed_items"])
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	sink := newWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, sink.Notify(context.Background(), "job-1", partialCompletion()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookGivesUp(t *testing.T) {
	t.Run("after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		sink := newWebhook(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})

		err := sink.Notify(context.Background(), "job-1", partialCompletion())
		require.Error(t, err)
		assert.Equal(t, int32(defaultWebhookAttempts), calls.Load())
	})

	t.Run("immediately on client error", func(t *testing.T) {
		var calls atomic.Int32
		sink := newWebhook(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusGone)
		})

		err := sink.Notify(context.Background(), "job-1", partialCompletion())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "410")
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestNewWebhookSinkValidatesURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{URL: "ftp://example.com/hook"})
	assert.Error(t, err)

	_, err = NewWebhookSink(WebhookConfig{URL: "http://localhost:9000/hook"})
	assert.Error(t, err, "loopback is blocked unless allowed")

	_, err = NewWebhookSink(WebhookConfig{URL: "https://hooks.example.com/segments"})
	assert.NoError(t, err)
}
