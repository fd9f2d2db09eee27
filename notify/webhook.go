package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/internal/httpclient"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/version"
)

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
)

// WebhookPayload is the JSON body posted to the webhook
type WebhookPayload struct {
	Event string `json:"event"`
	JobID string `json:"job_id"`
	async.Completion
}

// WebhookConfig configures a WebhookSink
type WebhookConfig struct {
	URL     string
	Timeout time.Duration // per request

	// MaxAttempts bounds deliveries for transient failures (5xx, 429, transport)
	MaxAttempts int
	// InitialBackoff is the wait before the second delivery
	InitialBackoff time.Duration

	AllowPrivate bool
	Logger       *zap.SugaredLogger
}

// WebhookSink POSTs each completion as JSON
type WebhookSink struct {
	cfg    WebhookConfig
	client *httpclient.SaferClient
	log    *zap.SugaredLogger
}

// NewWebhookSink validates the URL and creates the sink
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultWebhookAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	client := httpclient.New(httpclient.Options{Timeout: cfg.Timeout, AllowPrivate: cfg.AllowPrivate})
	if _, err := client.ValidateURL(cfg.URL); err != nil {
		return nil, errors.Wrapf(err, "invalid webhook URL %q", cfg.URL)
	}

	return &WebhookSink{cfg: cfg, client: client, log: log}, nil
}

// Notify implements async.CompletionSink. Transient failures are retried
// with exponential backoff within ctx; 4xx responses are not.
func (w *WebhookSink) Notify(ctx context.Context, jobID string, c async.Completion) error {
	body, err := json.Marshal(WebhookPayload{Event: "segment_job.finished", JobID: jobID, Completion: c})
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook payload")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := w.post(ctx, body)
		if err != nil {
			w.log.Debugw("Webhook delivery failed",
				logger.FieldJobID, jobID,
				"attempt", attempt,
				logger.FieldError, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(w.cfg.MaxAttempts)))
	if err != nil {
		return errors.Wrapf(err, "webhook delivery for job %s", jobID)
	}
	return nil
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "failed to create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Get().UserAgent())

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(errors.Newf("webhook returned status %d", resp.StatusCode))
	}
}
