// Package klaviyo creates segments through the Klaviyo segments API. Its
// Executor is the BatchExecutor the segment job scheduler runs attempts with.
package klaviyo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/internal/httpclient"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/version"
)

const (
	DefaultBaseURL  = "https://a.klaviyo.com"
	DefaultRevision = "2024-10-15"

	segmentsPath    = "/api/segments/"
	jsonAPIMimeType = "application/vnd.api+json"

	// error bodies are only read for their detail
	maxErrorBody = 64 << 10
)

// Config configures the segments API client
type Config struct {
	BaseURL  string
	APIKey   string
	Revision string

	// RequestsPerSecond <= 0 disables pacing
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration

	// AllowPrivate lets the client reach loopback and private addresses
	AllowPrivate bool

	// DryRun resolves and validates definitions without calling the API.
	// Valid definitions are reported created.
	DryRun bool

	Logger *zap.SugaredLogger // nil = nop logger
}

// Executor creates one segment per work item. Work items are segment
// definition ids resolved through a DefinitionSource.
type Executor struct {
	cfg        Config
	defs       DefinitionSource
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

var _ async.BatchExecutor = (*Executor)(nil)

// NewExecutor creates an executor with defaults applied to cfg
func NewExecutor(cfg Config, defs DefinitionSource) *Executor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Executor{
		cfg:  cfg,
		defs: defs,
		httpClient: httpclient.New(httpclient.Options{
			Timeout:           cfg.Timeout,
			AllowPrivate:      cfg.AllowPrivate,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}),
		logger: log,
	}
}

// IsConfigured reports whether an API key is set or no key is needed
func (e *Executor) IsConfigured() bool {
	return e.cfg.APIKey != "" || e.cfg.DryRun
}

// Execute creates the segment for each item in order. A missing API key, a
// missing definition source, a cancelled context or rejected credentials fail
// the whole batch. If ctx ends part-way, the outcomes gathered so far are
// returned and the remaining items are left without an outcome.
func (e *Executor) Execute(ctx context.Context, items []string) ([]async.Outcome, error) {
	if !e.IsConfigured() {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "klaviyo API key not configured")
	}
	if e.defs == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "no segment definition source")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "batch not started")
	}

	log := logger.FromContext(ctx, e.logger)
	outcomes := make([]async.Outcome, 0, len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			log.Warnw("Batch interrupted",
				logger.FieldCount, len(outcomes),
				logger.FieldTotalCount, len(items),
				logger.FieldError, ctx.Err())
			break
		}

		outcome, err := e.createItem(ctx, item)
		if err != nil {
			return nil, err
		}
		log.Debugw("Segment item processed",
			"item", item,
			logger.FieldStatus, outcome.Status,
			"detail", outcome.Detail)
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// createItem resolves and creates a single segment. The returned error is
// reserved for failures that apply to every item.
func (e *Executor) createItem(ctx context.Context, item string) (async.Outcome, error) {
	def, err := e.defs.Lookup(ctx, item)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return async.Outcome{ItemID: item, Status: async.OutcomeSkipped, Detail: "unknown segment definition"}, nil
		}
		return async.Outcome{ItemID: item, Status: async.OutcomeError, Detail: err.Error()}, nil
	}
	if err := def.Validate(); err != nil {
		return async.Outcome{ItemID: item, Status: async.OutcomeSkipped, Detail: err.Error()}, nil
	}
	if e.cfg.DryRun {
		return async.Outcome{ItemID: item, Status: async.OutcomeCreated, Detail: "dry run: " + def.Name}, nil
	}

	result, err := e.CreateSegment(ctx, def)
	if err != nil {
		return async.Outcome{ItemID: item, Status: async.OutcomeError, Detail: err.Error()}, nil
	}

	switch {
	case result.StatusCode == http.StatusUnauthorized, result.StatusCode == http.StatusForbidden:
		return async.Outcome{}, errors.WithDetail(
			errors.Wrapf(errors.ErrServiceUnavailable, "klaviyo rejected credentials (status %d)", result.StatusCode),
			result.Detail,
		)
	default:
		return async.Outcome{ItemID: item, Status: result.outcomeStatus(), Detail: result.describe()}, nil
	}
}

// CreateResult is the interpreted response of one create call
type CreateResult struct {
	StatusCode int
	SegmentID  string
	Detail     string
	RetryAfter string
}

func (r CreateResult) outcomeStatus() async.OutcomeStatus {
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return async.OutcomeCreated
	case r.StatusCode == http.StatusConflict:
		return async.OutcomeExists
	case r.StatusCode == http.StatusBadRequest, r.StatusCode == http.StatusUnprocessableEntity:
		// The definition itself was rejected; resending it cannot succeed
		return async.OutcomeSkipped
	default:
		return async.OutcomeError
	}
}

func (r CreateResult) describe() string {
	switch {
	case r.SegmentID != "":
		return "segment " + r.SegmentID
	case r.StatusCode == http.StatusTooManyRequests && r.RetryAfter != "":
		return fmt.Sprintf("rate limited (retry after %ss)", r.RetryAfter)
	case r.Detail != "":
		return fmt.Sprintf("status %d: %s", r.StatusCode, r.Detail)
	default:
		return fmt.Sprintf("status %d", r.StatusCode)
	}
}

type segmentRequest struct {
	Data segmentData `json:"data"`
}

type segmentData struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Attributes segmentAttributes `json:"attributes"`
}

type segmentAttributes struct {
	Name       string            `json:"name"`
	Definition segmentDefinition `json:"definition"`
	IsStarred  bool              `json:"is_starred"`
}

type segmentDefinition struct {
	ConditionGroups []map[string]any `json:"condition_groups"`
}

type segmentResponse struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

// apiError is one entry of a JSON:API error document
type apiError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type errorDocument struct {
	Errors []apiError `json:"errors"`
}

// CreateSegment sends one create request. Any HTTP response is returned as a
// CreateResult; only transport failures return an error.
func (e *Executor) CreateSegment(ctx context.Context, def Definition) (CreateResult, error) {
	body, err := json.Marshal(segmentRequest{
		Data: segmentData{
			Type: "segment",
			Attributes: segmentAttributes{
				Name:       def.Name,
				Definition: segmentDefinition{ConditionGroups: def.ConditionGroups},
				IsStarred:  def.Starred,
			},
		},
	})
	if err != nil {
		return CreateResult{}, errors.Wrap(err, "failed to marshal segment")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+segmentsPath, bytes.NewReader(body))
	if err != nil {
		return CreateResult{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+e.cfg.APIKey)
	req.Header.Set("revision", e.cfg.Revision)
	req.Header.Set("Accept", jsonAPIMimeType)
	req.Header.Set("Content-Type", jsonAPIMimeType)
	req.Header.Set("User-Agent", version.Get().UserAgent())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return CreateResult{}, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return CreateResult{}, errors.Wrap(err, "failed to read response")
	}

	result := CreateResult{
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var created segmentResponse
		if err := json.Unmarshal(respBody, &created); err == nil {
			result.SegmentID = created.Data.ID
		}
		return result, nil
	}

	result.Detail = errorDetail(respBody)
	return result, nil
}

// errorDetail extracts the first error's detail from a JSON:API error
// document, falling back to the raw body.
func errorDetail(body []byte) string {
	var doc errorDocument
	if err := json.Unmarshal(body, &doc); err == nil && len(doc.Errors) > 0 {
		first := doc.Errors[0]
		switch {
		case first.Detail != "":
			return first.Detail
		case first.Title != "":
			return first.Title
		default:
			return first.Code
		}
	}
	return strings.TrimSpace(string(body))
}
