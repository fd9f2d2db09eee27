package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/klaviyo"
	"github.com/teranos/segpulse/notify"
	"github.com/teranos/segpulse/pulse/async"
)

// pipeline is the queue, scheduler and executor wired from configuration.
// Commands that only read or cancel jobs need the queue alone; commands that
// run attempts need the scheduler, which needs the Klaviyo executor.
type pipeline struct {
	cfg       *am.Config
	db        *sql.DB
	queue     *async.Queue
	scheduler *async.Scheduler
	executor  *klaviyo.Executor
	defs      *klaviyo.FileDefinitions // nil without klaviyo.definitions_file
	recorder  *notify.Recorder         // dry runs only
}

type pipelineOptions struct {
	dryRun bool
	log    *zap.SugaredLogger
}

// newPipeline opens the database and wires every component. A missing
// definitions file is not an error here: attempts fail wholesale until one
// is configured, which the scheduler records and retries.
func newPipeline(cfg *am.Config, opts pipelineOptions) (*pipeline, error) {
	log := opts.log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, db: database}
	p.queue = async.NewQueue(database)
	p.queue.SetLogger(log)

	sink, recorder, err := completionSink(cfg.Notify, opts.dryRun, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	p.recorder = recorder
	p.queue.SetNotifier(async.NewCompletionNotifier(sink, log))

	var defs klaviyo.DefinitionSource
	if path := cfg.Klaviyo.DefinitionsFile; path != "" {
		fileDefs, err := klaviyo.LoadFileDefinitions(path)
		if err != nil {
			database.Close()
			return nil, errors.Wrap(err, "failed to load segment definitions")
		}
		p.defs = fileDefs
		defs = fileDefs
	} else {
		log.Warnw("klaviyo.definitions_file not set; attempts will fail until it is configured")
	}

	p.executor = klaviyo.NewExecutor(klaviyo.Config{
		BaseURL:           cfg.Klaviyo.BaseURL,
		APIKey:            cfg.Klaviyo.APIKey,
		Revision:          cfg.Klaviyo.Revision,
		RequestsPerSecond: cfg.Klaviyo.RequestsPerSecond,
		Burst:             cfg.Klaviyo.Burst,
		Timeout:           cfg.Klaviyo.Timeout(),
		DryRun:            opts.dryRun,
		Logger:            log.Named("klaviyo"),
	}, defs)

	p.scheduler = async.NewScheduler(p.queue, p.executor, schedulerConfig(cfg.Pulse.Retry), log)
	return p, nil
}

// Close closes the database
func (p *pipeline) Close() error {
	return p.db.Close()
}

// applyConfig applies the reloadable settings of a new configuration
func (p *pipeline) applyConfig(cfg *am.Config) error {
	p.scheduler.Configure(schedulerConfig(cfg.Pulse.Retry))
	if p.defs != nil {
		if err := p.defs.Reload(); err != nil {
			return errors.Wrap(err, "failed to reload segment definitions")
		}
	}
	return nil
}

// completionSink builds the notification fan-out: always the log, plus the
// webhook when configured. Dry runs record deliveries instead of posting them.
func completionSink(cfg am.NotifyConfig, dryRun bool, log *zap.SugaredLogger) (async.CompletionSink, *notify.Recorder, error) {
	sinks := notify.Multi{notify.NewLogSink(log)}

	if dryRun {
		recorder := notify.NewRecorder()
		return append(sinks, recorder), recorder, nil
	}

	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookSink(notify.WebhookConfig{
			URL:    cfg.WebhookURL,
			Logger: log.Named("webhook"),
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, webhook)
	}
	return sinks, nil, nil
}

// schedulerConfig maps the retry section onto the scheduler
func schedulerConfig(r am.RetryConfig) async.SchedulerConfig {
	return async.SchedulerConfig{
		MaxRetries: r.MaxRetries,
		Policy:     retryPolicy(r),
	}
}

// retryPolicy selects the delay policy; anything but "exponential" is fixed
func retryPolicy(r am.RetryConfig) async.RetryPolicy {
	if r.Policy == am.RetryPolicyExponential {
		return async.ExponentialBackoff{
			Initial:    r.RetryDelay(),
			Max:        r.MaxDelay(),
			Multiplier: r.Multiplier,
			Jitter:     r.Jitter,
		}
	}
	return async.NewFixedDelay(r.RetryDelay())
}

// workerPoolConfig maps the pulse section onto the worker pool
func workerPoolConfig(p am.PulseConfig) async.WorkerPoolConfig {
	cfg := async.DefaultWorkerPoolConfig()
	cfg.Workers = p.Workers
	if d := p.PollInterval(); d > 0 {
		cfg.PollInterval = d
	}
	if d := p.StaleAttemptAfter(); d > 0 {
		cfg.StaleAttemptAfter = d
	}
	return cfg
}
