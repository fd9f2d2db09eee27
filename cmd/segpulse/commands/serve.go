package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/schedule"
	"github.com/teranos/segpulse/pulse/watch"
	"github.com/teranos/segpulse/server"
	"github.com/teranos/segpulse/version"
)

// ServeCmd runs the whole processor in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: logger.SymPulse + " Run workers, retry sweeper, poller and the HTTP API",
	Long: logger.SymPulse + ` serve - run the segment job processor in the foreground.

Starts:
- Worker pool running first attempts of pending jobs
- Retry sweeper running due retries every pulse.sweep_interval_seconds
- Job poller announcing finished jobs (log and WebSocket toasts)
- HTTP API, WebSocket stream and /metrics on server.port

On start, attempts left in flight by a crashed process are recovered.
Ctrl+C stops intake and lets in-flight attempts commit before exiting.

Examples:
  segpulse serve                 # Use am.toml settings
  segpulse serve --port 9000     # Override the HTTP port
  segpulse serve --dry-run       # Resolve definitions without calling Klaviyo`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	ServeCmd.Flags().Int("workers", -1, "Attempt workers (overrides pulse.workers, 0 disables)")
	ServeCmd.Flags().Bool("dry-run", false, "Validate definitions and report them created without calling Klaviyo")
	ServeCmd.Flags().Bool("no-watch", false, "Do not reload configuration when am.toml changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port, _ := cmd.Flags().GetInt("port")
	if port <= 0 {
		port = cfg.GetServerPort()
	}
	workers, _ := cmd.Flags().GetInt("workers")
	if workers < 0 {
		workers = cfg.Pulse.Workers
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	if cfg.Log.JSON && !logger.JSONOutput {
		if err := logger.Initialize(true); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	if cfg.Log.Level != "" {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return errors.Wrapf(err, "invalid log.level %q", cfg.Log.Level)
		}
	}
	log := logger.Logger

	p, err := newPipeline(cfg, pipelineOptions{dryRun: dryRun, log: log})
	if err != nil {
		return err
	}
	defer p.Close()

	if !p.executor.IsConfigured() {
		pterm.Warning.Println("klaviyo.api_key is not set: attempts will fail and be retried until it is")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *async.WorkerPool
	if workers > 0 {
		poolCfg := workerPoolConfig(cfg.Pulse)
		poolCfg.Workers = workers
		pool = async.NewWorkerPool(ctx, p.scheduler, poolCfg, log)
	}

	sweeper := schedule.NewRetrySweeper(ctx, p.scheduler, nil, schedule.SweeperConfig{
		Interval: cfg.Pulse.SweepInterval(),
	}, log)

	srv := server.New(ctx, p.scheduler, sweeper, pool, server.Config{
		Port:           port,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
	}, log.Named("server"))
	sweeper.SetBroadcaster(srv)

	poller := watch.NewPoller(p.queue,
		watch.MultiPresenter{watch.NewLogPresenter(log), srv},
		watch.Config{
			PollInterval: cfg.Watch.PollInterval(),
			ActiveWindow: cfg.Watch.ActiveWindow(),
		}, log)

	var cfgWatcher *am.ConfigWatcher
	if !noWatch {
		cfgWatcher = startConfigWatcher(p, log)
	}

	if pool != nil {
		pool.Start()
	}
	if cfg.Pulse.SweepInterval() > 0 {
		sweeper.Start()
	}
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warnw("Job poller stopped", logger.FieldError, err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	printServeBanner(port, workers, cfg, dryRun)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.Errorw("HTTP server failed", logger.FieldError, err)
		}
	}

	pterm.Info.Println(logger.SymPulseClose + " Shutting down, letting in-flight attempts commit...")

	// Reverse order of startup; each component owns its context
	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}
	sweeper.Stop()
	if pool != nil {
		pool.Stop()
	}
	stop()
	if stopErr := srv.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}

	pterm.Success.Println("segpulse stopped")
	return err
}

// startConfigWatcher reloads the retry policy, log level and definitions
// when the highest-precedence config file changes. Returns nil when no
// config file exists.
func startConfigWatcher(p *pipeline, log *zap.SugaredLogger) *am.ConfigWatcher {
	files := am.ActiveConfigFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	w, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Config hot-reload disabled", "path", path, logger.FieldError, err)
		return nil
	}

	w.OnReload(func(cfg *am.Config) error {
		if cfg.Log.Level != "" {
			if err := logger.SetLevel(cfg.Log.Level); err != nil {
				return errors.Wrapf(err, "invalid log.level %q", cfg.Log.Level)
			}
		}
		return p.applyConfig(cfg)
	})
	am.SetGlobalWatcher(w)
	w.Start()

	log.Infow("Watching config for changes", "path", path)
	return w
}

func printServeBanner(port, workers int, cfg *am.Config, dryRun bool) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("%s segpulse %s", logger.SymPulse, info.Version)
	pterm.Println()

	policy := cfg.Pulse.Retry.Policy
	if policy == "" {
		policy = am.RetryPolicyFixed
	}

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"HTTP", fmt.Sprintf("http://localhost:%d (ws /ws, metrics /metrics)", port)},
		{"Database", cfg.GetDatabasePath()},
		{"Workers", fmt.Sprintf("%d", workers)},
		{"Retry budget", fmt.Sprintf("%d attempts, %s policy, %s base delay", cfg.Pulse.Retry.MaxRetries, policy, cfg.Pulse.Retry.RetryDelay())},
		{"Retry sweep", sweepDescription(cfg.Pulse)},
		{"Definitions", valueOr(cfg.Klaviyo.DefinitionsFile, "(none)")},
	}).Render()
	pterm.Println()

	if dryRun {
		pterm.Warning.Println("DRY RUN: segments are validated, not created")
	}
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}

func sweepDescription(p am.PulseConfig) string {
	if p.SweepInterval() <= 0 {
		return "disabled (POST /api/cron/retries only)"
	}
	return "every " + p.SweepInterval().String()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
