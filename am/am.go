package am

import "time"

// Config represents the segpulse configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Klaviyo  KlaviyoConfig  `mapstructure:"klaviyo" toml:"klaviyo"`
	Notify   NotifyConfig   `mapstructure:"notify" toml:"notify"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Watch    WatchConfig    `mapstructure:"watch" toml:"watch"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// LogConfig configures logging; level is reloadable at runtime
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"` // debug | info | warn | error (empty = keep startup level)
	JSON  bool   `mapstructure:"json" toml:"json"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the segment job scheduler and its trigger fabric
type PulseConfig struct {
	Workers                  int `mapstructure:"workers" toml:"workers"`                                         // Concurrent attempt workers (0 = no background workers)
	PollIntervalMS           int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`                       // Worker poll for pending jobs
	SweepIntervalSeconds     int `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`           // Retry sweeper tick (0 = cron endpoint only)
	StaleAttemptAfterSeconds int `mapstructure:"stale_attempt_after_seconds" toml:"stale_attempt_after_seconds"` // Crash recovery cutoff

	Retry RetryConfig `mapstructure:"retry" toml:"retry"`
}

// RetryConfig configures the retry budget and delay policy
type RetryConfig struct {
	MaxRetries      int     `mapstructure:"max_retries" toml:"max_retries"`             // Total attempts per job
	DelaySeconds    int     `mapstructure:"delay_seconds" toml:"delay_seconds"`         // Fixed delay, or initial delay for exponential
	Policy          string  `mapstructure:"policy" toml:"policy"`                       // fixed | exponential
	MaxDelaySeconds int     `mapstructure:"max_delay_seconds" toml:"max_delay_seconds"` // Exponential cap
	Multiplier      float64 `mapstructure:"multiplier" toml:"multiplier"`
	Jitter          float64 `mapstructure:"jitter" toml:"jitter"` // Randomization factor in [0,1)
}

// Retry policy names
const (
	RetryPolicyFixed       = "fixed"
	RetryPolicyExponential = "exponential"
)

// KlaviyoConfig configures the segment creation API client
type KlaviyoConfig struct {
	BaseURL           string  `mapstructure:"base_url" toml:"base_url"`
	APIKey            string  `mapstructure:"api_key" toml:"api_key"`
	Revision          string  `mapstructure:"revision" toml:"revision"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" toml:"burst"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	DefinitionsFile   string  `mapstructure:"definitions_file" toml:"definitions_file"`
}

// NotifyConfig configures completion notification sinks
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" toml:"webhook_url"` // Empty = log only
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port"` // nil = default 8787, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// WatchConfig configures the job poller
type WatchConfig struct {
	PollIntervalMS      int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	ActiveWindowMinutes int `mapstructure:"active_window_minutes" toml:"active_window_minutes"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8787

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// RetryDelay returns the configured base delay
func (r RetryConfig) RetryDelay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// MaxDelay returns the exponential cap
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// PollInterval returns the worker poll interval
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// SweepInterval returns the retry sweeper tick, zero when disabled
func (p PulseConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// StaleAttemptAfter returns how long an attempt may stay in flight before recovery
func (p PulseConfig) StaleAttemptAfter() time.Duration {
	return time.Duration(p.StaleAttemptAfterSeconds) * time.Second
}

// Timeout returns the per-request timeout for segment creation calls
func (k KlaviyoConfig) Timeout() time.Duration {
	return time.Duration(k.TimeoutSeconds) * time.Second
}

// PollInterval returns the poller tick
func (w WatchConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// ActiveWindow returns how far back the poller looks for active jobs
func (w WatchConfig) ActiveWindow() time.Duration {
	return time.Duration(w.ActiveWindowMinutes) * time.Minute
}
