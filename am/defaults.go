package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "segpulse.db")

	// Pulse (scheduler and trigger fabric) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.sweep_interval_seconds", 60)       // Cron-equivalent retry sweep
	v.SetDefault("pulse.stale_attempt_after_seconds", 900) // 15 minutes
	v.SetDefault("pulse.retry.max_retries", 3)
	v.SetDefault("pulse.retry.delay_seconds", 300) // 5 minutes
	v.SetDefault("pulse.retry.policy", RetryPolicyFixed)
	v.SetDefault("pulse.retry.max_delay_seconds", 3600)
	v.SetDefault("pulse.retry.multiplier", 2.0)
	v.SetDefault("pulse.retry.jitter", 0.2)

	// Klaviyo defaults
	v.SetDefault("klaviyo.base_url", "https://a.klaviyo.com")
	v.SetDefault("klaviyo.revision", "2024-10-15")
	v.SetDefault("klaviyo.requests_per_second", 3.0) // Segments endpoint burst limit is low
	v.SetDefault("klaviyo.burst", 3)
	v.SetDefault("klaviyo.timeout_seconds", 30)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins())

	// Poller defaults
	v.SetDefault("watch.poll_interval_ms", 2000)
	v.SetDefault("watch.active_window_minutes", 60)
}

func defaultAllowedOrigins() []string {
	return []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	}
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("klaviyo.api_key", "SEGPULSE_KLAVIYO_API_KEY", "KLAVIYO_API_KEY")
	v.BindEnv("notify.webhook_url", "SEGPULSE_NOTIFY_WEBHOOK_URL")
	v.BindEnv("database.path", "SEGPULSE_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "segpulse.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured port, or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetServerAllowedOrigins returns the allowed CORS/WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins()
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config; the API key is never printed
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, MaxRetries: %d, Policy: %s}, Klaviyo: {BaseURL: %s}}",
		c.Database.Path, c.Pulse.Workers, c.Pulse.Retry.MaxRetries, c.Pulse.Retry.Policy, c.Klaviyo.BaseURL)
}
