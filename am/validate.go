package am

import "github.com/teranos/segpulse/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.Workers > 0 && c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0 when workers are enabled, got %d", c.Pulse.PollIntervalMS)
	}

	// Sweep interval: 0 = rely on the cron endpoint, negative = invalid
	if c.Pulse.SweepIntervalSeconds < 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be >= 0, got %d", c.Pulse.SweepIntervalSeconds)
	}
	if c.Pulse.StaleAttemptAfterSeconds < 0 {
		return errors.Newf("pulse.stale_attempt_after_seconds must be >= 0, got %d", c.Pulse.StaleAttemptAfterSeconds)
	}

	if err := c.Pulse.Retry.Validate(); err != nil {
		return err
	}

	if c.Klaviyo.RequestsPerSecond < 0 {
		return errors.Newf("klaviyo.requests_per_second must be >= 0, got %f", c.Klaviyo.RequestsPerSecond)
	}
	if c.Klaviyo.Burst < 0 {
		return errors.Newf("klaviyo.burst must be >= 0, got %d", c.Klaviyo.Burst)
	}
	if c.Klaviyo.TimeoutSeconds < 0 {
		return errors.Newf("klaviyo.timeout_seconds must be >= 0, got %d", c.Klaviyo.TimeoutSeconds)
	}

	if c.Watch.PollIntervalMS < 0 {
		return errors.Newf("watch.poll_interval_ms must be >= 0, got %d", c.Watch.PollIntervalMS)
	}

	return nil
}

// Validate checks the retry budget and policy
func (r RetryConfig) Validate() error {
	// A budget of zero would never attempt anything
	if r.MaxRetries < 1 {
		return errors.Newf("pulse.retry.max_retries must be >= 1, got %d", r.MaxRetries)
	}
	if r.DelaySeconds < 0 {
		return errors.Newf("pulse.retry.delay_seconds must be >= 0, got %d", r.DelaySeconds)
	}

	switch r.Policy {
	case "", RetryPolicyFixed:
	case RetryPolicyExponential:
		if r.Multiplier < 1 {
			return errors.Newf("pulse.retry.multiplier must be >= 1 for exponential policy, got %f", r.Multiplier)
		}
		if r.Jitter < 0 || r.Jitter >= 1 {
			return errors.Newf("pulse.retry.jitter must be in [0,1), got %f", r.Jitter)
		}
		if r.MaxDelaySeconds > 0 && r.MaxDelaySeconds < r.DelaySeconds {
			return errors.Newf("pulse.retry.max_delay_seconds (%d) must be >= delay_seconds (%d)", r.MaxDelaySeconds, r.DelaySeconds)
		}
	default:
		return errors.WithHint(
			errors.Newf("unknown pulse.retry.policy %q", r.Policy),
			"use \"fixed\" or \"exponential\"",
		)
	}

	return nil
}
