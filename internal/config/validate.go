package config

import (
	"fmt"
	"strings"
)

// Validate checks the cross-field constraints a typo-free config can still
// get wrong. Duration strings are checked where they are parsed
// (ParseDurationField); this covers everything else.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.PageSpeed.Endpoint) == "" {
		return fmt.Errorf("pagespeed.endpoint is required")
	}
	if cfg.PageSpeed.MaxRetries < 0 {
		return fmt.Errorf("pagespeed.max_retries must be >= 0")
	}
	if cfg.PageSpeed.RequestsPerSecond < 0 {
		return fmt.Errorf("pagespeed.requests_per_second must be >= 0")
	}
	if cfg.PageSpeed.MaxConcurrent < 0 {
		return fmt.Errorf("pagespeed.max_concurrent must be >= 0")
	}
	if cfg.Runner.MaxConcurrentRuns < 0 {
		return fmt.Errorf("runner.max_concurrent_runs must be >= 0")
	}
	if cfg.Runner.BatchSize < 0 {
		return fmt.Errorf("runner.batch_size must be >= 0")
	}
	if s := cfg.Runner.StrategyOverride; s != "" && s != "mobile" && s != "desktop" {
		return fmt.Errorf("runner.strategy_override must be \"mobile\" or \"desktop\", got %q", s)
	}
	for _, field := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"runner.check_interval", cfg.Runner.CheckInterval},
		{"runner.batch_delay", cfg.Runner.BatchDelay},
		{"runner.retry_delay", cfg.Runner.RetryDelay},
		{"runner.startup_grace", cfg.Runner.StartupGrace},
		{"pagespeed.timeout", cfg.PageSpeed.Timeout},
		{"pagespeed.backoff_base", cfg.PageSpeed.BackoffBase},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if cfg.Cache != nil {
		if _, err := ParseDurationField("cache.freshness_window", cfg.Cache.FreshnessWindow); err != nil {
			return err
		}
	}
	return nil
}
