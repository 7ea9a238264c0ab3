package app

import (
	"fmt"
	"strings"
	"time"

	"sitepulse/internal/cache"
	"sitepulse/internal/config"
	"sitepulse/internal/observability/debug"
	"sitepulse/internal/pagespeed"
	"sitepulse/internal/ratelimit"
	"sitepulse/internal/runner"
	"sitepulse/internal/storage"
)

// The map* helpers translate the string-heavy wire config into the typed
// configs the services take. Durations are validated here so a bad value
// fails startup (or rejects a hot reload) instead of surfacing mid-run.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	checkInterval, err := config.ParseDurationOrDefault("runner.check_interval", rc.CheckInterval, 30*time.Second)
	if err != nil {
		return runner.Config{}, err
	}
	batchDelay, err := config.ParseDurationOrDefault("runner.batch_delay", rc.BatchDelay, time.Second)
	if err != nil {
		return runner.Config{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("runner.retry_delay", rc.RetryDelay, 5*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	startupGrace, err := config.ParseDurationOrDefault("runner.startup_grace", rc.StartupGrace, 10*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Enabled:           rc.Enabled,
		CheckInterval:     checkInterval,
		MaxConcurrentRuns: rc.MaxConcurrentRuns,
		BatchSize:         rc.BatchSize,
		BatchDelay:        batchDelay,
		RetryOnFailure:    rc.RetryOnFailure,
		RetryDelay:        retryDelay,
		StartupGrace:      startupGrace,
		StrategyOverride:  strings.ToLower(strings.TrimSpace(rc.StrategyOverride)),
	}, nil
}

func mapClientConfig(cfg *config.Config) (pagespeed.Config, error) {
	pc := cfg.PageSpeed
	timeout, err := config.ParseDurationOrDefault("pagespeed.timeout", pc.Timeout, 30*time.Second)
	if err != nil {
		return pagespeed.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("pagespeed.backoff_base", pc.BackoffBase, 500*time.Millisecond)
	if err != nil {
		return pagespeed.Config{}, err
	}
	return pagespeed.Config{
		Endpoint:    pc.Endpoint,
		APIKey:      pc.APIKey,
		Timeout:     timeout,
		MaxRetries:  pc.MaxRetries,
		BackoffBase: backoff,
	}, nil
}

func mapGateConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent:     cfg.PageSpeed.MaxConcurrent,
		RequestsPerSecond: cfg.PageSpeed.RequestsPerSecond,
	}
}

// mapCacheWindow resolves the result cache settings. An omitted section
// means cache enabled with the default freshness window.
func mapCacheWindow(cfg *config.Config) (time.Duration, bool, error) {
	if cfg.Cache == nil {
		return cache.DefaultWindow, true, nil
	}
	if !cfg.Cache.Enabled {
		return 0, false, nil
	}
	window, err := config.ParseDurationOrDefault("cache.freshness_window", cfg.Cache.FreshnessWindow, cache.DefaultWindow)
	if err != nil {
		return 0, false, err
	}
	return window, true, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	if cfg.Debug == nil {
		return debug.Config{}
	}
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  time.Minute, // profile captures stream for a while
		IdleTimeout:   2 * time.Minute,
	}
}

func mapLoggingConfig(cfg *config.Config) logxConfig {
	return logxConfig{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logxFileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
