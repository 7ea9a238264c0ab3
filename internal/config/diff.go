package config

import (
	"reflect"
	"strings"

	logx "sitepulse/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the API key) are never included,
// only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Bool("runner.enabled", newCfg.Runner.Enabled),
			logx.String("runner.check_interval", strings.TrimSpace(newCfg.Runner.CheckInterval)),
			logx.Int("runner.max_concurrent_runs", newCfg.Runner.MaxConcurrentRuns),
			logx.Int("runner.batch_size", newCfg.Runner.BatchSize),
			logx.Bool("runner.retry_on_failure", newCfg.Runner.RetryOnFailure),
		)
	}

	oldPS, newPS := oldCfg.PageSpeed, newCfg.PageSpeed
	if !reflect.DeepEqual(oldPS, newPS) {
		changed = append(changed, "pagespeed")
		attrs = append(attrs,
			logx.String("pagespeed.endpoint", strings.TrimSpace(newPS.Endpoint)),
			logx.Bool("pagespeed.api_key_set", strings.TrimSpace(newPS.APIKey) != ""),
			logx.Int("pagespeed.max_retries", newPS.MaxRetries),
			logx.Float64("pagespeed.requests_per_second", newPS.RequestsPerSecond),
			logx.Int("pagespeed.max_concurrent", newPS.MaxConcurrent),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		if c := newCfg.Cache; c != nil {
			attrs = append(attrs,
				logx.Bool("cache.enabled", c.Enabled),
				logx.String("cache.freshness_window", strings.TrimSpace(c.FreshnessWindow)),
			)
		} else {
			attrs = append(attrs, logx.Bool("cache.present", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if d := newCfg.Debug; d != nil {
			attrs = append(attrs,
				logx.Bool("debug.enabled", d.Enabled),
				logx.String("debug.addr", strings.TrimSpace(d.Addr)),
				logx.Bool("debug.token_set", strings.TrimSpace(d.Token) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("debug.present", false))
		}
	}

	return changed, attrs
}
