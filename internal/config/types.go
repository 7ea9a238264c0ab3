package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Unknown fields are rejected so typos fail loudly at startup instead of
// silently running with defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Runner    RunnerConfig    `json:"runner"`
	PageSpeed PageSpeedConfig `json:"pagespeed"`
	Cache     *CacheConfig    `json:"cache,omitempty"`
	Debug     *DebugConfig    `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sitepulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RunnerConfig controls the schedule runner.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true when the section is present
//   - check_interval: "30s"
//   - max_concurrent_runs: 3
//   - batch_size: 5
//   - batch_delay: "1s"
//   - retry_on_failure: false
//   - retry_delay: "5m"
//   - startup_grace: "10m"
type RunnerConfig struct {
	Enabled           bool   `json:"enabled"`
	CheckInterval     string `json:"check_interval,omitempty"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	BatchDelay        string `json:"batch_delay,omitempty"`
	RetryOnFailure    bool   `json:"retry_on_failure,omitempty"`
	RetryDelay        string `json:"retry_delay,omitempty"`
	StartupGrace      string `json:"startup_grace,omitempty"`

	// StrategyOverride forces every run to use this device strategy instead
	// of the schedule's own. Empty means "use the schedule's".
	StrategyOverride string `json:"strategy_override,omitempty"`
}

// PageSpeedConfig controls the external measurement API client and its
// admission gate.
//
// Defaults:
//   - timeout: "30s"
//   - max_retries: 3
//   - backoff_base: "500ms"
//   - requests_per_second: 1
//   - max_concurrent: 4
type PageSpeedConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`

	Timeout     string `json:"timeout,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`

	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	MaxConcurrent     int     `json:"max_concurrent,omitempty"`
}

// CacheConfig controls the result cache. If the section is omitted, the
// cache defaults to enabled with a 24h freshness window.
type CacheConfig struct {
	Enabled         bool   `json:"enabled"`
	FreshnessWindow string `json:"freshness_window,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof, /healthz,
// /statusz). Binding beyond loopback requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
