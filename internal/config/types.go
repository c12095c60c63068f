package config

// Config is the full bot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; both are decoded strictly (unknown keys are
// rejected so typos surface at load time instead of silently doing nothing).
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Monitor  MonitorConfig  `json:"monitor"`
	Fetch    FetchConfig    `json:"fetch,omitempty"`

	// Classifier configures the optional remote enrichment service.
	// Without an endpoint/api_key the classifier runs the local heuristic only.
	Classifier ClassifierConfig `json:"classifier,omitempty"`

	Preferences PreferencesConfig `json:"preferences,omitempty"`
	Notify      NotifyConfig      `json:"notify,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
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
//	"storage": { "driver": "sqlite", "path": "./sitewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MonitorConfig controls the periodic check scheduler.
//
// Defaults (when fields are omitted/zero):
//   - scan_every: "10m"
//   - workers: 4
//   - check_every: "10m" (per-site default interval)
//   - site_delay_min/max: "2s" / "5s"
type MonitorConfig struct {
	Enabled   bool   `json:"enabled"`
	ScanEvery string `json:"scan_every,omitempty"`
	Workers   int    `json:"workers,omitempty"`

	// CheckEvery is the default per-site check interval for newly added sites.
	CheckEvery string `json:"check_every,omitempty"`

	// SiteDelayMin/Max bound the randomized pause between consecutive site
	// checks on one worker, to keep the aggregate request rate unbursty.
	SiteDelayMin string `json:"site_delay_min,omitempty"`
	SiteDelayMax string `json:"site_delay_max,omitempty"`
}

// FetchConfig controls the page fetcher.
//
// verify_tls defaults to false: monitored sites routinely run with broken
// certificate chains, and availability of monitoring is preferred over strict
// transport security. Set it to true to restore normal verification.
type FetchConfig struct {
	Timeout     string `json:"timeout,omitempty"`      // default "30s"
	Attempts    int    `json:"attempts,omitempty"`     // default 3
	BackoffBase string `json:"backoff_base,omitempty"` // default "1s"

	// PreDelayMin/Max bound the randomized pause before each request.
	PreDelayMin string `json:"pre_delay_min,omitempty"` // default "1s"
	PreDelayMax string `json:"pre_delay_max,omitempty"` // default "3s"

	VerifyTLS bool `json:"verify_tls,omitempty"`
}

type ClassifierConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default "30s"
}

// PreferencesConfig exposes the scoring policy knobs. The defaults mirror the
// tuning the system shipped with; they are policy, not correctness.
type PreferencesConfig struct {
	// NotifyThreshold is the minimum weighted score to deliver (default 0.3).
	NotifyThreshold float64 `json:"notify_threshold,omitempty"`
	// LikeRatioHigh/Low bound the dead zone for weight adjustment
	// (defaults 0.7 / 0.3).
	LikeRatioHigh float64 `json:"like_ratio_high,omitempty"`
	LikeRatioLow  float64 `json:"like_ratio_low,omitempty"`
	// MinSamples is the minimum feedback count before a pattern moves weights
	// (default 3).
	MinSamples int `json:"min_samples,omitempty"`
	// WeightStep is the per-adjustment weight delta (default 0.1).
	WeightStep float64 `json:"weight_step,omitempty"`
}

// NotifyConfig controls the async delivery pipeline.
type NotifyConfig struct {
	Workers       int    `json:"workers,omitempty"`         // default 2
	QueueSize     int    `json:"queue_size,omitempty"`      // default 256
	RatePerSec    int    `json:"rate_per_sec,omitempty"`    // default 3
	RetryMax      int    `json:"retry_max,omitempty"`       // default 2
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"
	SendTimeout   string `json:"send_timeout,omitempty"`    // default "10s"

	// GroupWindow is the digest accumulation window (default "30m").
	GroupWindow string `json:"group_window,omitempty"`
}
