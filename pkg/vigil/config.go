package vigil

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// BotToken authenticates the primary bot against the Telegram Bot API.
	BotToken string `yaml:"bot_token"`

	// APIID and APIHash identify this application to MTProto. Shadow
	// connections authenticate as the end user on top of these.
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	// DatabasePath is the sqlite file holding sessions, the message cache
	// and monitoring policy.
	DatabasePath string `yaml:"database_path"`

	// DownloadDir is where recovered media is written before re-delivery.
	DownloadDir string `yaml:"download_dir"`

	// LogLevel is a zerolog level name (trace/debug/info/warn/error).
	// Reloaded at runtime when the config file changes.
	LogLevel string `yaml:"log_level"`

	Reconcile ReconcileConfig `yaml:"reconcile"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ReconcileConfig tunes the deleted-message detection loop.
type ReconcileConfig struct {
	// IntervalSeconds between passes.
	IntervalSeconds int `yaml:"interval_seconds"`

	// BatchSize bounds how many unconfirmed cache rows a single pass
	// loads per user.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrentPasses caps how many passes may overlap when a pass
	// runs longer than the interval.
	MaxConcurrentPasses int `yaml:"max_concurrent_passes"`
}

func (c *ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RetentionConfig tunes the age-based cache purge, which runs independently
// of reconciliation outcome.
type RetentionConfig struct {
	MaxAgeHours          int `yaml:"max_age_hours"`
	PurgeIntervalMinutes int `yaml:"purge_interval_minutes"`
}

func (c *RetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

func (c *RetentionConfig) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalMinutes) * time.Minute
}

// NotifyConfig tunes the primary bot channel send throttle.
type NotifyConfig struct {
	// RatePerSecond is the global outbound message rate.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.APIID == 0 || c.APIHash == "" {
		return fmt.Errorf("api_id and api_hash are required")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "vigil.db"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = 30
	}
	if c.Reconcile.MaxConcurrentPasses <= 0 {
		c.Reconcile.MaxConcurrentPasses = 2
	}
	if c.Retention.MaxAgeHours <= 0 {
		c.Retention.MaxAgeHours = 72
	}
	if c.Retention.PurgeIntervalMinutes <= 0 {
		c.Retention.PurgeIntervalMinutes = 6 * 60
	}
	if c.Notify.RatePerSecond <= 0 {
		c.Notify.RatePerSecond = 25
	}
	if c.Notify.Burst <= 0 {
		c.Notify.Burst = 30
	}
	return nil
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
