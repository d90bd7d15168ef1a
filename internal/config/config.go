package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"sensorwatch/internal/detector"
	"sensorwatch/internal/generator"
	"sensorwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the generation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// GeneratorConfig drives the synthetic reading producer.
type GeneratorConfig struct {
	Platforms          []string `mapstructure:"platforms"`
	AnomalyProbability float64  `mapstructure:"anomaly_probability"`
	Seed               uint64   `mapstructure:"seed"`
}

// DetectorsConfig holds per-detector parameters and the shared state bounds.
type DetectorsConfig struct {
	Threshold     ThresholdConfig     `mapstructure:"threshold"`
	MovingAverage MovingAverageConfig `mapstructure:"moving_average"`
	RateOfChange  RateOfChangeConfig  `mapstructure:"rate_of_change"`
	State         StateConfig         `mapstructure:"state"`
}

type ThresholdConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	detector.ThresholdConfig `mapstructure:",squash"`
}

type MovingAverageConfig struct {
	Enabled                      bool `mapstructure:"enabled"`
	detector.MovingAverageConfig `mapstructure:",squash"`
}

type RateOfChangeConfig struct {
	Enabled                     bool `mapstructure:"enabled"`
	detector.RateOfChangeConfig `mapstructure:",squash"`
}

// StateConfig bounds per-sensor detector state. Zero values keep state for
// every sensor indefinitely.
type StateConfig struct {
	MaxSensors int           `mapstructure:"max_sensors"`
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
	Shards     int           `mapstructure:"shards"`
}

// AlertingConfig defines which detections notify and how often.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Retention   time.Duration  `mapstructure:"retention"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint served by `run`.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads the file at path and then reloads it whenever it changes.
// Each reload that decodes and validates is passed to onChange; failures go
// to onError and leave the previous configuration in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	if path == "" {
		return nil, errors.New("config watch needs an explicit file")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SENSORWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sensorwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "2s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53575443))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("generator.platforms", generator.PlatformIDs())
	v.SetDefault("generator.anomaly_probability", 0.05)
	v.SetDefault("generator.seed", 0)

	th := detector.DefaultThresholdConfig()
	v.SetDefault("detectors.threshold.enabled", true)
	v.SetDefault("detectors.threshold.critical_high", th.CriticalHigh)
	v.SetDefault("detectors.threshold.warning_high", th.WarningHigh)
	v.SetDefault("detectors.threshold.critical_low", th.CriticalLow)
	v.SetDefault("detectors.threshold.warning_low", th.WarningLow)

	ma := detector.DefaultMovingAverageConfig()
	v.SetDefault("detectors.moving_average.enabled", true)
	v.SetDefault("detectors.moving_average.window_size", ma.WindowSize)
	v.SetDefault("detectors.moving_average.deviation_threshold", ma.DeviationThreshold)

	roc := detector.DefaultRateOfChangeConfig()
	v.SetDefault("detectors.rate_of_change.enabled", true)
	v.SetDefault("detectors.rate_of_change.max_rate", roc.MaxRate)
	v.SetDefault("detectors.rate_of_change.time_window_seconds", roc.TimeWindowSeconds)

	v.SetDefault("detectors.state.max_sensors", 0)
	v.SetDefault("detectors.state.idle_ttl", "0s")
	v.SetDefault("detectors.state.shards", 16)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", string(detector.SeverityCritical))
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. Detector
// parameters are checked with the same rules the detectors apply.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}

	if p := c.Generator.AnomalyProbability; p < 0 || p > 1 {
		return fmt.Errorf("generator.anomaly_probability must be within [0,1]")
	}
	for _, id := range c.Generator.Platforms {
		if _, ok := generator.LookupPlatform(id); !ok {
			return fmt.Errorf("generator.platforms: unknown platform %q", id)
		}
	}

	d := c.Detectors
	if !d.Threshold.Enabled && !d.MovingAverage.Enabled && !d.RateOfChange.Enabled {
		return fmt.Errorf("detectors: at least one detector must be enabled")
	}
	if d.Threshold.Enabled {
		if err := d.Threshold.Validate(); err != nil {
			return fmt.Errorf("detectors.threshold: %w", err)
		}
	}
	if d.MovingAverage.Enabled {
		if err := d.MovingAverage.Validate(); err != nil {
			return fmt.Errorf("detectors.moving_average: %w", err)
		}
	}
	if d.RateOfChange.Enabled {
		if err := d.RateOfChange.Validate(); err != nil {
			return fmt.Errorf("detectors.rate_of_change: %w", err)
		}
	}
	if d.State.MaxSensors < 0 || d.State.IdleTTL < 0 || d.State.Shards < 0 {
		return fmt.Errorf("detectors.state values cannot be negative")
	}

	if _, ok := detector.ParseSeverity(strings.ToUpper(c.Alerting.MinSeverity)); !ok {
		return fmt.Errorf("alerting.min_severity must be NORMAL, WARNING or CRITICAL")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// MinSeverity returns the parsed alerting floor.
func (c *Config) MinSeverity() detector.Severity {
	s, _ := detector.ParseSeverity(strings.ToUpper(c.Alerting.MinSeverity))
	return s
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
