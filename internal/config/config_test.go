package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sensorwatch/internal/detector"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Scheduler.Interval != 2*time.Second {
		t.Fatalf("expected 2s interval, got %s", cfg.Scheduler.Interval)
	}
	if got := cfg.Detectors.Threshold.ThresholdConfig; got != detector.DefaultThresholdConfig() {
		t.Fatalf("unexpected threshold defaults: %+v", got)
	}
	if got := cfg.Detectors.MovingAverage.MovingAverageConfig; got != detector.DefaultMovingAverageConfig() {
		t.Fatalf("unexpected moving average defaults: %+v", got)
	}
	if got := cfg.Detectors.RateOfChange.RateOfChangeConfig; got != detector.DefaultRateOfChangeConfig() {
		t.Fatalf("unexpected rate of change defaults: %+v", got)
	}
	if len(cfg.Generator.Platforms) != 5 {
		t.Fatalf("expected five platforms, got %v", cfg.Generator.Platforms)
	}
	if cfg.MinSeverity() != detector.SeverityCritical {
		t.Fatalf("expected CRITICAL alert floor, got %s", cfg.MinSeverity())
	}
	if cfg.Detectors.State.MaxSensors != 0 || cfg.Detectors.State.IdleTTL != 0 {
		t.Fatalf("state must be unbounded by default: %+v", cfg.Detectors.State)
	}
	if cfg.App.Environment != "test" {
		t.Fatalf("file value not applied: %q", cfg.App.Environment)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"detectors:",
		"  moving_average:",
		"    window_size: 10",
		"    deviation_threshold: 2.5",
		"  rate_of_change:",
		"    enabled: false",
		"alerting:",
		"  min_severity: warning",
		"  cooldown: 5m",
		"",
	}, "\n"))

	t.Setenv("SENSORWATCH_DETECTORS_THRESHOLD_CRITICAL_HIGH", "150")
	t.Setenv("SENSORWATCH_GENERATOR_PLATFORMS", "ALPHA,ECHO")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Detectors.MovingAverage.WindowSize != 10 || cfg.Detectors.MovingAverage.DeviationThreshold != 2.5 {
		t.Fatalf("moving average not overridden: %+v", cfg.Detectors.MovingAverage)
	}
	if cfg.Detectors.RateOfChange.Enabled {
		t.Fatalf("rate of change should be disabled")
	}
	if cfg.Detectors.Threshold.CriticalHigh != 150 {
		t.Fatalf("env override not applied: %v", cfg.Detectors.Threshold.CriticalHigh)
	}
	if got := cfg.Generator.Platforms; len(got) != 2 || got[1] != "ECHO" {
		t.Fatalf("unexpected platforms: %v", got)
	}
	if cfg.MinSeverity() != detector.SeverityWarning {
		t.Fatalf("expected WARNING floor, got %s", cfg.MinSeverity())
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("unexpected cooldown %s", cfg.Alerting.Cooldown)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"window size":      "detectors:\n  moving_average:\n    window_size: 0\n",
		"deviation":        "detectors:\n  moving_average:\n    deviation_threshold: -1\n",
		"max rate":         "detectors:\n  rate_of_change:\n    max_rate: 0\n",
		"time window":      "detectors:\n  rate_of_change:\n    time_window_seconds: 0\n",
		"critical high":    "detectors:\n  threshold:\n    critical_high: 0\n",
		"warning low":      "detectors:\n  threshold:\n    warning_low: -1\n",
		"probability":      "generator:\n  anomaly_probability: 2\n",
		"platform":         "generator:\n  platforms: [ZULU]\n",
		"severity":         "alerting:\n  min_severity: LOUD\n",
		"telegram token":   "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"all disabled":     "detectors:\n  threshold: {enabled: false}\n  moving_average: {enabled: false}\n  rate_of_change: {enabled: false}\n",
		"interval":         "scheduler:\n  interval: 0s\n",
		"negative state":   "detectors:\n  state:\n    max_sensors: -1\n",
		"metrics no addr":  "metrics:\n  listen_addr: \"\"\n",
		"export max point": "export:\n  max_data_points: 0\n",
		"retention":        "alerting:\n  retention: -1h\n",
	}

	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDisabledDetectorSkipsValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "detectors:\n  rate_of_change:\n    enabled: false\n    max_rate: 0\n"))
	if err != nil {
		t.Fatalf("disabled detector should not be validated: %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if cfg.ResolveMaxPoints(0) != 50 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatalf("unexpected max points resolution")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "detectors:\n  threshold:\n    warning_high: 100\n")

	changes := make(chan *Config, 4)
	errs := make(chan error, 4)
	cfg, err := Watch(path, func(c *Config) { changes <- c }, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if cfg.Detectors.Threshold.WarningHigh != 100 {
		t.Fatalf("unexpected initial warning_high %v", cfg.Detectors.Threshold.WarningHigh)
	}
	if cfg.Alerting.Retention != 720*time.Hour {
		t.Fatalf("unexpected default retention %s", cfg.Alerting.Retention)
	}

	if err := os.WriteFile(path, []byte("detectors:\n  threshold:\n    warning_high: 90\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-changes:
			if next.Detectors.Threshold.WarningHigh == 90 {
				return
			}
		case err := <-errs:
			t.Fatalf("reload failed: %v", err)
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestWatchRequiresFile(t *testing.T) {
	if _, err := Watch("", func(*Config) {}, func(error) {}); err == nil {
		t.Fatal("expected error without a config file")
	}
}
