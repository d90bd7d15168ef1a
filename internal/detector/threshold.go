package detector

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	ThresholdName      = "ThresholdDetector"
	ThresholdNamespace = "anomaly"

	TypeThresholdExceeded = "threshold_exceeded"
	TypeThresholdWarning  = "threshold_warning"

	AttrThresholdValue = "anomaly.threshold_value"
)

// ThresholdConfig holds the four static bounds. Ordering between them is not
// enforced; a misordered configuration still evaluates in fixed precedence.
type ThresholdConfig struct {
	CriticalHigh float64 `mapstructure:"critical_high"`
	WarningHigh  float64 `mapstructure:"warning_high"`
	CriticalLow  float64 `mapstructure:"critical_low"`
	WarningLow   float64 `mapstructure:"warning_low"`
}

// DefaultThresholdConfig returns the stock bounds.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{CriticalHigh: 120, WarningHigh: 100, CriticalLow: 5, WarningLow: 10}
}

// Validate checks highs are positive and lows non-negative.
func (c ThresholdConfig) Validate() error {
	if c.CriticalHigh <= 0 {
		return fmt.Errorf("critical_high must be greater than zero")
	}
	if c.WarningHigh <= 0 {
		return fmt.Errorf("warning_high must be greater than zero")
	}
	if c.CriticalLow < 0 {
		return fmt.Errorf("critical_low cannot be negative")
	}
	if c.WarningLow < 0 {
		return fmt.Errorf("warning_low cannot be negative")
	}
	return nil
}

// Threshold compares each value against static bounds. It holds no
// per-sensor state.
type Threshold struct {
	cfg    atomic.Pointer[ThresholdConfig]
	now    func() time.Time
	logger zerolog.Logger
}

// NewThreshold validates cfg and builds a Threshold detector.
func NewThreshold(cfg ThresholdConfig, opts Options, logger zerolog.Logger) (*Threshold, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("threshold detector: %w", err)
	}
	d := &Threshold{
		now:    opts.clock(),
		logger: logger.With().Str("component", "threshold_detector").Logger(),
	}
	d.cfg.Store(&cfg)
	return d, nil
}

// Name implements Detector.
func (d *Threshold) Name() string { return ThresholdName }

// Config returns the active bounds.
func (d *Threshold) Config() ThresholdConfig { return *d.cfg.Load() }

// Reconfigure swaps the active bounds.
func (d *Threshold) Reconfigure(cfg ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("threshold detector: %w", err)
	}
	d.cfg.Store(&cfg)
	return nil
}

// Evaluate implements Detector.
func (d *Threshold) Evaluate(payload []byte) Result {
	in, err := decode(payload)
	if err != nil {
		return failure(ThresholdName, payload, in, err, d.logger)
	}

	now := d.now()
	readingMs, _ := in.readingTime(now)

	severity, kind, bound, description := classifyThreshold(d.Config(), in.sensorID, in.value)

	details := map[string]any{
		"threshold_value": nil,
		"description":     description,
	}
	attrs := map[string]string{AttrThresholdValue: ""}
	if bound != nil {
		details["threshold_value"] = jsonFloat(*bound)
		attrs[AttrThresholdValue] = formatFloat(*bound)
	}

	return enrich(ThresholdName, ThresholdNamespace, in, classification{
		severity: severity,
		kind:     kind,
		details:  details,
		attrs:    attrs,
	}, payload, readingMs, now, d.logger)
}

// classifyThreshold applies critical-high, critical-low, warning-high,
// warning-low in that order; the first inclusive match wins.
func classifyThreshold(cfg ThresholdConfig, sensorID string, value float64) (Severity, string, *float64, string) {
	v := formatFloat(value)
	switch {
	case value >= cfg.CriticalHigh:
		return SeverityCritical, TypeThresholdExceeded, &cfg.CriticalHigh,
			fmt.Sprintf("Sensor %s: value %s >= critical high %s", sensorID, v, formatFloat(cfg.CriticalHigh))
	case value <= cfg.CriticalLow:
		return SeverityCritical, TypeThresholdExceeded, &cfg.CriticalLow,
			fmt.Sprintf("Sensor %s: value %s <= critical low %s", sensorID, v, formatFloat(cfg.CriticalLow))
	case value >= cfg.WarningHigh:
		return SeverityWarning, TypeThresholdWarning, &cfg.WarningHigh,
			fmt.Sprintf("Sensor %s: value %s >= warning high %s", sensorID, v, formatFloat(cfg.WarningHigh))
	case value <= cfg.WarningLow:
		return SeverityWarning, TypeThresholdWarning, &cfg.WarningLow,
			fmt.Sprintf("Sensor %s: value %s <= warning low %s", sensorID, v, formatFloat(cfg.WarningLow))
	default:
		return SeverityNormal, TypeNone, nil,
			fmt.Sprintf("Sensor %s: value %s within normal range", sensorID, v)
	}
}

var _ Detector = (*Threshold)(nil)
