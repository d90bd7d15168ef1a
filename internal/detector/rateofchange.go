package detector

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/state"
)

const (
	RateOfChangeName      = "RateOfChangeDetector"
	RateOfChangeNamespace = "rate_of_change"

	TypeRateOfChangeSpike = "rate_of_change_spike"

	AttrROCRate    = "roc.rate"
	AttrROCIsSpike = "roc.is_spike"

	// spikeCriticalFactor scales max_rate into the critical band.
	spikeCriticalFactor = 2.0
)

// RateOfChangeConfig parameterises the spike detector.
type RateOfChangeConfig struct {
	MaxRate           float64 `mapstructure:"max_rate"`
	TimeWindowSeconds int     `mapstructure:"time_window_seconds"`
}

// DefaultRateOfChangeConfig returns the stock parameters.
func DefaultRateOfChangeConfig() RateOfChangeConfig {
	return RateOfChangeConfig{MaxRate: 10.0, TimeWindowSeconds: 60}
}

// Validate checks both parameters are positive.
func (c RateOfChangeConfig) Validate() error {
	if c.MaxRate <= 0 {
		return fmt.Errorf("max_rate must be greater than zero")
	}
	if c.TimeWindowSeconds <= 0 {
		return fmt.Errorf("time_window_seconds must be greater than zero")
	}
	return nil
}

// observation is the last value seen for a sensor.
type observation struct {
	value       float64
	timestampMs int64
}

// RateOfChange flags readings whose value moved too fast since the sensor's
// previous reading.
type RateOfChange struct {
	cfg    atomic.Pointer[RateOfChangeConfig]
	last   *state.Store[observation]
	now    func() time.Time
	logger zerolog.Logger
}

// NewRateOfChange validates cfg and builds a RateOfChange detector with no
// baselines.
func NewRateOfChange(cfg RateOfChangeConfig, opts Options, logger zerolog.Logger) (*RateOfChange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate of change detector: %w", err)
	}
	d := &RateOfChange{
		last:   state.New[observation](opts.State),
		now:    opts.clock(),
		logger: logger.With().Str("component", "rate_of_change_detector").Logger(),
	}
	d.cfg.Store(&cfg)
	return d, nil
}

// Name implements Detector.
func (d *RateOfChange) Name() string { return RateOfChangeName }

// Config returns the active configuration.
func (d *RateOfChange) Config() RateOfChangeConfig { return *d.cfg.Load() }

// Reconfigure swaps the active configuration.
func (d *RateOfChange) Reconfigure(cfg RateOfChangeConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rate of change detector: %w", err)
	}
	d.cfg.Store(&cfg)
	return nil
}

// TrackedSensors reports how many sensors currently hold a baseline.
func (d *RateOfChange) TrackedSensors() int { return d.last.Len() }

// Sweep drops idle baselines when an idle TTL is configured.
func (d *RateOfChange) Sweep() int { return d.last.Sweep() }

// Evicted reports how many baselines were dropped by the state bounds.
func (d *RateOfChange) Evicted() uint64 { return d.last.Evicted() }

type rocAnalysis struct {
	severity    Severity
	spike       bool
	rate        *float64
	description string
}

// Evaluate implements Detector. Every successful call replaces the sensor's
// stored observation with this reading.
func (d *RateOfChange) Evaluate(payload []byte) Result {
	in, err := decode(payload)
	if err != nil {
		return failure(RateOfChangeName, payload, in, err, d.logger)
	}

	cfg := d.Config()
	now := d.now()
	tsMs, tsErr := in.readingTime(now)
	if tsErr != nil {
		d.logger.Warn().Err(tsErr).Str("sensor_id", in.sensorID).Msg("unable to parse timestamp, using current time")
	}

	var a rocAnalysis
	d.last.Update(in.sensorID, func(prev observation, found bool) (observation, bool) {
		a = d.analyze(in.sensorID, in.value, tsMs, prev, found, cfg)
		return observation{value: in.value, timestampMs: tsMs}, true
	})

	kind := TypeNone
	if a.spike {
		kind = TypeRateOfChangeSpike
	}

	details := map[string]any{
		"is_spike":           a.spike,
		"rate":               nil,
		"max_rate_threshold": cfg.MaxRate,
		"description":        a.description,
	}
	attrs := map[string]string{
		AttrROCRate:    "0.0",
		AttrROCIsSpike: strconv.FormatBool(a.spike),
	}
	if a.rate != nil {
		rate := round(*a.rate, 6)
		details["rate"] = jsonFloat(rate)
		attrs[AttrROCRate] = formatFloat(rate)
	}

	return enrich(RateOfChangeName, RateOfChangeNamespace, in, classification{
		severity: a.severity,
		kind:     kind,
		details:  details,
		attrs:    attrs,
	}, payload, tsMs, now, d.logger)
}

func (d *RateOfChange) analyze(sensorID string, value float64, tsMs int64, prev observation, found bool, cfg RateOfChangeConfig) rocAnalysis {
	a := rocAnalysis{severity: SeverityNormal}

	if !found {
		a.description = fmt.Sprintf("Sensor %s: first reading, establishing baseline", sensorID)
		return a
	}

	deltaMs := tsMs - prev.timestampMs
	deltaSeconds := float64(deltaMs) / 1000.0

	if deltaSeconds <= 0 {
		d.logger.Warn().
			Str("sensor_id", sensorID).
			Int64("delta_ms", deltaMs).
			Int64("current", tsMs).
			Int64("previous", prev.timestampMs).
			Msg("non-positive time delta")
		a.description = fmt.Sprintf("Sensor %s: non-positive time delta (%.3fs), skipping rate calculation",
			sensorID, deltaSeconds)
		return a
	}

	if deltaSeconds > float64(cfg.TimeWindowSeconds) {
		d.logger.Info().
			Str("sensor_id", sensorID).
			Float64("gap_seconds", deltaSeconds).
			Int("window_seconds", cfg.TimeWindowSeconds).
			Msg("time gap exceeds window, resetting baseline")
		a.description = fmt.Sprintf("Sensor %s: time gap %.1fs exceeds window %ds, new baseline",
			sensorID, deltaSeconds, cfg.TimeWindowSeconds)
		return a
	}

	rate := math.Abs(value-prev.value) / deltaSeconds
	a.rate = &rate

	switch critical := cfg.MaxRate * spikeCriticalFactor; {
	case rate > critical:
		a.severity, a.spike = SeverityCritical, true
		a.description = fmt.Sprintf("Sensor %s: critical spike detected, rate %.4f units/s (>%.1f, 2x threshold) over %.1fs",
			sensorID, rate, critical, deltaSeconds)
	case rate > cfg.MaxRate:
		a.severity, a.spike = SeverityWarning, true
		a.description = fmt.Sprintf("Sensor %s: spike detected, rate %.4f units/s (>%.1f) over %.1fs",
			sensorID, rate, cfg.MaxRate, deltaSeconds)
	default:
		a.description = fmt.Sprintf("Sensor %s: rate %.4f units/s within threshold %.1f over %.1fs",
			sensorID, rate, cfg.MaxRate, deltaSeconds)
	}
	return a
}

var _ Detector = (*RateOfChange)(nil)
