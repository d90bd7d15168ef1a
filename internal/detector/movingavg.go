package detector

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/state"
)

const (
	MovingAverageName      = "MovingAverageDetector"
	MovingAverageNamespace = "moving_average"

	TypeMovingAverageDeviation = "moving_average_deviation"

	AttrMADeviation   = "ma.deviation"
	AttrMAMean        = "ma.mean"
	AttrMAStddev      = "ma.stddev"
	AttrMAWindowCount = "ma.window_count"

	// minWarmup is the floor of the warm-up length regardless of window size.
	minWarmup = 5
	// flatEpsilon is the tolerance below which a spread counts as zero.
	flatEpsilon = 1e-10
	// criticalFactor scales the deviation threshold into the critical band.
	criticalFactor = 1.5
)

// MovingAverageConfig parameterises the rolling-window detector.
type MovingAverageConfig struct {
	WindowSize         int     `mapstructure:"window_size"`
	DeviationThreshold float64 `mapstructure:"deviation_threshold"`
}

// DefaultMovingAverageConfig returns the stock parameters.
func DefaultMovingAverageConfig() MovingAverageConfig {
	return MovingAverageConfig{WindowSize: 50, DeviationThreshold: 3.0}
}

// Validate checks both parameters are positive.
func (c MovingAverageConfig) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be greater than zero")
	}
	if c.DeviationThreshold <= 0 {
		return fmt.Errorf("deviation_threshold must be greater than zero")
	}
	return nil
}

// warmup is the number of values a window needs before it is judged.
func (c MovingAverageConfig) warmup() int {
	if half := c.WindowSize / 2; half > minWarmup {
		return half
	}
	return minWarmup
}

// MovingAverage flags values that stray too many standard deviations from
// the sensor's recent history.
type MovingAverage struct {
	cfg     atomic.Pointer[MovingAverageConfig]
	windows *state.Store[*window]
	now     func() time.Time
	logger  zerolog.Logger
}

// NewMovingAverage validates cfg and builds a MovingAverage detector with an
// empty window store.
func NewMovingAverage(cfg MovingAverageConfig, opts Options, logger zerolog.Logger) (*MovingAverage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("moving average detector: %w", err)
	}
	d := &MovingAverage{
		windows: state.New[*window](opts.State),
		now:     opts.clock(),
		logger:  logger.With().Str("component", "moving_average_detector").Logger(),
	}
	d.cfg.Store(&cfg)
	return d, nil
}

// Name implements Detector.
func (d *MovingAverage) Name() string { return MovingAverageName }

// Config returns the active configuration.
func (d *MovingAverage) Config() MovingAverageConfig { return *d.cfg.Load() }

// Reconfigure swaps the active configuration. Existing windows adopt a new
// size on their sensor's next evaluation, keeping their most recent values.
func (d *MovingAverage) Reconfigure(cfg MovingAverageConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("moving average detector: %w", err)
	}
	d.cfg.Store(&cfg)
	return nil
}

// TrackedSensors reports how many sensors currently hold a window.
func (d *MovingAverage) TrackedSensors() int { return d.windows.Len() }

// Sweep drops idle windows when an idle TTL is configured.
func (d *MovingAverage) Sweep() int { return d.windows.Sweep() }

// Evicted reports how many windows were dropped by the state bounds.
func (d *MovingAverage) Evicted() uint64 { return d.windows.Evicted() }

type maAnalysis struct {
	severity    Severity
	kind        string
	deviation   *float64
	mean        float64
	stddev      float64
	count       int
	description string
}

// Evaluate implements Detector. Every successful call advances the sensor's
// window, whatever the classification.
func (d *MovingAverage) Evaluate(payload []byte) Result {
	in, err := decode(payload)
	if err != nil {
		return failure(MovingAverageName, payload, in, err, d.logger)
	}

	cfg := d.Config()
	now := d.now()
	readingMs, _ := in.readingTime(now)

	var a maAnalysis
	d.windows.Update(in.sensorID, func(w *window, found bool) (*window, bool) {
		switch {
		case !found:
			w = newWindow(cfg.WindowSize)
		case w.capacity() != cfg.WindowSize:
			d.logger.Info().
				Str("sensor_id", in.sensorID).
				Int("from", w.capacity()).
				Int("to", cfg.WindowSize).
				Msg("window size changed, rebuilding")
			w.resize(cfg.WindowSize)
		}
		w.push(in.value)
		a = analyzeWindow(in.sensorID, in.value, w, cfg)
		return w, true
	})

	details := map[string]any{
		"deviation":    nil,
		"mean":         jsonFloat(round(a.mean, 4)),
		"stddev":       jsonFloat(round(a.stddev, 4)),
		"window_count": a.count,
		"window_size":  cfg.WindowSize,
		"description":  a.description,
	}
	attrs := map[string]string{
		AttrMADeviation:   "0.0",
		AttrMAMean:        formatFloat(round(a.mean, 4)),
		AttrMAStddev:      formatFloat(round(a.stddev, 4)),
		AttrMAWindowCount: formatInt(int64(a.count)),
	}
	if a.deviation != nil {
		dev := round(*a.deviation, 4)
		details["deviation"] = jsonFloat(dev)
		attrs[AttrMADeviation] = formatFloat(dev)
	}

	return enrich(MovingAverageName, MovingAverageNamespace, in, classification{
		severity: a.severity,
		kind:     a.kind,
		details:  details,
		attrs:    attrs,
	}, payload, readingMs, now, d.logger)
}

// analyzeWindow classifies value, which has already been pushed into w.
//
// A window whose earlier values are flat is a constant baseline: a new value
// matching it is NORMAL with zero deviation, anything else is CRITICAL with an
// infinite deviation. Otherwise the deviation is measured against the
// population statistics of the whole window.
func analyzeWindow(sensorID string, value float64, w *window, cfg MovingAverageConfig) maAnalysis {
	count := w.len()
	mean, stddev := w.stats(0, count)
	a := maAnalysis{severity: SeverityNormal, kind: TypeNone, mean: mean, stddev: stddev, count: count}
	v := formatFloat(value)

	if count < cfg.warmup() {
		a.description = fmt.Sprintf("Sensor %s: warming up (%d/%d readings)", sensorID, count, cfg.WindowSize)
		return a
	}

	baseMean, baseStddev := w.stats(0, count-1)
	if baseStddev < flatEpsilon {
		a.mean, a.stddev = baseMean, baseStddev
		if math.Abs(value-baseMean) < flatEpsilon {
			zero := 0.0
			a.deviation = &zero
			a.description = fmt.Sprintf("Sensor %s: constant value stream, no deviation", sensorID)
			return a
		}
		inf := math.Inf(1)
		a.severity, a.kind, a.deviation = SeverityCritical, TypeMovingAverageDeviation, &inf
		a.description = fmt.Sprintf("Sensor %s: value %s deviates from constant baseline %s (stddev ~0)",
			sensorID, v, formatFloat(baseMean))
		return a
	}

	deviation := zscore(value, mean, stddev)
	a.deviation = &deviation

	switch critical := cfg.DeviationThreshold * criticalFactor; {
	case deviation > critical:
		a.severity, a.kind = SeverityCritical, TypeMovingAverageDeviation
		a.description = fmt.Sprintf("Sensor %s: value %s is %.2f stddevs from mean %.2f (critical > %.1f)",
			sensorID, v, deviation, mean, critical)
	case deviation > cfg.DeviationThreshold:
		a.severity, a.kind = SeverityWarning, TypeMovingAverageDeviation
		a.description = fmt.Sprintf("Sensor %s: value %s is %.2f stddevs from mean %.2f (warning > %.1f)",
			sensorID, v, deviation, mean, cfg.DeviationThreshold)
	default:
		a.description = fmt.Sprintf("Sensor %s: value %s within %.2f stddevs of mean %.2f",
			sensorID, v, deviation, mean)
	}
	return a
}

var _ Detector = (*MovingAverage)(nil)
