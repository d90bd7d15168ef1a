// Package generator synthesises sensor readings for a fleet of offshore
// platforms. It feeds the detectors during local runs and backfills; it is
// not part of the detection path.
package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quality flags attached to generated readings.
const (
	QualityGood    = "GOOD"
	QualitySuspect = "SUSPECT"
	QualityBad     = "BAD"
)

// degradationShare is the fraction of injected anomalies that drift rather
// than spike.
const degradationShare = 0.6

// Reading is the wire form of one measurement.
type Reading struct {
	ReadingID   string  `json:"reading_id"`
	PlatformID  string  `json:"platform_id"`
	SensorID    string  `json:"sensor_id"`
	SensorType  string  `json:"sensor_type"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Timestamp   int64   `json:"timestamp"`
	QualityFlag string  `json:"quality_flag"`
}

// JSON encodes r as a detector payload.
func (r Reading) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Options configure a Generator.
type Options struct {
	Platforms          []string
	AnomalyProbability float64
	// Seed fixes the random sequence; zero picks a random seed.
	Seed uint64
	// Start is the origin for seasonal and drift terms; zero means now.
	Start time.Time
	Now   func() time.Time
}

// Generator produces readings for every sensor of the configured platforms.
type Generator struct {
	sensors []Sensor
	prob    float64
	start   time.Time
	now     func() time.Time
	logger  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Generator over the fleet named by opts.Platforms.
func New(opts Options, logger zerolog.Logger) (*Generator, error) {
	if opts.AnomalyProbability < 0 || opts.AnomalyProbability > 1 {
		return nil, fmt.Errorf("anomaly probability must be within [0,1], got %v", opts.AnomalyProbability)
	}
	platforms := opts.Platforms
	if len(platforms) == 0 {
		platforms = PlatformIDs()
	}
	sensors, err := Fleet(platforms)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := opts.Start
	if start.IsZero() {
		start = now()
	}

	return &Generator{
		sensors: sensors,
		prob:    opts.AnomalyProbability,
		start:   start,
		now:     now,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:  logger.With().Str("component", "generator").Logger(),
	}, nil
}

// Sensors returns the generated fleet.
func (g *Generator) Sensors() []Sensor {
	out := make([]Sensor, len(g.sensors))
	copy(out, g.sensors)
	return out
}

// Cycle produces one reading per sensor stamped with the current time.
// The second return value counts injected anomalies.
func (g *Generator) Cycle() ([]Reading, int) {
	return g.CycleAt(g.now())
}

// CycleAt produces one reading per sensor stamped with at.
func (g *Generator) CycleAt(at time.Time) ([]Reading, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tHours := at.Sub(g.start).Hours()
	ts := at.UnixMilli()
	readings := make([]Reading, 0, len(g.sensors))
	anomalies := 0
	for _, s := range g.sensors {
		pattern, quality := g.pickPattern()
		if pattern != PatternNormal {
			anomalies++
		}
		readings = append(readings, g.reading(s, Value(g.rng, s, tHours, pattern), ts, quality))
	}
	return readings, anomalies
}

func (g *Generator) pickPattern() (Pattern, string) {
	if g.rng.Float64() < g.prob {
		if g.rng.Float64() < degradationShare {
			return PatternDegradation, QualitySuspect
		}
		return PatternFailure, QualityBad
	}
	return PatternNormal, QualityGood
}

func (g *Generator) reading(s Sensor, value float64, ts int64, quality string) Reading {
	return Reading{
		ReadingID:   uuid.NewString(),
		PlatformID:  s.PlatformID,
		SensorID:    s.ID,
		SensorType:  string(s.Type),
		Value:       decimal.NewFromFloat(value).Round(4).InexactFloat64(),
		Unit:        s.Unit,
		Timestamp:   ts,
		QualityFlag: quality,
	}
}

// ErrBadRange is returned by Historical for an empty or inverted span.
var ErrBadRange = errors.New("historical range must have from before to and a positive step")

// Historical walks [from, to] in step increments and hands each tick's
// healthy readings to fn. Seasonal terms are measured from from. Walking
// stops at the first error returned by fn.
func (g *Generator) Historical(from, to time.Time, step time.Duration, fn func(at time.Time, readings []Reading) error) error {
	if step <= 0 || !from.Before(to) {
		return ErrBadRange
	}

	ticks := 0
	for at := from; !at.After(to); at = at.Add(step) {
		tHours := at.Sub(from).Hours()
		ts := at.UnixMilli()

		g.mu.Lock()
		readings := make([]Reading, 0, len(g.sensors))
		for _, s := range g.sensors {
			readings = append(readings, g.reading(s, Value(g.rng, s, tHours, PatternNormal), ts, QualityGood))
		}
		g.mu.Unlock()

		if err := fn(at, readings); err != nil {
			return fmt.Errorf("historical tick %s: %w", at.UTC().Format(time.RFC3339), err)
		}
		ticks++
	}

	g.logger.Debug().Int("ticks", ticks).Int("sensors", len(g.sensors)).Msg("historical generation finished")
	return nil
}
