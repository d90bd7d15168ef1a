package generator

import (
	"math"
	"math/rand/v2"
)

// Pattern selects how a sensor value is synthesised.
type Pattern string

const (
	PatternNormal      Pattern = "normal"
	PatternDegradation Pattern = "degradation"
	PatternFailure     Pattern = "failure"
	PatternSeasonal    Pattern = "seasonal"
)

const (
	degradationDrift = 0.5 // units per hour
	failureSpike     = 3.0 // noise deviations
)

// SignalConfig describes the healthy behaviour of a sensor.
type SignalConfig struct {
	Setpoint          float64
	NoiseStd          float64
	SeasonalAmplitude float64
	SeasonalPeriod    float64 // hours
}

type signalKey struct {
	kind    SensorType
	subtype string
}

func sig(setpoint, noise float64) SignalConfig {
	return SignalConfig{Setpoint: setpoint, NoiseStd: noise, SeasonalPeriod: 24}
}

func seasonal(setpoint, noise, amplitude, period float64) SignalConfig {
	return SignalConfig{Setpoint: setpoint, NoiseStd: noise, SeasonalAmplitude: amplitude, SeasonalPeriod: period}
}

var defaultSignal = sig(50, 5)

// Pump discharge pressure shares the compressor's key; pump_discharge is kept
// for sensors configured with that subtype.
var signals = map[signalKey]SignalConfig{
	{Temperature, "discharge_temp"}:     seasonal(160, 3, 5, 24),
	{Pressure, "discharge_pressure"}:    seasonal(45, 1.5, 2, 24),
	{Vibration, "bearing_vibration"}:    sig(4.5, 0.8),
	{Temperature, "oil_temp"}:           seasonal(75, 2, 3, 24),
	{Pressure, "oil_pressure"}:          sig(5.5, 0.3),
	{Pressure, "vessel_pressure"}:       seasonal(28, 1, 1.5, 24),
	{Temperature, "process_temp"}:       seasonal(85, 2.5, 4, 24),
	{FlowRate, "oil_outlet_flow"}:       seasonal(250, 15, 20, 12),
	{FlowRate, "water_outlet_flow"}:     seasonal(120, 10, 15, 12),
	{FlowRate, "gas_outlet_flow"}:       seasonal(500, 30, 40, 12),
	{Pressure, "pump_discharge"}:        sig(200, 5),
	{Temperature, "bearing_temp"}:       seasonal(55, 1.5, 3, 24),
	{Vibration, "motor_vibration"}:      sig(3.5, 0.6),
	{FlowRate, "injection_flow"}:        seasonal(100, 8, 10, 8),
	{Pressure, "suction_pressure"}:      sig(4, 0.5),
	{Temperature, "exhaust_temp"}:       seasonal(420, 10, 15, 24),
	{Vibration, "shaft_vibration"}:      sig(3, 0.5),
	{Pressure, "inlet_pressure"}:        sig(18, 1),
	{Temperature, "lube_oil_temp"}:      seasonal(90, 2, 5, 24),
	{FlowRate, "fuel_gas_flow"}:         seasonal(2500, 100, 200, 6),
	{Temperature, "inlet_temp"}:         seasonal(120, 3, 8, 24),
	{Temperature, "outlet_temp"}:        seasonal(65, 2, 5, 24),
	{Pressure, "shell_pressure"}:        sig(22, 1),
	{Pressure, "tube_pressure"}:         sig(20, 1),
	{FlowRate, "process_flow"}:          seasonal(150, 10, 12, 24),
	{Pressure, "tubing_pressure"}:       seasonal(350, 8, 10, 24),
	{Pressure, "casing_pressure"}:       sig(220, 5),
	{Temperature, "wellhead_temp"}:      seasonal(110, 3, 6, 24),
	{FlowRate, "production_flow"}:       seasonal(80, 5, 8, 12),
	{Vibration, "choke_vibration"}:      sig(2, 0.4),
	{Pressure, "riser_pressure"}:        sig(150, 4),
	{Temperature, "riser_temp"}:         seasonal(45, 2, 5, 24),
	{Vibration, "viv_sensor"}:           seasonal(5, 1.5, 3, 6),
	{FlowRate, "throughput_flow"}:       seasonal(250, 15, 20, 24),
	{Pressure, "annulus_pressure"}:      sig(8, 0.5),
	{Pressure, "stack_pressure"}:        sig(690, 10),
	{Pressure, "accumulator_pressure"}:  sig(350, 5),
	{Temperature, "hydraulic_temp"}:     seasonal(45, 2, 4, 24),
	{Vibration, "stack_vibration"}:      sig(1, 0.2),
	{FlowRate, "hydraulic_flow"}:        sig(20, 2),
	{Temperature, "flame_temp"}:         seasonal(800, 50, 60, 24),
	{FlowRate, "gas_flow"}:              seasonal(4000, 300, 500, 8),
	{Pressure, "header_pressure"}:       sig(2.5, 0.3),
	{Temperature, "tip_temp"}:           seasonal(180, 10, 15, 24),
	{Vibration, "structural_vibration"}: seasonal(6, 1.5, 2, 24),
}

// Signal returns the signal configuration for s, or a generic default.
func Signal(s Sensor) SignalConfig {
	if cfg, ok := signals[signalKey{s.Type, s.Subtype}]; ok {
		return cfg
	}
	return defaultSignal
}

func (c SignalConfig) seasonalOffset(tHours float64) float64 {
	if c.SeasonalAmplitude == 0 {
		return 0
	}
	return c.SeasonalAmplitude * math.Sin(2*math.Pi*tHours/c.SeasonalPeriod)
}

func (c SignalConfig) normal(rng *rand.Rand, tHours float64) float64 {
	return c.Setpoint + rng.NormFloat64()*c.NoiseStd + c.seasonalOffset(tHours)
}

// Value synthesises one reading of s at tHours into the run using pattern,
// clamped to the sensor's physical range. Unknown patterns behave as normal.
func Value(rng *rand.Rand, s Sensor, tHours float64, pattern Pattern) float64 {
	cfg := Signal(s)

	var v float64
	switch pattern {
	case PatternDegradation:
		v = cfg.normal(rng, tHours) + degradationDrift*tHours
	case PatternFailure:
		direction := -1.0
		if rng.Float64() > 0.5 {
			direction = 1.0
		}
		v = cfg.Setpoint + direction*failureSpike*cfg.NoiseStd
	case PatternSeasonal:
		v = cfg.Setpoint + cfg.seasonalOffset(tHours)
	default:
		v = cfg.normal(rng, tHours)
	}
	return math.Max(s.Min, math.Min(s.Max, v))
}
