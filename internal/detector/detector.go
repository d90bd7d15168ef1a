// Package detector classifies individual sensor readings as NORMAL, WARNING
// or CRITICAL.
//
// Each detector consumes one JSON reading per call, keeps whatever per-sensor
// state it needs, and returns a Result carrying the enriched record plus a
// flat attribute map for routing. Malformed input never panics and never
// touches detector state; it produces a Result with OutcomeFailure.
package detector

import (
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/reading"
	"sensorwatch/internal/state"
)

// Severity is the ordinal classification of a reading.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityUnknown  Severity = "UNKNOWN"
)

// Rank orders severities; UNKNOWN ranks below NORMAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityNormal:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity maps a configured name onto a Severity.
func ParseSeverity(v string) (Severity, bool) {
	switch s := Severity(v); s {
	case SeverityNormal, SeverityWarning, SeverityCritical:
		return s, true
	}
	return SeverityUnknown, false
}

// Outcome is the routing relationship of a Result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TypeNone marks a reading that is not anomalous.
const TypeNone = "none"

// Attribute keys shared by all detectors.
const (
	AttrSeverity   = "anomaly.severity"
	AttrType       = "anomaly.type"
	AttrDetectedAt = "anomaly.detected_at"
	AttrDetector   = "anomaly.detector"
	AttrError      = "anomaly.error"
	AttrSensorID   = "sensor.id"
	AttrPlatformID = "platform.id"
)

// Result is the outcome of evaluating a single reading.
type Result struct {
	Outcome  Outcome
	Severity Severity
	Type     string
	Detector string

	SensorID    string
	PlatformID  string
	Value       float64
	ReadingTime time.Time
	DetectedAt  time.Time

	// Details is the object nested into the record under the detector's
	// namespace. Body is the enriched record on success and the untouched
	// payload on failure.
	Details    map[string]any
	Body       []byte
	Attributes map[string]string

	Err error
}

// Detector evaluates raw JSON readings.
type Detector interface {
	Name() string
	Evaluate(payload []byte) Result
}

// Options carry the collaborators shared by every detector.
type Options struct {
	// Now overrides the wall clock used for detected_at and missing timestamps.
	Now func() time.Time
	// State tunes the per-sensor store of stateful detectors.
	State state.Options
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

type input struct {
	rec        reading.Record
	sensorID   string
	platformID string
	value      float64
}

// decode validates the fields every detector requires.
func decode(payload []byte) (input, error) {
	rec, err := reading.Parse(payload)
	if err != nil {
		return input{}, err
	}
	in := input{rec: rec, platformID: rec.PlatformID()}
	if in.sensorID, err = rec.SensorID(); err != nil {
		return in, err
	}
	if in.value, err = rec.Value(); err != nil {
		return in, err
	}
	return in, nil
}

// readingTime resolves the record timestamp, falling back to now. The error
// is returned for logging only.
func (in input) readingTime(now time.Time) (int64, error) {
	ms, present, err := in.rec.Timestamp()
	if !present || err != nil {
		return now.UnixMilli(), err
	}
	return ms, nil
}

func failure(name string, payload []byte, in input, err error, logger zerolog.Logger) Result {
	if in.rec == nil {
		logger.Error().Err(err).Msg("failed to parse reading")
	} else {
		logger.Warn().Err(err).Str("sensor_id", in.sensorID).Msg("rejected reading")
	}

	return Result{
		Outcome:    OutcomeFailure,
		Severity:   SeverityUnknown,
		Detector:   name,
		SensorID:   in.sensorID,
		PlatformID: in.platformID,
		Body:       payload,
		Attributes: map[string]string{
			AttrError:    err.Error(),
			AttrSeverity: string(SeverityUnknown),
		},
		Err: err,
	}
}

type classification struct {
	severity Severity
	kind     string
	details  map[string]any
	attrs    map[string]string
}

// enrich nests the classification into the record and builds the Result.
func enrich(name, namespace string, in input, c classification, payload []byte, readingMs int64, now time.Time, logger zerolog.Logger) Result {
	detectedAt := now.UnixMilli()
	c.details["severity"] = string(c.severity)
	c.details["type"] = c.kind
	c.details["detected_at"] = detectedAt
	c.details["detector"] = name
	in.rec[namespace] = c.details

	body, err := in.rec.Marshal()
	if err != nil {
		delete(in.rec, namespace)
		return failure(name, payload, in, err, logger)
	}

	attrs := c.attrs
	if attrs == nil {
		attrs = make(map[string]string, 6)
	}
	attrs[AttrSeverity] = string(c.severity)
	attrs[AttrType] = c.kind
	attrs[AttrDetectedAt] = formatInt(detectedAt)
	attrs[AttrDetector] = name
	if in.sensorID != "" {
		attrs[AttrSensorID] = in.sensorID
	}
	if in.platformID != "" {
		attrs[AttrPlatformID] = in.platformID
	}

	return Result{
		Outcome:     OutcomeSuccess,
		Severity:    c.severity,
		Type:        c.kind,
		Detector:    name,
		SensorID:    in.sensorID,
		PlatformID:  in.platformID,
		Value:       in.value,
		ReadingTime: time.UnixMilli(readingMs).UTC(),
		DetectedAt:  time.UnixMilli(detectedAt).UTC(),
		Details:     c.details,
		Body:        body,
		Attributes:  attrs,
	}
}
