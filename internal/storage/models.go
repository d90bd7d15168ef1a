package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"sensorwatch/internal/detector"
)

// Detection is a persisted successful classification.
type Detection struct {
	ID          int64
	Detector    string
	SensorID    string
	PlatformID  string
	Severity    string
	Type        string
	Value       decimal.Decimal
	ReadingTS   time.Time
	DetectedAt  time.Time
	Description string
	Details     json.RawMessage
	CreatedAt   time.Time
}

// DetectionFailure records a reading a detector rejected.
type DetectionFailure struct {
	Detector  string
	SensorID  string
	Error     string
	Payload   []byte
	CreatedAt time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID          int64
	Detector    string
	SensorID    string
	PlatformID  string
	Severity    string
	Type        string
	Value       decimal.Decimal
	ReadingTS   time.Time
	Description string
	Channels    []string
	CreatedAt   time.Time
}

// DetectionFilter narrows detection listings. Zero fields match everything.
type DetectionFilter struct {
	SensorID string
	Detector string
	// Severities restricts to the listed severities.
	Severities []string
	From, To   time.Time
	Limit      int
}

// NewDetection converts a successful detector result into its stored form.
func NewDetection(res detector.Result) (Detection, error) {
	if res.Outcome != detector.OutcomeSuccess {
		return Detection{}, fmt.Errorf("result from %s is not a success", res.Detector)
	}
	details, err := json.Marshal(res.Details)
	if err != nil {
		return Detection{}, fmt.Errorf("encode details: %w", err)
	}
	description, _ := res.Details["description"].(string)

	return Detection{
		Detector:    res.Detector,
		SensorID:    res.SensorID,
		PlatformID:  res.PlatformID,
		Severity:    string(res.Severity),
		Type:        res.Type,
		Value:       finiteDecimal(res.Value),
		ReadingTS:   res.ReadingTime,
		DetectedAt:  res.DetectedAt,
		Description: description,
		Details:     details,
	}, nil
}

// NewDetectionFailure converts a failed detector result.
func NewDetectionFailure(res detector.Result, at time.Time) DetectionFailure {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	return DetectionFailure{
		Detector:  res.Detector,
		SensorID:  res.SensorID,
		Error:     msg,
		Payload:   res.Body,
		CreatedAt: at,
	}
}

// NewAlertRecord builds the audit row for an alert about det.
func NewAlertRecord(det Detection, channels []string) AlertRecord {
	return AlertRecord{
		Detector:    det.Detector,
		SensorID:    det.SensorID,
		PlatformID:  det.PlatformID,
		Severity:    det.Severity,
		Type:        det.Type,
		Value:       det.Value,
		ReadingTS:   det.ReadingTS,
		Description: det.Description,
		Channels:    channels,
	}
}

func finiteDecimal(v float64) decimal.Decimal {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
