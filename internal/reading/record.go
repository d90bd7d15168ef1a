package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Field names shared by producers and detectors.
const (
	FieldSensorID   = "sensor_id"
	FieldPlatformID = "platform_id"
	FieldValue      = "value"
	FieldTimestamp  = "timestamp"
)

// Record is a decoded sensor reading. Numbers are kept as json.Number and
// unknown fields are carried through untouched, so re-encoding a record only
// ever adds the keys a detector sets.
type Record map[string]any

// Parse decodes a single JSON object.
func Parse(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return rec, nil
}

// SensorID returns the sensor identifier. Numeric identifiers are accepted and
// rendered in their wire form.
func (r Record) SensorID() (string, error) {
	switch v := r[FieldSensorID].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case json.Number:
		return v.String(), nil
	}
	return "", &FieldError{Field: FieldSensorID, Value: r[FieldSensorID], Err: ErrMissingField}
}

// PlatformID returns the platform identifier or "" when absent.
func (r Record) PlatformID() string {
	if v, ok := r[FieldPlatformID].(string); ok {
		return v
	}
	return ""
}

// Value returns the measured value coerced to float64.
func (r Record) Value() (float64, error) {
	raw, ok := r[FieldValue]
	if !ok || raw == nil {
		return 0, &FieldError{Field: FieldValue, Err: ErrMissingField}
	}
	f, err := Float(raw)
	if err != nil {
		return 0, &FieldError{Field: FieldValue, Value: raw, Err: err}
	}
	return f, nil
}

// Timestamp returns the reading time in epoch milliseconds. present is false
// when the record carries no timestamp; err is set when one is present but
// cannot be interpreted.
func (r Record) Timestamp() (ms int64, present bool, err error) {
	raw, ok := r[FieldTimestamp]
	if !ok || raw == nil {
		return 0, false, nil
	}
	ms, err = NormalizeMillis(raw)
	if err != nil {
		return 0, true, &FieldError{Field: FieldTimestamp, Value: raw, Err: err}
	}
	return ms, true, nil
}

// Marshal encodes the record without HTML escaping so passthrough strings keep
// their original form.
func (r Record) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(r)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
