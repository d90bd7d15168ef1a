package reading

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// secondsCutoff separates epoch-second timestamps from epoch-millisecond ones.
const secondsCutoff = 1e12

// Float coerces a decoded JSON value into a finite float64. Numbers and numeric
// strings are accepted; booleans, objects, arrays, NaN and infinities are not.
func Float(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		f = parsed
	default:
		return 0, ErrNotNumeric
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumeric
	}
	return f, nil
}

// NormalizeMillis converts a raw timestamp into epoch milliseconds. The value is
// truncated to an integer first; anything below 1e12 is taken as epoch seconds.
func NormalizeMillis(v any) (int64, error) {
	var ts int64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			ts = i
			break
		}
		f, err := Float(n)
		if err != nil {
			return 0, err
		}
		if ts, err = truncate(f); err != nil {
			return 0, err
		}
	case bool:
		return 0, ErrNotNumeric
	default:
		f, err := Float(v)
		if err != nil {
			return 0, err
		}
		if ts, err = truncate(f); err != nil {
			return 0, err
		}
	}

	if ts < secondsCutoff {
		if ts < math.MinInt64/1000 {
			return 0, ErrNotNumeric
		}
		return ts * 1000, nil
	}
	return ts, nil
}

func truncate(f float64) (int64, error) {
	if f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, ErrNotNumeric
	}
	return int64(f), nil
}
