package detector

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// infinity is how an unbounded deviation is written into the record body;
// JSON has no literal for it.
const infinity = "Infinity"

func round(v float64, places int32) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// jsonFloat makes v safe for the record body. JSON has no literal for
// non-finite numbers: infinities become strings and NaN becomes null.
func jsonFloat(v float64) any {
	switch {
	case math.IsInf(v, 1):
		return infinity
	case math.IsInf(v, -1):
		return "-" + infinity
	case math.IsNaN(v):
		return nil
	}
	return v
}

// formatFloat renders v the way routing consumers expect numeric
// attributes: always with a fractional part or an exponent ("120.0", "1e-05").
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}

	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
