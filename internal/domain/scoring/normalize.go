package scoring

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// microScale is the factor applied to raw values reported in millionths.
const microScale = 1_000_000

// Normalize converts a raw upstream value into a score in [0,1]. Values above
// one are treated as millionths. ok is false when raw is absent, non-numeric
// or not finite; such values are never coerced to zero.
func Normalize(raw any) (score float64, ok bool) {
	v, ok := toFloat(raw)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v > 1 {
		v /= microScale
	}
	return math.Max(0, math.Min(1, v)), true
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
