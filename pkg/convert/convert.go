// Package convert turns stored property values into the strings and
// numbers annotations are compared as.
//
// Annotations are loaded as strings, but vertices written by other tools
// may carry typed properties. Every comparison, sort and statistic goes
// through this package so a value compares the same way everywhere.
//
// Example:
//
//	if f, ok := convert.ToFloat64(props["size"]); ok {
//		total += f
//	}
//	label := convert.ToString(props["name"])
package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ToFloat64 converts numeric types and numeric strings to float64.
// Strings are trimmed first; the empty string is not a number.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToFiniteFloat64 is ToFloat64 that also rejects NaN and infinities.
func ToFiniteFloat64(v any) (float64, bool) {
	f, ok := ToFloat64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToString renders a property value as an annotation string.
func ToString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
