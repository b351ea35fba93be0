package compiler

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/artpar/entigate/core/schema"
)

// dateLayouts are tried in order when parsing date strings.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func coerceString(raw any, c schema.Constraints, pattern *regexp.Regexp) (any, string) {
	s, ok := raw.(string)
	if !ok {
		return nil, CodeType
	}

	n := utf8.RuneCountInString(s)
	if c.MinLength != nil && n < *c.MinLength {
		return nil, CodeMinLength
	}
	if c.MaxLength != nil && n > *c.MaxLength {
		return nil, CodeMaxLength
	}
	if pattern != nil && !pattern.MatchString(s) {
		return nil, CodePattern
	}
	return s, ""
}

func coerceNumber(raw any, c schema.Constraints) (any, string) {
	n, ok := toFloat64(raw)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, CodeType
	}

	if c.Integer && n != math.Trunc(n) {
		return nil, CodeInteger
	}
	if c.Min != nil && n < *c.Min {
		return nil, CodeMin
	}
	if c.Max != nil && n > *c.Max {
		return nil, CodeMax
	}
	return n, ""
}

func coerceBool(raw any) (any, string) {
	switch v := raw.(type) {
	case bool:
		return v, ""
	case string:
		switch strings.TrimSpace(v) {
		case "true":
			return true, ""
		case "false":
			return false, ""
		}
	}
	return nil, CodeType
}

func coerceDate(raw any) (any, string) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), ""
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), ""
			}
		}
		return nil, CodeDate
	}

	// Numbers are epoch milliseconds.
	if ms, ok := toFloat64(raw); ok && !math.IsNaN(ms) && !math.IsInf(ms, 0) {
		if _, isString := raw.(string); !isString {
			return time.UnixMilli(int64(ms)).UTC(), ""
		}
	}
	return nil, CodeDate
}

func coerceEnum(raw any, values map[string]string, caseInsensitive bool) (any, string) {
	s, ok := raw.(string)
	if !ok {
		return nil, CodeType
	}
	if canonical, ok := values[s]; ok {
		return canonical, ""
	}
	if caseInsensitive {
		if canonical, ok := values[strings.ToLower(s)]; ok {
			return canonical, ""
		}
	}
	return nil, CodeEnum
}

func coerceRef(raw any) (any, string) {
	s, ok := raw.(string)
	if !ok {
		return nil, CodeRef
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, CodeRef
	}
	return s, ""
}

// toFloat64 converts numeric values and numeric-looking strings.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
