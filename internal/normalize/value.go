package normalize

import (
	"strconv"
	"strings"
	"time"
)

// truthyTokens lists locale-aware true values for boolean feed columns.
// Anything else is false.
var truthyTokens = map[string]bool{
	"true": true,
	"yes":  true,
	"y":    true,
	"1":    true,
	"ja":   true,
	"waar": true,
	"oui":  true,
	"si":   true,
	"sí":   true,
	"wahr": true,
	"on":   true,
}

// Bool normalizes a raw boolean value using the truthy-token list.
func Bool(raw string) bool {
	return truthyTokens[strings.ToLower(strings.TrimSpace(raw))]
}

// timeLayouts is the fallback chain for feed timestamps, most common first.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02",
	"02-01-2006",
}

// Time parses a feed timestamp through the layout fallback chain. When no
// layout matches, it returns the provided fallback (typically time.Now);
// rows are kept with a lossy timestamp rather than rejected.
func Time(raw string, fallback time.Time) time.Time {
	v := strings.TrimSpace(raw)
	if v == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return fallback
}

// Int parses an integer, tolerating surrounding whitespace and decimal
// points. Unparseable values return 0.
func Int(raw string) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return 0
}

// Float parses a float, tolerating comma decimal separators. Unparseable
// values return 0.
func Float(raw string) float64 {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	// European decimal comma.
	if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err == nil {
		return f
	}
	return 0
}
