package transform

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// layouts are tried in order for string timestamps.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700", // Jira
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// msThreshold separates epoch seconds from epoch milliseconds.
const msThreshold = 1e12

// ParseTime converts strings in the common API layouts, epoch seconds and
// epoch milliseconds to UTC. Layouts without a zone are read as UTC.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return Canonical(t), !t.IsZero()
	case string:
		return parseTimeString(t)
	case float64:
		return FromEpoch(t), true
	case int64:
		return FromEpoch(float64(t)), true
	case int:
		return FromEpoch(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return FromEpoch(f), true
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Canonical(t), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromEpoch(f), true
	}
	return time.Time{}, false
}

// FromEpoch converts epoch seconds, or milliseconds when v > 1e12.
func FromEpoch(v float64) time.Time {
	if v > msThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Canonical is the single timezone every stored timestamp uses.
func Canonical(t time.Time) time.Time {
	return t.UTC()
}

// FormatTime renders t for warehouse columns; zero times render as nil.
func FormatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return Canonical(t).Format(time.RFC3339Nano)
}

// NullTime returns the canonical time, or nil for the zero time.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return Canonical(t)
}
