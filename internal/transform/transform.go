// Package transform holds the helpers source adapters use to map raw API
// records onto warehouse rows.
//
// Payload shapes differ between API versions and tenants, so every field is
// read through an ordered list of typed accessors: the first accessor that
// yields a value of the right type wins, and a record missing every candidate
// simply leaves the column empty.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Record is a decoded JSON object.
type Record = map[string]any

// Accessor extracts a typed value from a record.
type Accessor[T any] func(rec Record) (T, bool)

// First returns the result of the first accessor that succeeds.
func First[T any](rec Record, accessors ...Accessor[T]) (T, bool) {
	for _, a := range accessors {
		if v, ok := a(rec); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Or returns the first successful accessor's value or def.
func Or[T any](rec Record, def T, accessors ...Accessor[T]) T {
	if v, ok := First(rec, accessors...); ok {
		return v
	}
	return def
}

// Lookup walks a dotted path through nested objects.
func Lookup(rec Record, path string) (any, bool) {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// String reads a non-empty string at path. Numbers are formatted.
func String(path string) Accessor[string] {
	return func(rec Record) (string, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return "", false
		}
		return AsString(v)
	}
}

// Int reads an integer at path; numeric strings are accepted.
func Int(path string) Accessor[int64] {
	return func(rec Record) (int64, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return 0, false
		}
		return AsInt(v)
	}
}

// Float reads a number at path; numeric strings are accepted.
func Float(path string) Accessor[float64] {
	return func(rec Record) (float64, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return 0, false
		}
		return AsFloat(v)
	}
}

// Bool reads a boolean at path.
func Bool(path string) Accessor[bool] {
	return func(rec Record) (bool, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return false, false
		}
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			p, err := strconv.ParseBool(b)
			return p, err == nil
		}
		return false, false
	}
}

// Time reads a timestamp at path (see ParseTime).
func Time(path string) Accessor[time.Time] {
	return func(rec Record) (time.Time, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return time.Time{}, false
		}
		return ParseTime(v)
	}
}

// Names joins the "name" (or "value") field of every object in the list at path.
func Names(path string) Accessor[string] {
	return func(rec Record) (string, bool) {
		v, ok := Lookup(rec, path)
		if !ok {
			return "", false
		}
		list, ok := v.([]any)
		if !ok {
			return "", false
		}
		var names []string
		for _, item := range list {
			switch it := item.(type) {
			case map[string]any:
				if s, ok := First(it, String("name"), String("value")); ok {
					names = append(names, s)
				}
			case string:
				if it != "" {
					names = append(names, it)
				}
			}
		}
		if len(names) == 0 {
			return "", false
		}
		return strings.Join(names, ","), true
	}
}

// AsString converts scalar JSON values to a non-empty string.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", false
		}
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

// AsInt converts JSON numbers and numeric strings to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return int64(f), err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// AsFloat converts JSON numbers and numeric strings to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Truncate shortens s to at most n runes; n <= 0 disables truncation.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Payload serialises v as JSON truncated to n runes.
func Payload(v any, n int) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return Truncate(string(data), n), nil
}

// Value returns v, or nil when ok is false, for nullable warehouse columns.
func Value[T any](v T, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
