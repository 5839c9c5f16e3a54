package transform

import (
	"regexp"
	"sort"
	"strconv"
)

// maxFlattenList bounds how many list elements are expanded per list.
const maxFlattenList = 200

// Field is one leaf of a flattened document.
type Field struct {
	Key   string
	Value any
}

// Flat is a flattened document sorted by key.
type Flat []Field

// Flatten turns nested objects into dotted keys ("a.b") and list items into
// indexed keys ("a[0]"). Null leaves are dropped.
func Flatten(v any) Flat {
	var out Flat
	flatten(v, "", &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func flatten(v any, prefix string, out *Flat) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(child, key, out)
		}
	case []any:
		for i, child := range t {
			if i >= maxFlattenList {
				break
			}
			flatten(child, prefix+"["+strconv.Itoa(i)+"]", out)
		}
	case nil:
	default:
		*out = append(*out, Field{Key: prefix, Value: v})
	}
}

// Patterns compiles case-insensitive key patterns.
func Patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

// PickFloat returns the first numeric value whose key matches a pattern,
// trying patterns in order.
func (f Flat) PickFloat(patterns []*regexp.Regexp) (float64, bool) {
	for _, rx := range patterns {
		for _, field := range f {
			if !rx.MatchString(field.Key) {
				continue
			}
			if n, ok := AsFloat(field.Value); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// PickString returns the first scalar value whose key matches a pattern.
func (f Flat) PickString(patterns []*regexp.Regexp) (string, bool) {
	for _, rx := range patterns {
		for _, field := range f {
			if !rx.MatchString(field.Key) {
				continue
			}
			if s, ok := AsString(field.Value); ok {
				return s, true
			}
		}
	}
	return "", false
}

// FloatPattern adapts PickFloat to an accessor over the flattened record.
func FloatPattern(patterns ...string) Accessor[float64] {
	compiled := Patterns(patterns...)
	return func(rec Record) (float64, bool) {
		return Flatten(rec).PickFloat(compiled)
	}
}

// StringPattern adapts PickString to an accessor over the flattened record.
func StringPattern(patterns ...string) Accessor[string] {
	compiled := Patterns(patterns...)
	return func(rec Record) (string, bool) {
		return Flatten(rec).PickString(compiled)
	}
}
