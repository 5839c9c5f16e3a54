package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) Record {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(s), &rec))
	return rec
}

func TestFirstFallsBackThroughAccessors(t *testing.T) {
	rec := decode(t, `{"fields": {"summary": ""}, "title": "Crash on start", "id": 1234}`)

	got, ok := First(rec, String("fields.summary"), String("title"), String("name"))
	assert.True(t, ok)
	assert.Equal(t, "Crash on start", got)

	id, ok := First(rec, String("key"), String("id"))
	assert.True(t, ok)
	assert.Equal(t, "1234", id)

	_, ok = First(rec, String("missing"), String("fields.nope"))
	assert.False(t, ok)
	assert.Equal(t, "fallback", Or(rec, "fallback", String("missing")))
}

func TestTypedAccessorsRejectWrongShapes(t *testing.T) {
	rec := decode(t, `{"count": "17", "ratio": 0.25, "obj": {"a": 1}, "flag": "true", "nil": null}`)

	n, ok := Int("count")(rec)
	assert.True(t, ok)
	assert.Equal(t, int64(17), n)

	f, ok := Float("ratio")(rec)
	assert.True(t, ok)
	assert.InDelta(t, 0.25, f, 1e-9)

	_, ok = String("obj")(rec)
	assert.False(t, ok)
	_, ok = Int("obj")(rec)
	assert.False(t, ok)
	_, ok = String("nil")(rec)
	assert.False(t, ok)

	b, ok := Bool("flag")(rec)
	assert.True(t, ok)
	assert.True(t, b)
}

func TestNamesJoinsObjectLists(t *testing.T) {
	rec := decode(t, `{"components": [{"name": "UI"}, {"name": "Audio"}, {"id": 3}], "labels": ["a", "", "b"], "empty": []}`)

	s, ok := Names("components")(rec)
	assert.True(t, ok)
	assert.Equal(t, "UI,Audio", s)

	s, ok = Names("labels")(rec)
	assert.True(t, ok)
	assert.Equal(t, "a,b", s)

	_, ok = Names("empty")(rec)
	assert.False(t, ok)
}

func TestParseTimeNormalisesToUTC(t *testing.T) {
	want := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"rfc3339 zulu", "2026-01-10T12:00:00Z"},
		{"rfc3339 offset", "2026-01-10T14:00:00+02:00"},
		{"jira millis", "2026-01-10T07:00:00.000-0500"},
		{"jira no millis", "2026-01-10T07:00:00-0500"},
		{"naive", "2026-01-10 12:00:00"},
		{"epoch seconds", float64(want.Unix())},
		{"epoch millis", float64(want.UnixMilli())},
		{"epoch string", "1768046400"},
		{"json number", json.Number("1768046400")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTime(tt.in)
			require.True(t, ok)
			assert.True(t, got.Equal(want), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime(nil)
	assert.False(t, ok)
}

func TestFormatTime(t *testing.T) {
	assert.Nil(t, FormatTime(time.Time{}))
	loc := time.FixedZone("x", 3600)
	assert.Equal(t, "2026-01-10T11:00:00Z", FormatTime(time.Date(2026, 1, 10, 12, 0, 0, 0, loc)))
}

func TestTruncateIsRuneSafe(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo wörld", 5))
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))

	p, err := Payload(map[string]string{"k": "vvvvvvvv"}, 8)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"vv`, p)
}

func TestFlattenAndPick(t *testing.T) {
	rec := decode(t, `{
		"sessionId": "s-1",
		"appInfo": {"package": "com.acme.internal.game", "name": "Game"},
		"metrics": {"fps": {"median": 58.5}, "cpu": {"avg": "31.2", "max": 90}},
		"samples": [{"v": 1}, {"v": 2}],
		"gone": null
	}`)
	flat := Flatten(rec)

	keys := make([]string, len(flat))
	for i, f := range flat {
		keys[i] = f.Key
	}
	assert.Equal(t, []string{
		"appInfo.name", "appInfo.package", "metrics.cpu.avg", "metrics.cpu.max",
		"metrics.fps.median", "samples[0].v", "samples[1].v", "sessionId",
	}, keys)

	fps, ok := flat.PickFloat(Patterns(`median.*fps`, `fps.*median`))
	assert.True(t, ok)
	assert.InDelta(t, 58.5, fps, 1e-9)

	cpu, ok := flat.PickFloat(Patterns(`cpu.*avg`))
	assert.True(t, ok)
	assert.InDelta(t, 31.2, cpu, 1e-9)

	pkg, ok := flat.PickString(Patterns(`appInfo\.package$`, `package$`))
	assert.True(t, ok)
	assert.Equal(t, "com.acme.internal.game", pkg)

	_, ok = flat.PickFloat(Patterns(`battery`))
	assert.False(t, ok)

	id, ok := First(rec, String("session.id"), StringPattern(`^sessionId$`))
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)
}

func TestFlattenBoundsLists(t *testing.T) {
	list := make([]any, 300)
	for i := range list {
		list[i] = i
	}
	assert.Len(t, Flatten(map[string]any{"xs": list}), maxFlattenList)
}

func TestValueAndNullTime(t *testing.T) {
	rec := Record{"n": 3.0}
	n, ok := Int("n")(rec)
	assert.Equal(t, int64(3), Value(n, ok))
	_, ok = Int("missing")(rec)
	assert.Nil(t, Value(int64(0), ok))

	assert.Nil(t, NullTime(time.Time{}))
	loc := time.FixedZone("x", 3600)
	got := NullTime(time.Date(2026, 1, 10, 13, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), got)
}
