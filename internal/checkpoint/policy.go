package checkpoint

import (
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
)

// Policy turns stored watermarks into fetch windows for one source.
type Policy struct {
	// DefaultLookback is used when no watermark exists.
	DefaultLookback time.Duration
	// Overlap is subtracted from a stored watermark to re-read late data.
	Overlap time.Duration
	// MaxLookback bounds how far into the past a window may start; zero disables the floor.
	MaxLookback time.Duration
	Now         func() time.Time
}

// PolicyFor builds the policy configured for a source.
func PolicyFor(sc config.SourceConfig) Policy {
	return Policy{
		DefaultLookback: sc.DefaultLookback(),
		Overlap:         sc.Overlap,
		MaxLookback:     sc.MaxLookback(),
		Now:             time.Now,
	}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// Read returns the stored watermark, or a default one at now minus the default
// lookback when none exists.
func (p Policy) Read(b Backend, source, partition string) (Watermark, error) {
	w, err := b.GetWatermark(source, partition)
	if err != nil {
		return Watermark{}, err
	}
	if w != nil {
		return *w, nil
	}
	return p.Default(source, partition), nil
}

// Default returns the watermark used before anything was ingested.
func (p Policy) Default(source, partition string) Watermark {
	return Watermark{
		Source:    source,
		Partition: partition,
		Cursor:    p.now().Add(-p.DefaultLookback),
		Default:   true,
	}
}

// EffectiveSince is the lower bound of the next fetch window. A default
// watermark is used as is; a stored one is moved back by the overlap. Both are
// clamped to the floor.
func (p Policy) EffectiveSince(w Watermark) time.Time {
	since := w.Cursor
	if !w.Default {
		since = since.Add(-p.Overlap)
	}
	return p.ClampToFloor(since)
}

// Floor is the oldest point a window may start at.
func (p Policy) Floor() time.Time {
	if p.MaxLookback <= 0 {
		return time.Time{}
	}
	return p.now().Add(-p.MaxLookback)
}

// ClampToFloor returns max(ts, now - MaxLookback).
func (p Policy) ClampToFloor(ts time.Time) time.Time {
	floor := p.Floor()
	if ts.Before(floor) {
		return floor
	}
	return ts.UTC()
}

// Lookback returns the window start for an explicit lookback request, capped
// at MaxLookback.
func (p Policy) Lookback(d time.Duration) time.Time {
	if p.MaxLookback > 0 && d > p.MaxLookback {
		d = p.MaxLookback
	}
	return p.now().Add(-d)
}

// Commit advances the stored watermark to (ts, seq) and records the run
// outcome. The cursor never moves backward.
func (p Policy) Commit(b Backend, prev Watermark, ts time.Time, seq int64, status, runID string) (Watermark, error) {
	next := prev
	if next.Default {
		next.Cursor = time.Time{}
		next.Seq = 0
		next.Default = false
	}
	next = next.Advance(ts.UTC(), seq)
	if next.Cursor.IsZero() {
		// Nothing ingested yet: keep the default window start so the next run
		// does not fall back to the full lookback again.
		next.Cursor = prev.Cursor
	}
	next.LastRunAt = p.now()
	next.LastStatus = status
	next.RunID = runID
	if err := b.SaveWatermark(next); err != nil {
		return prev, err
	}
	return next, nil
}
