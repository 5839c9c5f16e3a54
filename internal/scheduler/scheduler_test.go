package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/ingest-sync/internal/orchestrator"
)

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	triggers []string
}

func (f *fakeRunner) Run(ctx context.Context, trigger string, ov orchestrator.Overrides) (*orchestrator.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.RunResult{RunID: "r1", Status: orchestrator.StatusSuccess}, nil
}

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"*/30 * * * *", "0 6 * * 1-5", "@hourly"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "* * *", "61 * * * *", "0 0 0 * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestNewRejectsInvalidExpression(t *testing.T) {
	_, err := New("every minute", &fakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestNext(t *testing.T) {
	s, err := New("*/30 * * * *", &fakeRunner{})
	require.NoError(t, err)

	from := time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC), s.Next(from))
}

func TestTickRunsWithCronTrigger(t *testing.T) {
	f := &fakeRunner{}
	s, err := New("@hourly", f)
	require.NoError(t, err)

	s.tick(context.Background())
	assert.Equal(t, []string{orchestrator.TriggerCron}, f.triggers)
	assert.EqualValues(t, 1, s.Fired())
	assert.EqualValues(t, 0, s.Skipped())
}

func TestTickSkipsWhenBusy(t *testing.T) {
	f := &fakeRunner{err: orchestrator.ErrBusy}
	s, err := New("@hourly", f)
	require.NoError(t, err)

	s.tick(context.Background())
	assert.EqualValues(t, 0, s.Fired())
	assert.EqualValues(t, 1, s.Skipped())
}

func TestTickCountsFailures(t *testing.T) {
	s, err := New("@hourly", &fakeRunner{err: errors.New("state store gone")})
	require.NoError(t, err)

	s.tick(context.Background())
	assert.EqualValues(t, 1, s.Fired())
}

func TestTickAfterCancelDoesNothing(t *testing.T) {
	f := &fakeRunner{}
	s, err := New("@hourly", f)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx)
	assert.Empty(t, f.triggers)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New("@hourly", &fakeRunner{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
