// Package scheduler triggers sync runs on a cron schedule inside the serve process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/orchestrator"
)

// Runner starts one sync run.
type Runner interface {
	Run(ctx context.Context, trigger string, ov orchestrator.Overrides) (*orchestrator.RunResult, error)
}

// Scheduler runs incremental syncs on a cron schedule. A tick that arrives
// while another run (from any trigger) is active is skipped.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	runner   Runner
	cron     *cron.Cron

	fired   atomic.Int64
	skipped atomic.Int64
}

// ParseCron parses a standard five-field cron expression (descriptors such as
// "@hourly" are accepted too).
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// New creates a scheduler for the cron expression expr.
func New(expr string, runner Runner) (*Scheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return &Scheduler{
		expr:     expr,
		schedule: sched,
		runner:   runner,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// Next returns the next tick after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Fired and Skipped count ticks that started a run and ticks skipped because one was active.
func (s *Scheduler) Fired() int64   { return s.fired.Load() }
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Run fires runs until ctx is cancelled, then waits for an active run to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	s.cron.Start()
	logging.Info("Scheduled runs at %q, next at %s", s.expr, s.Next(time.Now().UTC()).Format(time.RFC3339))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.runner.Run(ctx, orchestrator.TriggerCron, orchestrator.Overrides{})
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		s.skipped.Add(1)
		logging.Warn("Scheduled run skipped: another run is in progress")
		return
	case err != nil:
		s.fired.Add(1)
		logging.Error("Scheduled run failed: %v", err)
		return
	}
	s.fired.Add(1)
	logging.Info("Scheduled run %s finished %s (%d rows inserted)", res.RunID, res.Status, res.RowsInserted)
}
