// Package reaper prunes terminal runs past their retention age.
// Deleting a run cascades to its station executions and artifacts; runs that
// are queued or running are never touched, and pending idempotency claims are
// deliberately left alone so a stuck submission stays inspectable.
//
// The reaper only runs on the leader replica (see internal/leader).
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgeworks/forge/internal/api"
)

// DefaultSchedule fires the pruning pass hourly.
const DefaultSchedule = "0 * * * *"

// Reaper deletes terminal runs older than the retention age on a cron
// schedule.
type Reaper struct {
	runs     api.RunStore
	maxAge   time.Duration
	schedule string
	log      *slog.Logger

	cron    *cron.Cron
	nowFunc func() time.Time
}

// New creates a Reaper. A zero maxAge disables pruning entirely; an empty
// schedule falls back to DefaultSchedule.
func New(runs api.RunStore, maxAge time.Duration, schedule string, log *slog.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reaper{
		runs:     runs,
		maxAge:   maxAge,
		schedule: schedule,
		log:      log,
		nowFunc:  time.Now,
	}
}

// Start registers the cron entry and begins the schedule.
// Returns an error only for an unparseable schedule.
func (r *Reaper) Start(ctx context.Context) error {
	if r.maxAge <= 0 {
		r.log.Info("reaper disabled, no retention age configured")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunNow(ctx); err != nil {
			r.log.ErrorContext(ctx, "reaper pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.log.Info("reaper started", "schedule", r.schedule, "max_age", r.maxAge)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

// RunNow executes one pruning pass and returns the number of runs deleted.
func (r *Reaper) RunNow(ctx context.Context) (int, error) {
	cutoff := r.nowFunc().UTC().Add(-r.maxAge)
	n, err := r.runs.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "reaper pruned terminal runs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
