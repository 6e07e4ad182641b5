package workflow

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// StaleHandler is invoked once per dialog id returned by a reaper tick
// for a workflow whose deadline has already passed but which is still
// active — defense-in-depth alongside each workflow's own per-record
// deadline timer (spec.md §4.4 "Deadline handling"), covering the case
// where that timer's goroutine was lost (e.g. to a process restart
// that left an in-memory record orphaned before this one, or a bug).
type StaleHandler func(dialogID string)

// Reaper polls a Manager on a cron schedule and reports any workflow
// whose deadline has silently expired. It is a safety net, not the
// primary deadline mechanism — timeoutWatcher in internal/agentloop is
// that.
type Reaper struct {
	cron    *cronlib.Cron
	manager *Manager
	logger  *slog.Logger
	onStale StaleHandler
}

// NewReaper builds a Reaper that ticks every interval (default 30s).
func NewReaper(manager *Manager, logger *slog.Logger, interval time.Duration, onStale StaleHandler) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		cron:    cronlib.New(),
		manager: manager,
		logger:  logger,
		onStale: onStale,
	}
}

// Start schedules the periodic tick and begins running it in the
// background until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	spec := "@every " + interval.String()
	_, err := r.cron.AddFunc(spec, r.tick)
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

func (r *Reaper) tick() {
	stale := r.manager.ActiveDeadlines(time.Now())
	for _, dialogID := range stale {
		r.logger.Warn("workflow: reaper found a workflow past its deadline", "dialog_id", dialogID)
		if r.onStale != nil {
			r.onStale(dialogID)
		}
	}
}
