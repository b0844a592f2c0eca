package manager

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/svcman/internal/model"
)

// NewScheduler returns a stopped scheduler running task on every activation
// of sched. Activations never overlap, a late one is rescheduled.
func NewScheduler(ctx context.Context, sched model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case sched.Cron != "":
		if _, err := model.ParseCron(sched.Cron); err != nil {
			return nil, fmt.Errorf("parsing sync.cron: %w", err)
		}
		job = gocron.CronJob(sched.Cron, false)
		slog.DebugContext(ctx, "sync scheduled", "cron", sched.Cron)
	case sched.Every > 0:
		job = gocron.DurationJob(sched.Every)
		slog.DebugContext(ctx, "sync scheduled", "every", sched.Every.String())
	default:
		return nil, model.ErrEmptySchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Serve syncs once and then on every activation of the configured schedule
// until ctx is done. Without a sync section only the initial sync runs.
func (m *Manager) Serve(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a manager")
	if err := m.Sync(ctx); err != nil {
		slog.ErrorContext(ctx, "initial sync failed", "error", err)
	}

	if m.cfg.Sync != nil {
		sched, err := model.ParseSchedule(*m.cfg.Sync)
		if err != nil {
			return err
		}
		s, err := NewScheduler(ctx, sched, func() {
			if err := m.Sync(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduled sync failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		s.Start()
		defer func() {
			if err := s.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}
