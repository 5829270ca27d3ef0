package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const jobTimeout = 2 * time.Minute

// StartMaintenance schedules the background jobs of a long-running server:
// flushing buffered touches, indexing pending records and restarting a
// failed rebuild. A zero interval disables its job.
func (rt *Runtime) StartMaintenance() (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("server: create scheduler: %w", err)
	}

	m := rt.Config.Maintenance
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"flush_touches", m.FlushInterval, rt.flushTouches},
		{"retry_pending", m.RetryInterval, rt.retryPending},
		{"ensure_ready", m.RetryInterval, rt.ensureReady},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		run := j.run
		_, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				defer cancel()
				run(ctx)
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("server: schedule %s: %w", j.name, err)
		}
	}

	s.Start()
	rt.log.Info("maintenance scheduled",
		"flush_interval", m.FlushInterval,
		"retry_interval", m.RetryInterval,
	)
	return s, nil
}

func (rt *Runtime) flushTouches(ctx context.Context) {
	if err := rt.Engine.FlushTouches(ctx); err != nil {
		rt.log.Warn("flushing touches failed", "error", err)
	}
}

func (rt *Runtime) retryPending(ctx context.Context) {
	n, err := rt.Engine.RetryPending(ctx, rt.Config.Maintenance.RetryBatch)
	if err != nil {
		rt.log.Warn("retrying pending records failed", "error", err)
		return
	}
	if n > 0 {
		rt.log.Info("pending records indexed", "count", n)
	}
}

// ensureReady restarts the rebuild of an engine left not ready by a failed
// or interrupted rebuild. The rebuild resumes from its stored cursor.
func (rt *Runtime) ensureReady(ctx context.Context) {
	if rt.Engine.Ready() || rt.Engine.RebuildStatus().Running {
		return
	}
	rt.log.Info("vector index not ready, restarting rebuild", "version", rt.Engine.ActiveVersion())
	_ = rt.Engine.Rebuild()
}
