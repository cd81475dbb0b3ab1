// ABOUTME: Background loops for the registry: periodic heartbeats and scheduled compaction
// ABOUTME: The heartbeat loop appends a final offline record when its context ends

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/coven-courier/internal/store"
)

// StatusFunc reports the agent's current status for each heartbeat.
type StatusFunc func() store.AgentStatus

// RunHeartbeat appends a heartbeat every interval until ctx is cancelled, then
// deregisters the agent. Heartbeat failures are logged and retried on the
// next tick.
func (r *Registry) RunHeartbeat(ctx context.Context, agentID string, interval time.Duration, status StatusFunc) error {
	if interval <= 0 {
		interval = r.liveness / 4
	}
	if status == nil {
		status = func() store.AgentStatus { return store.StatusOnline }
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is gone; the offline record needs its own deadline
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Deregister(offCtx, agentID); err != nil {
				r.logger.Warn("failed to record offline status", "agent_id", agentID, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(ctx, agentID, status()); err != nil {
				r.logger.Warn("heartbeat failed", "agent_id", agentID, "error", err)
			}
		}
	}
}

// StartCompaction runs Compact on schedule (a cron expression, descriptor
// such as "@hourly", or a Go duration). The returned function stops the
// schedule and waits for a running compaction to finish.
func (r *Registry) StartCompaction(schedule string) (func(), error) {
	sched, err := parseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		start := time.Now()
		removed, err := r.Compact(ctx)
		if err != nil {
			r.logger.Warn("registry compaction failed", "error", err)
			return
		}
		r.logger.Info("registry compaction completed", "removed", removed, "duration", time.Since(start))
	}))
	c.Start()
	r.logger.Info("registry compaction scheduled", "schedule", schedule)

	return func() {
		<-c.Stop().Done()
	}, nil
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty compaction schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("invalid compaction schedule %q: not a cron expression or positive duration", schedule)
	}
	return cron.Every(d), nil
}
