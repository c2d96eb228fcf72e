package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/purgectrl/internal/metrics"
)

// FireFunc runs one claimed task. Implementations own all error handling;
// a task is consumed whether or not the fire succeeds.
type FireFunc func(ctx context.Context, item string)

// Scheduler wraps a registry with the settle-interval policy: it registers
// deduplicated delayed purges and drains due ones on a fixed tick.
type Scheduler struct {
	registry Registry
	delay    time.Duration
	tick     time.Duration
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewScheduler builds a scheduler over the given registry. A delay of zero or
// less disables delayed purging entirely; a non-positive tick falls back to
// one second.
func NewScheduler(registry Registry, delay, tick time.Duration, recorder *metrics.Recorder, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		registry: registry,
		delay:    delay,
		tick:     tick,
		metrics:  recorder,
		logger:   logger,
	}
}

// Enabled reports whether the delayed pass is configured.
func (s *Scheduler) Enabled() bool { return s.delay > 0 }

// ScheduleDelayedPurge registers a delayed purge for the item, collapsing
// into an already-pending task when one exists. Failures are logged and
// counted, never surfaced: a lost delayed purge degrades freshness, not
// correctness.
func (s *Scheduler) ScheduleDelayedPurge(ctx context.Context, item string) {
	if !s.Enabled() {
		s.metrics.ObserveSchedule(metrics.ScheduleDisabled)
		return
	}
	fireAt := time.Now().Add(s.delay)
	created, err := s.registry.Add(ctx, item, fireAt)
	if err != nil {
		s.logger.Warn("delayed purge scheduling failed",
			slog.String("item", item),
			slog.Any("error", err))
		s.metrics.ObserveSchedule(metrics.ScheduleError)
		return
	}
	if !created {
		s.logger.Debug("delayed purge already pending", slog.String("item", item))
		s.metrics.ObserveSchedule(metrics.ScheduleDuplicate)
		return
	}
	s.logger.Debug("delayed purge scheduled",
		slog.String("item", item),
		slog.Time("fireAt", fireAt))
	s.metrics.ObserveSchedule(metrics.ScheduleScheduled)
}

// FireNow claims the pending task for the item so an externally driven fire
// does not race the ticker. Reports whether a task was pending.
func (s *Scheduler) FireNow(ctx context.Context, item string) bool {
	removed, err := s.registry.Remove(ctx, item)
	if err != nil {
		s.logger.Warn("delayed purge claim failed",
			slog.String("item", item),
			slog.Any("error", err))
		return false
	}
	return removed
}

// Pending reports how many delayed purges are waiting.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.registry.Len(ctx)
}

// Run drains the registry on every tick and fires due tasks until the context
// is cancelled. Fires run inline: a slow purge delays the next drain rather
// than stacking goroutines.
func (s *Scheduler) Run(ctx context.Context, fire FireFunc) {
	if !s.Enabled() || fire == nil {
		return
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx, fire)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context, fire FireFunc) {
	due, err := s.registry.Due(ctx, time.Now())
	if err != nil {
		s.logger.Warn("delayed purge drain failed", slog.Any("error", err))
		return
	}
	for _, task := range due {
		fire(ctx, task.Item)
	}
}

// Close releases the registry backend.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.registry.Close(ctx)
}
