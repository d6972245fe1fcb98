package scheduler

import (
	"context"
	"time"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/p-blackswan/streamhib/internal/models"
	"github.com/p-blackswan/streamhib/internal/notify"
)

// SweepExpired removes one-time definitions whose start plus the greater of
// their duration and the minimum buffer has passed. It returns the number
// removed, or -1 when another sweep held the gate.
func (s *Scheduler) SweepExpired(ctx context.Context) (int, error) {
	if s.gate != nil {
		if !s.gate.TryBegin() {
			s.logger.Info().Msg("Sweep already in progress, skipping expiry sweep")
			s.metrics.RecordSweep("expiry", "skipped", 0)
			return -1, nil
		}
		defer s.gate.End()
	}

	began := time.Now()
	defs, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.metrics.RecordSweep("expiry", "error", time.Since(began).Seconds())
		return 0, serrors.Store("list schedules", err)
	}

	now := s.now()
	removed := 0
	for _, def := range defs {
		if !expired(def, now, s.opts.MinBuffer) {
			continue
		}
		if err := s.RemoveSchedule(ctx, def); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", def.ID).Msg("Failed to remove expired schedule")
			continue
		}
		s.logger.Info().Str("schedule_id", def.ID).Str("session", def.SessionName).Msg("Removed expired one-time schedule")
		removed++
	}

	if removed > 0 {
		s.publish(ctx, notify.EventSchedulesUpdate)
	}
	s.metrics.RecordSweep("expiry", "ok", time.Since(began).Seconds())
	return removed, nil
}

func expired(def *models.ScheduleDefinition, now time.Time, minBuffer time.Duration) bool {
	if def.Recurrence != models.RecurrenceOneTime || def.StartAt.IsZero() {
		return false
	}
	window := time.Duration(def.DurationMins) * time.Minute
	if window < minBuffer {
		window = minBuffer
	}
	return now.After(def.StartAt.Add(window))
}
