package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

// runAtFor is when the job for an occurrence should fire: advanceDays
// before the occurrence itself
func runAtFor(occurrence *time.Time, advanceDays int) *time.Time {
	if occurrence == nil {
		return nil
	}
	runAt := occurrence.AddDate(0, 0, -advanceDays)
	return &runAt
}

// dispatchDelay is how long to hold the job for an occurrence. Run times
// already in the past fire immediately.
func dispatchDelay(occurrence time.Time, advanceDays int, now time.Time) time.Duration {
	delay := occurrence.AddDate(0, 0, -advanceDays).Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// dispatch enqueues exactly one process-schedule job for the schedule's next
// occurrence. Inactive schedules and schedules without a next occurrence are
// left alone.
func (e *Engine) dispatch(ctx context.Context, s *model.Schedule) (bool, error) {
	if !s.IsActive || s.NextOccurrence == nil {
		return false, nil
	}

	delay := dispatchDelay(*s.NextOccurrence, s.AutoCreateAdvance, e.clock.Now())
	job := model.ScheduleJob{
		Type:           model.JobTypeProcessSchedule,
		ScheduleID:     s.ID,
		OrganizationID: s.OrganizationID,
		AssetID:        s.AssetID,
		OccurrenceDate: *s.NextOccurrence,
	}

	if err := e.queue.Enqueue(ctx, job, delay); err != nil {
		return false, errors.Wrapf(err, "failed to dispatch schedule %s", s.ID)
	}
	e.jobsDispatched.Add(1)

	e.logger.Debug("Dispatched occurrence",
		zap.String("schedule_id", s.ID),
		zap.Time("occurrence", *s.NextOccurrence),
		zap.Duration("delay", delay))
	return true, nil
}

// dispatchLogged dispatches and only logs a failure. The schedule keeps its
// next occurrence, so the recovery sweep picks it up once it is due.
func (e *Engine) dispatchLogged(ctx context.Context, s *model.Schedule) {
	if _, err := e.dispatch(ctx, s); err != nil {
		e.logger.Warn("Failed to dispatch occurrence, leaving it to the recovery sweep",
			zap.String("schedule_id", s.ID),
			zap.Error(err))
	}
}
