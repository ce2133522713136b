package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

// SweepReport summarizes one recovery sweep
type SweepReport struct {
	OrganizationID string            `json:"organization_id,omitempty"`
	Due            int               `json:"due"`
	Processed      int               `json:"processed"`
	Skipped        int               `json:"skipped"`
	Failed         int               `json:"failed"`
	Failures       map[string]string `json:"failures,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`

	mu sync.Mutex
}

func (r *SweepReport) record(scheduleID string, result outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case err != nil:
		r.Failed++
		if r.Failures == nil {
			r.Failures = make(map[string]string)
		}
		r.Failures[scheduleID] = err.Error()
	case result == outcomeProcessed:
		r.Processed++
	default:
		r.Skipped++
	}
}

// GetSchedulesNeedingTasks returns active schedules whose next occurrence is
// due, oldest first. An empty orgID covers every organization.
func (e *Engine) GetSchedulesNeedingTasks(ctx context.Context, orgID string) ([]*model.Schedule, error) {
	schedules, err := e.store.ListDue(ctx, orgID, e.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	return schedules, nil
}

// ProcessPendingOccurrences runs the worker for every due schedule the queue
// failed to deliver. A failing schedule never stops the others.
func (e *Engine) ProcessPendingOccurrences(ctx context.Context, orgID string) (*SweepReport, error) {
	report := &SweepReport{
		OrganizationID: orgID,
		StartedAt:      e.clock.Now(),
	}

	due, err := e.GetSchedulesNeedingTasks(ctx, orgID)
	if err != nil {
		return nil, err
	}
	report.Due = len(due)

	var g errgroup.Group
	g.SetLimit(e.cfg.SweepConcurrency)

	for _, schedule := range due {
		job := model.ScheduleJob{
			Type:           model.JobTypeProcessSchedule,
			ScheduleID:     schedule.ID,
			OrganizationID: schedule.OrganizationID,
			AssetID:        schedule.AssetID,
			OccurrenceDate: *schedule.NextOccurrence,
		}
		g.Go(func() error {
			result, err := e.processJob(ctx, job)
			if err != nil {
				e.logger.Error("Failed to process pending occurrence",
					zap.String("schedule_id", job.ScheduleID),
					zap.Error(err))
			}
			report.record(job.ScheduleID, result, err)
			return nil
		})
	}
	g.Wait()

	report.FinishedAt = e.clock.Now()
	e.logger.Info("Recovery sweep finished",
		zap.String("organization_id", orgID),
		zap.Int("due", report.Due),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))

	return report, nil
}
