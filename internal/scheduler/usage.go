package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/recurrence"
)

// UpdateUsage records a usage reading for a usage-based schedule. Once the
// reading reaches the threshold a task is created right away, the counter
// resets to zero and the occurrence is recorded. The created task is
// returned, or nil when the threshold was not reached.
func (e *Engine) UpdateUsage(ctx context.Context, orgID, id string, usage float64) (*model.Task, error) {
	if usage < 0 {
		return nil, invalid("current_usage", "must not be negative")
	}

	schedule, err := e.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if recurrence.FromSchedule(schedule).Kind() != recurrence.KindUsageBased {
		return nil, invalid("type", "schedule is not usage based")
	}

	now := e.clock.Now()
	logger := e.logger.With(zap.String("schedule_id", id), zap.Float64("usage", usage))

	if !schedule.IsActive || usage < schedule.UsageThreshold {
		if err := e.store.UpdateUsage(ctx, id, usage, nil, now); err != nil {
			return nil, errors.Wrap(err, "failed to update usage")
		}
		logger.Debug("Recorded usage reading")
		return nil, nil
	}

	task, err := e.tasks.CreateTask(ctx, model.TaskRequest{
		OrganizationID:   schedule.OrganizationID,
		Title:            schedule.TaskTemplate.Title,
		Description:      schedule.TaskTemplate.Description,
		DueDate:          now,
		Priority:         schedule.TaskTemplate.Priority,
		EstimatedCost:    schedule.TaskTemplate.EstimatedCost,
		EstimatedMinutes: schedule.TaskTemplate.EstimatedMinutes,
		AssetID:          schedule.AssetID,
		ScheduleID:       schedule.ID,
		AssignUserIDs:    schedule.TaskTemplate.AssignUserIDs,
	})
	if err != nil {
		e.taskFailures.Add(1)
		// The reading is kept so the next one retries the threshold
		if storeErr := e.store.UpdateUsage(ctx, id, usage, nil, now); storeErr != nil {
			logger.Error("Failed to record usage reading", zap.Error(storeErr))
		}
		return nil, errors.Wrap(err, "failed to create usage task")
	}
	e.tasksCreated.Add(1)

	if err := e.store.UpdateUsage(ctx, id, 0, &now, now); err != nil {
		return task, errors.Wrap(err, "failed to reset usage")
	}
	e.occurrencesProcessed.Add(1)

	logger.Info("Usage threshold reached, created task",
		zap.Float64("threshold", schedule.UsageThreshold),
		zap.String("task_id", task.ID))

	e.notifyAssignees(ctx, logger, schedule, task, model.NotificationUsageThreshold)
	return task, nil
}
