package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/recurrence"
)

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
)

// ProcessJob handles one queued occurrence: it creates the task, records the
// occurrence, dispatches the next one and notifies the assignees.
//
// Jobs for missing, inactive, already processed or superseded occurrences
// are dropped without error. Redelivering a job is harmless. A schedule whose
// next occurrence is not after its last one is advanced instead.
func (e *Engine) ProcessJob(ctx context.Context, job model.ScheduleJob) error {
	_, err := e.processJob(ctx, job)
	return err
}

func (e *Engine) processJob(ctx context.Context, job model.ScheduleJob) (outcome, error) {
	logger := e.logger.With(
		zap.String("schedule_id", job.ScheduleID),
		zap.String("job_type", string(job.Type)),
		zap.Time("occurrence", job.OccurrenceDate))

	schedule, err := e.store.GetSchedule(ctx, job.ScheduleID)
	if err != nil {
		if errors.IsNotFound(err) {
			return e.skip(logger, "Schedule no longer exists")
		}
		return outcomeSkipped, errors.Wrap(err, "failed to load schedule")
	}

	if !schedule.IsActive {
		return e.skip(logger, "Schedule is inactive")
	}

	if stalled(schedule) {
		return e.advanceStalled(ctx, logger, schedule)
	}

	occurrence := job.OccurrenceDate
	if schedule.LastOccurrence != nil && !occurrence.After(*schedule.LastOccurrence) {
		return e.skip(logger, "Occurrence already processed")
	}
	if job.Type == model.JobTypeProcessSchedule &&
		(schedule.NextOccurrence == nil || !schedule.NextOccurrence.Equal(occurrence)) {
		return e.skip(logger, "Occurrence superseded by a schedule change")
	}

	task, created := e.createTask(ctx, logger, schedule, occurrence)

	now := e.clock.Now()
	schedule.LastOccurrence = &occurrence
	next := e.calc.Next(recurrence.FromSchedule(schedule), nextPivot(schedule, now))

	applied, err := e.store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{
		Occurrence:     occurrence,
		NextOccurrence: next,
		NextRunAt:      runAtFor(next, schedule.AutoCreateAdvance),
		RunAt:          now,
	})
	if err != nil {
		return outcomeSkipped, errors.Wrap(err, "failed to record occurrence")
	}
	if !applied {
		return e.skip(logger, "Occurrence recorded concurrently")
	}
	e.occurrencesProcessed.Add(1)

	schedule.NextOccurrence = next
	if _, err := e.dispatch(ctx, schedule); err != nil {
		logger.Warn("Failed to dispatch next occurrence, leaving it to the recovery sweep", zap.Error(err))
	}

	if created {
		e.notifyAssignees(ctx, logger, schedule, task, model.NotificationTaskAssigned)
	}

	logger.Info("Processed occurrence",
		zap.Bool("task_created", created),
		zap.Timep("next_occurrence", next))
	return outcomeProcessed, nil
}

// stalled reports a next occurrence that the last recorded one already
// covers. Jobs for it would be skipped forever.
func stalled(s *model.Schedule) bool {
	return s.LastOccurrence != nil && s.NextOccurrence != nil &&
		!s.NextOccurrence.After(*s.LastOccurrence)
}

func (e *Engine) advanceStalled(ctx context.Context, logger *zap.Logger, schedule *model.Schedule) (outcome, error) {
	stale := *schedule.NextOccurrence
	now := e.clock.Now()
	next := e.calc.Next(recurrence.FromSchedule(schedule), nextPivot(schedule, now))
	nextRunAt := runAtFor(next, schedule.AutoCreateAdvance)

	applied, err := e.store.AdvanceNext(ctx, schedule.ID, stale, next, nextRunAt, now)
	if err != nil {
		return outcomeSkipped, errors.Wrap(err, "failed to advance next occurrence")
	}
	if !applied {
		return e.skip(logger, "Next occurrence changed concurrently")
	}

	logger.Warn("Next occurrence was not after the last one, advanced it",
		zap.Time("stale", stale),
		zap.Timep("next_occurrence", next))

	schedule.NextOccurrence = next
	schedule.NextRunAt = nextRunAt
	e.dispatchLogged(ctx, schedule)
	return outcomeProcessed, nil
}

func (e *Engine) skip(logger *zap.Logger, reason string) (outcome, error) {
	e.jobsSkipped.Add(1)
	logger.Info(reason + ", skipping job")
	return outcomeSkipped, nil
}

// createTask stamps the template out for one occurrence. Failures are logged
// and never abort the occurrence. It reports whether a new task was created.
func (e *Engine) createTask(ctx context.Context, logger *zap.Logger, s *model.Schedule, dueDate time.Time) (*model.Task, bool) {
	task, err := e.tasks.CreateTask(ctx, model.TaskRequest{
		OrganizationID:   s.OrganizationID,
		Title:            s.TaskTemplate.Title,
		Description:      s.TaskTemplate.Description,
		DueDate:          dueDate,
		Priority:         s.TaskTemplate.Priority,
		EstimatedCost:    s.TaskTemplate.EstimatedCost,
		EstimatedMinutes: s.TaskTemplate.EstimatedMinutes,
		AssetID:          s.AssetID,
		ScheduleID:       s.ID,
		AssignUserIDs:    s.TaskTemplate.AssignUserIDs,
	})
	if err != nil {
		if errors.IsConflict(err) {
			logger.Info("Task for occurrence already exists")
			return task, false
		}
		e.taskFailures.Add(1)
		logger.Error("Failed to create task", zap.Error(err))
		return nil, false
	}

	e.tasksCreated.Add(1)
	logger.Debug("Created task", zap.String("task_id", task.ID))
	return task, true
}

// notifyAssignees sends one notification per assigned user. Delivery is
// best effort.
func (e *Engine) notifyAssignees(ctx context.Context, logger *zap.Logger, s *model.Schedule, task *model.Task, kind model.NotificationType) {
	if e.notifier == nil || task == nil {
		return
	}

	users := s.TaskTemplate.AssignUserIDs
	if len(task.Assignments) > 0 {
		users = make([]string, 0, len(task.Assignments))
		for _, a := range task.Assignments {
			users = append(users, a.UserID)
		}
	}

	title, message := notificationText(kind, s, task)
	for _, userID := range users {
		err := e.notifier.CreateNotification(ctx, model.Notification{
			ID:             uuid.New().String(),
			OrganizationID: s.OrganizationID,
			UserID:         userID,
			TaskID:         task.ID,
			AssetID:        task.AssetID,
			Type:           kind,
			Title:          title,
			Message:        message,
			SendInApp:      true,
			CreatedAt:      e.clock.Now(),
		})
		if err != nil {
			e.notificationFailures.Add(1)
			logger.Warn("Failed to notify assignee",
				zap.String("user_id", userID),
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
}

func notificationText(kind model.NotificationType, s *model.Schedule, task *model.Task) (string, string) {
	if kind == model.NotificationUsageThreshold {
		return "Usage threshold reached",
			fmt.Sprintf("%s reached its usage threshold of %g. Task %q was created.", s.Name, s.UsageThreshold, task.Title)
	}
	return "New maintenance task assigned",
		fmt.Sprintf("%q is due on %s.", task.Title, task.DueDate.Format("2006-01-02"))
}
