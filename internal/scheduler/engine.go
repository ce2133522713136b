package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/recurrence"
)

const (
	defaultSweepConcurrency = 4
	defaultListLimit        = 50
	maxListLimit            = 500
)

// Config tunes the engine
type Config struct {
	// SweepConcurrency bounds how many due schedules a recovery sweep
	// processes at once
	SweepConcurrency int
}

// Dependencies are the collaborators the engine drives
type Dependencies struct {
	Store    ScheduleStore
	Queue    JobQueue
	Tasks    TaskCreator
	Notifier Notifier
	Clock    Clock

	// Calculator defaults to recurrence.NewCalculator(logger)
	Calculator *recurrence.Calculator
}

// Engine turns schedules into dispatched jobs and jobs into tasks
type Engine struct {
	logger   *zap.Logger
	store    ScheduleStore
	queue    JobQueue
	tasks    TaskCreator
	notifier Notifier
	clock    Clock
	calc     *recurrence.Calculator
	cfg      Config

	occurrencesProcessed atomic.Int64
	tasksCreated         atomic.Int64
	taskFailures         atomic.Int64
	notificationFailures atomic.Int64
	jobsSkipped          atomic.Int64
	jobsDispatched       atomic.Int64
}

// NewEngine creates a new scheduling engine
func NewEngine(deps Dependencies, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("schedule store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if deps.Tasks == nil {
		return nil, errors.New("task creator is required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Calculator == nil {
		deps.Calculator = recurrence.NewCalculator(logger)
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaultSweepConcurrency
	}

	return &Engine{
		logger:   logger.Named("engine"),
		store:    deps.Store,
		queue:    deps.Queue,
		tasks:    deps.Tasks,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		calc:     deps.Calculator,
		cfg:      cfg,
	}, nil
}

// CreateSchedule validates and stores a new schedule, computes its first
// occurrence and dispatches it when the schedule is active. Computed fields
// on the input are ignored.
func (e *Engine) CreateSchedule(ctx context.Context, input *model.Schedule) (*model.Schedule, error) {
	schedule := *input
	now := e.clock.Now()

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	schedule.NextOccurrence = nil
	schedule.LastOccurrence = nil
	schedule.NextRunAt = nil
	schedule.LastRunAt = nil
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if err := ValidateScheduleConfig(&schedule); err != nil {
		return nil, err
	}
	if err := e.checkAsset(ctx, schedule.OrganizationID, schedule.AssetID); err != nil {
		return nil, err
	}

	e.computeNext(&schedule, now)

	if err := e.store.CreateSchedule(ctx, &schedule); err != nil {
		return nil, errors.Wrap(err, "failed to create schedule")
	}

	e.logger.Info("Created schedule",
		zap.String("schedule_id", schedule.ID),
		zap.String("organization_id", schedule.OrganizationID),
		zap.String("kind", string(recurrence.FromSchedule(&schedule).Kind())),
		zap.Timep("next_occurrence", schedule.NextOccurrence))

	e.dispatchLogged(ctx, &schedule)
	return &schedule, nil
}

// GetSchedule returns a schedule owned by the organization
func (e *Engine) GetSchedule(ctx context.Context, orgID, id string) (*model.Schedule, error) {
	schedule, err := e.store.GetScheduleForOrg(ctx, orgID, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, &NotFoundError{Resource: "schedule", ID: id}
		}
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return schedule, nil
}

// ListSchedules returns one page of an organization's schedules and the
// total number of matches
func (e *Engine) ListSchedules(ctx context.Context, filter model.ScheduleFilter) ([]*model.Schedule, int, error) {
	if filter.OrganizationID == "" {
		return nil, 0, invalid("organization_id", "is required")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	schedules, total, err := e.store.ListSchedules(ctx, filter)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list schedules")
	}
	return schedules, total, nil
}

// ScheduleUpdate is a partial update. Nil fields are left unchanged.
type ScheduleUpdate struct {
	Name              *string
	AssetID           *string
	ScheduleType      *model.ScheduleType
	RecurrenceType    *model.RecurrenceType
	StartDate         *time.Time
	EndDate           *time.Time
	ClearEndDate      bool
	IntervalDays      *int
	IntervalMonths    *int
	CustomRRule       *string
	RecurrenceRule    *string
	MonthlyDayOfMonth *int
	SeasonalMonths    []int
	UsageThreshold    *float64
	TaskTemplate      *model.TaskTemplate
	AutoCreateAdvance *int
	IsActive          *bool
}

func (u ScheduleUpdate) apply(s *model.Schedule) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.AssetID != nil {
		s.AssetID = *u.AssetID
	}
	if u.ScheduleType != nil {
		s.ScheduleType = *u.ScheduleType
	}
	if u.RecurrenceType != nil {
		s.RecurrenceType = *u.RecurrenceType
	}
	if u.StartDate != nil {
		s.StartDate = *u.StartDate
	}
	if u.ClearEndDate {
		s.EndDate = nil
	} else if u.EndDate != nil {
		end := *u.EndDate
		s.EndDate = &end
	}
	if u.IntervalDays != nil {
		s.IntervalDays = *u.IntervalDays
	}
	if u.IntervalMonths != nil {
		s.IntervalMonths = *u.IntervalMonths
	}
	if u.CustomRRule != nil {
		s.CustomRRule = *u.CustomRRule
	}
	if u.RecurrenceRule != nil {
		s.RecurrenceRule = *u.RecurrenceRule
	}
	if u.MonthlyDayOfMonth != nil {
		s.MonthlyDayOfMonth = *u.MonthlyDayOfMonth
	}
	if u.SeasonalMonths != nil {
		s.SeasonalMonths = append([]int(nil), u.SeasonalMonths...)
	}
	if u.UsageThreshold != nil {
		s.UsageThreshold = *u.UsageThreshold
	}
	if u.TaskTemplate != nil {
		s.TaskTemplate = *u.TaskTemplate
	}
	if u.AutoCreateAdvance != nil {
		s.AutoCreateAdvance = *u.AutoCreateAdvance
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
}

// UpdateSchedule applies a partial update. The next occurrence is only
// recomputed when timing fields changed, and a new job is dispatched when
// the schedule is active and its dispatch time may have moved.
//
// The write is rejected when a worker recorded an occurrence since the
// schedule was read; the update is then reapplied to a fresh read.
func (e *Engine) UpdateSchedule(ctx context.Context, orgID, id string, update ScheduleUpdate) (*model.Schedule, error) {
	for attempt := 1; ; attempt++ {
		updated, err := e.updateSchedule(ctx, orgID, id, update)
		if err == nil || !errors.IsConflict(err) || attempt == maxUpdateAttempts {
			return updated, err
		}
		e.logger.Debug("Schedule changed during update, retrying",
			zap.String("schedule_id", id),
			zap.Int("attempt", attempt))
	}
}

const maxUpdateAttempts = 3

func (e *Engine) updateSchedule(ctx context.Context, orgID, id string, update ScheduleUpdate) (*model.Schedule, error) {
	current, err := e.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	update.apply(&updated)
	now := e.clock.Now()
	updated.UpdatedAt = now

	if err := ValidateScheduleConfig(&updated); err != nil {
		return nil, err
	}
	if updated.AssetID != current.AssetID {
		if err := e.checkAsset(ctx, orgID, updated.AssetID); err != nil {
			return nil, err
		}
	}

	timingChanged := !recurrence.FromSchedule(current).TimingEqual(recurrence.FromSchedule(&updated))
	activated := updated.IsActive && !current.IsActive
	switch {
	case timingChanged || activated:
		e.computeNext(&updated, now)
	case updated.AutoCreateAdvance != current.AutoCreateAdvance:
		updated.NextRunAt = runAtFor(updated.NextOccurrence, updated.AutoCreateAdvance)
	}

	if err := e.store.UpdateSchedule(ctx, &updated); err != nil {
		if errors.IsNotFound(err) {
			return nil, &NotFoundError{Resource: "schedule", ID: id}
		}
		if errors.IsConflict(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to update schedule")
	}

	e.logger.Info("Updated schedule",
		zap.String("schedule_id", id),
		zap.Bool("timing_changed", timingChanged),
		zap.Timep("next_occurrence", updated.NextOccurrence))

	if timingChanged || activated || updated.AutoCreateAdvance != current.AutoCreateAdvance {
		e.dispatchLogged(ctx, &updated)
	}
	return &updated, nil
}

// DeleteSchedule removes a schedule. Jobs already queued for it are dropped
// by the worker when they fire.
func (e *Engine) DeleteSchedule(ctx context.Context, orgID, id string) error {
	if err := e.store.DeleteSchedule(ctx, orgID, id); err != nil {
		if errors.IsNotFound(err) {
			return &NotFoundError{Resource: "schedule", ID: id}
		}
		return errors.Wrap(err, "failed to delete schedule")
	}
	e.logger.Info("Deleted schedule", zap.String("schedule_id", id))
	return nil
}

// ActivateSchedule resumes a schedule from now on: the next occurrence is
// recomputed and dispatched.
func (e *Engine) ActivateSchedule(ctx context.Context, orgID, id string) (*model.Schedule, error) {
	active := true
	return e.UpdateSchedule(ctx, orgID, id, ScheduleUpdate{IsActive: &active})
}

// DeactivateSchedule stops task generation. Queued jobs are not cancelled;
// the worker checks the flag when they fire.
func (e *Engine) DeactivateSchedule(ctx context.Context, orgID, id string) error {
	if err := e.store.SetActive(ctx, orgID, id, false, e.clock.Now()); err != nil {
		if errors.IsNotFound(err) {
			return &NotFoundError{Resource: "schedule", ID: id}
		}
		return errors.Wrap(err, "failed to deactivate schedule")
	}
	e.logger.Info("Deactivated schedule", zap.String("schedule_id", id))
	return nil
}

// PreviewOccurrences lists a schedule's occurrences within [from, to]
func (e *Engine) PreviewOccurrences(ctx context.Context, orgID, id string, from, to time.Time, limit int) ([]time.Time, error) {
	schedule, err := e.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return e.calc.Upcoming(recurrence.FromSchedule(schedule), from, to, limit), nil
}

// TriggerNow enqueues an immediate task generation for the schedule's
// current occurrence, or for now when it has none
func (e *Engine) TriggerNow(ctx context.Context, orgID, id string) (*model.ScheduleJob, error) {
	schedule, err := e.GetSchedule(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !schedule.IsActive {
		return nil, invalid("is_active", "schedule is inactive")
	}

	occurrence := e.clock.Now()
	if schedule.NextOccurrence != nil {
		occurrence = *schedule.NextOccurrence
	}
	job := model.ScheduleJob{
		Type:           model.JobTypeGenerateTasks,
		ScheduleID:     schedule.ID,
		OrganizationID: schedule.OrganizationID,
		AssetID:        schedule.AssetID,
		OccurrenceDate: occurrence,
	}
	if err := e.queue.Enqueue(ctx, job, 0); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}
	e.jobsDispatched.Add(1)

	e.logger.Info("Triggered task generation",
		zap.String("schedule_id", schedule.ID),
		zap.Time("occurrence", occurrence))
	return &job, nil
}

// PendingCount counts active schedules whose next occurrence is due. An
// empty orgID counts across every organization.
func (e *Engine) PendingCount(ctx context.Context, orgID string) (int, error) {
	count, err := e.store.CountDue(ctx, orgID, e.clock.Now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending occurrences")
	}
	return count, nil
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() model.EngineStats {
	return model.EngineStats{
		OccurrencesProcessed: e.occurrencesProcessed.Load(),
		TasksCreated:         e.tasksCreated.Load(),
		TaskFailures:         e.taskFailures.Load(),
		NotificationFailures: e.notificationFailures.Load(),
		JobsSkipped:          e.jobsSkipped.Load(),
		JobsDispatched:       e.jobsDispatched.Load(),
		CollectedAt:          e.clock.Now(),
	}
}

// computeNext sets the next occurrence and its run time. The occurrence is
// strictly after both now and the last recorded occurrence, which can lie in
// the future while its advance window is open.
func (e *Engine) computeNext(s *model.Schedule, now time.Time) {
	s.NextOccurrence = e.calc.Next(recurrence.FromSchedule(s), nextPivot(s, now))
	s.NextRunAt = runAtFor(s.NextOccurrence, s.AutoCreateAdvance)
}

func nextPivot(s *model.Schedule, now time.Time) time.Time {
	if s.LastOccurrence != nil && s.LastOccurrence.After(now) {
		return *s.LastOccurrence
	}
	return now
}

func (e *Engine) checkAsset(ctx context.Context, orgID, assetID string) error {
	if assetID == "" {
		return nil
	}
	ok, err := e.store.AssetBelongsTo(ctx, orgID, assetID)
	if err != nil {
		return errors.Wrap(err, "failed to verify asset")
	}
	if !ok {
		return &NotFoundError{Resource: "asset", ID: assetID}
	}
	return nil
}
